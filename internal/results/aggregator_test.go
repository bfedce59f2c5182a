package results

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/jason-s-yu/skillmind/internal/models"
	"github.com/jason-s-yu/skillmind/internal/room"
	"github.com/jason-s-yu/skillmind/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ms(v int64) *int64 { return &v }

func uids(lb Leaderboard) []string {
	out := make([]string, len(lb.Standings))
	for i, s := range lb.Standings {
		out[i] = s.UID
	}
	return out
}

func TestRankOrdering(t *testing.T) {
	players := []models.Player{
		{UID: "slow", Name: "Sam", Score: 30, TotalTime: ms(9000)},
		{UID: "fast", Name: "Fay", Score: 30, TotalTime: ms(4000)},
		{UID: "unfinished", Name: "Una", Score: 30},
		{UID: "low", Name: "Lou", Score: 10, TotalTime: ms(1000)},
		{UID: "tie-b", Name: "Bea", Score: 20, TotalTime: ms(5000)},
		{UID: "tie-a", Name: "Abe", Score: 20, TotalTime: ms(5000)},
		{UID: "same-2", Name: "Kim", Score: 0},
		{UID: "same-1", Name: "Kim", Score: 0},
	}

	lb := Rank(players)
	assert.Equal(t, []string{"fast", "slow", "unfinished", "tie-a", "tie-b", "low", "same-1", "same-2"}, uids(lb))
	assert.Equal(t, 8, lb.Total)
	assert.Equal(t, 5, lb.Finished)
	for i, s := range lb.Standings {
		assert.Equal(t, i+1, s.Rank)
	}
}

func TestRankIsIndependentOfInputOrder(t *testing.T) {
	players := []models.Player{
		{UID: "a", Name: "A", Score: 10},
		{UID: "b", Name: "B", Score: 10, TotalTime: ms(100)},
		{UID: "c", Name: "A", Score: 10},
	}
	reversed := []models.Player{players[2], players[1], players[0]}
	assert.Equal(t, uids(Rank(players)), uids(Rank(reversed)))
}

func TestRankEmpty(t *testing.T) {
	lb := Rank(nil)
	assert.Empty(t, lb.Standings)
	assert.Zero(t, lb.Total)
}

func newRoomWithPlayers(t *testing.T) (*room.Manager, string) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	m := room.NewManager(store.NewMemory(), logger, nil, room.DefaultOptions())
	ctx := context.Background()

	qs := []models.Question{{Prompt: "2+2?", Options: []string{"3", "4", "5"}, CorrectOption: "4"}}
	code, err := m.CreateRoom(ctx, "host", "Hana", qs)
	require.NoError(t, err)
	_, err = m.JoinRoom(ctx, code, "p1", "Pat")
	require.NoError(t, err)
	require.NoError(t, m.StartGame(ctx, code, "host"))
	return m, code
}

func TestAggregatorWatchFollowsScores(t *testing.T) {
	m, code := newRoomWithPlayers(t)
	ctx := context.Background()

	agg := NewAggregator(m, code, "host")
	boards, err := agg.Watch(ctx)
	require.NoError(t, err)
	defer agg.Stop()

	first := <-boards
	assert.Equal(t, 2, first.Total)
	assert.Zero(t, first.Finished)

	_, err = m.RecordAnswer(ctx, code, "p1", 0, "4", true)
	require.NoError(t, err)
	require.NoError(t, m.RecordTotalTime(ctx, code, "p1", 1500))

	var last Leaderboard
	require.Eventually(t, func() bool {
		select {
		case lb := <-boards:
			last = lb
		default:
		}
		return last.Finished == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "p1", last.Standings[0].UID)
	assert.EqualValues(t, 10, last.Standings[0].Score)

	agg.Stop()
	require.Eventually(t, func() bool {
		select {
		case _, open := <-boards:
			return !open
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestAggregatorLeaveDrainsRoom(t *testing.T) {
	m, code := newRoomWithPlayers(t)
	ctx := context.Background()

	hostView := NewAggregator(m, code, "host")
	playerView := NewAggregator(m, code, "p1")

	require.NoError(t, playerView.Leave(ctx))
	lb, err := hostView.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, lb.Total, "departed players stay on the board")

	r, err := m.GetRoom(ctx, code)
	require.NoError(t, err)
	assert.EqualValues(t, 1, r.PlayerCount)

	require.NoError(t, hostView.Leave(ctx))
	_, err = m.GetRoom(ctx, code)
	assert.ErrorIs(t, err, room.ErrRoomNotFound)
}

func TestReviewListsMistakes(t *testing.T) {
	r := &models.Room{Questions: []models.Question{
		{Prompt: "2+2?", Options: []string{"3", "4", "5"}, CorrectOption: "4"},
		{Prompt: "3+3?", Options: []string{"5", "6", "7"}, CorrectOption: "6"},
		{Prompt: "4+4?", Options: []string{"7", "8", "9"}, CorrectOption: "8"},
	}}
	p := &models.Player{UID: "p1", Answered: 2, Answers: []models.Answer{
		{Index: 0, Option: "4", Correct: true},
		{Index: 1, Option: "7", Correct: false},
	}}

	s := Review(r, p)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.Correct)
	assert.Equal(t, 2, s.Incorrect)
	assert.Equal(t, []Mistake{
		{Index: 1, Prompt: "3+3?", Chosen: "7", CorrectOption: "6"},
		{Index: 2, Prompt: "4+4?", CorrectOption: "8"},
	}, s.Mistakes)
}

func TestAggregatorReviewReadsLedger(t *testing.T) {
	m, code := newRoomWithPlayers(t)
	ctx := context.Background()
	_, err := m.RecordAnswer(ctx, code, "p1", 0, "5", false)
	require.NoError(t, err)

	s, err := NewAggregator(m, code, "p1").Review(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Correct)
	require.Len(t, s.Mistakes, 1)
	assert.Equal(t, "5", s.Mistakes[0].Chosen)
	assert.Equal(t, "4", s.Mistakes[0].CorrectOption)

	_, err = NewAggregator(m, code, "stranger").Review(ctx)
	assert.ErrorIs(t, err, room.ErrNotInRoom)
}
