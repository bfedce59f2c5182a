// internal/results/aggregator.go
package results

import (
	"context"
	"sort"
	"sync"

	"github.com/jason-s-yu/skillmind/internal/models"
	"github.com/jason-s-yu/skillmind/internal/room"
	"github.com/jason-s-yu/skillmind/internal/store"
	"github.com/sirupsen/logrus"
)

// Standing is one row of the leaderboard.
type Standing struct {
	Rank      int    `json:"rank"`
	UID       string `json:"uid"`
	Name      string `json:"name"`
	Score     int64  `json:"score"`
	TotalTime *int64 `json:"totalTime,omitempty"`
	Finished  bool   `json:"finished"`
	Departed  bool   `json:"departed,omitempty"`
}

// Leaderboard is the ranked view of a room's players.
type Leaderboard struct {
	Standings []Standing `json:"standings"`
	Finished  int        `json:"finished"`
	Total     int        `json:"total"`
}

// Rank orders players by score descending, then completion time ascending
// with unfinished players last, then name, then uid.
func Rank(players []models.Player) Leaderboard {
	sorted := append([]models.Player(nil), players...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		switch {
		case a.TotalTime != nil && b.TotalTime == nil:
			return true
		case a.TotalTime == nil && b.TotalTime != nil:
			return false
		case a.TotalTime != nil && b.TotalTime != nil && *a.TotalTime != *b.TotalTime:
			return *a.TotalTime < *b.TotalTime
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.UID < b.UID
	})

	lb := Leaderboard{Standings: make([]Standing, len(sorted)), Total: len(sorted)}
	for i, p := range sorted {
		lb.Standings[i] = Standing{
			Rank:      i + 1,
			UID:       p.UID,
			Name:      p.Name,
			Score:     p.Score,
			TotalTime: p.TotalTime,
			Finished:  p.Finished(),
			Departed:  p.Departed,
		}
		if p.Finished() {
			lb.Finished++
		}
	}
	return lb
}

// Aggregator serves the results view of one player in one room.
type Aggregator struct {
	manager *room.Manager
	code    string
	uid     string
	logger  *logrus.Entry

	mu  sync.Mutex
	sub *store.Subscription[[]*store.Snapshot]
}

func NewAggregator(m *room.Manager, code, uid string) *Aggregator {
	return &Aggregator{
		manager: m,
		code:    code,
		uid:     uid,
		logger:  m.Logger().WithFields(logrus.Fields{"room": code, "user": uid, "component": "results"}),
	}
}

// Snapshot ranks the players as they are now.
func (a *Aggregator) Snapshot(ctx context.Context) (Leaderboard, error) {
	players, err := a.manager.ListPlayers(ctx, a.code)
	if err != nil {
		return Leaderboard{}, err
	}
	return Rank(players), nil
}

// Watch streams a fresh leaderboard after every change to the player
// collection. The channel is closed when ctx ends or Stop is called.
func (a *Aggregator) Watch(ctx context.Context) (<-chan Leaderboard, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sub != nil {
		a.sub.Stop()
	}
	sub, err := a.manager.WatchPlayers(ctx, a.code)
	if err != nil {
		return nil, err
	}
	a.sub = sub

	out := make(chan Leaderboard, 1)
	go func() {
		defer close(out)
		for snaps := range sub.C {
			players, err := room.DecodePlayers(snaps)
			if err != nil {
				a.logger.WithError(err).Warn("skipping undecodable player snapshot")
				continue
			}
			lb := Rank(players)
			// keep only the newest board for a slow reader
			select {
			case <-out:
			default:
			}
			out <- lb
		}
	}()
	return out, nil
}

// Stop ends the live leaderboard and waits for it to wind down.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	sub := a.sub
	a.sub = nil
	a.mu.Unlock()
	if sub != nil {
		sub.Stop()
	}
}

// Leave removes the player from the results view. The last player to leave
// deletes the room.
func (a *Aggregator) Leave(ctx context.Context) error {
	return a.manager.LeaveAfterGame(ctx, a.code, a.uid)
}
