// internal/handlers/rooms_test.go
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jason-s-yu/skillmind/internal/auth"
	"github.com/jason-s-yu/skillmind/internal/models"
	"github.com/jason-s-yu/skillmind/internal/results"
	"github.com/jason-s-yu/skillmind/internal/room"
	"github.com/jason-s-yu/skillmind/internal/session"
	"github.com/jason-s-yu/skillmind/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	srv     *httptest.Server
	manager *room.Manager
	keys    *auth.Keys
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	keys, err := auth.GenerateKeys(0)
	require.NoError(t, err)
	m := room.NewManager(store.NewMemory(), logger, nil, room.DefaultOptions())
	s := NewServer(m, keys, logger, ServerOptions{RevealDelay: 10 * time.Millisecond})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, manager: m, keys: keys}
}

func (e *testEnv) guest(t *testing.T, name string) (auth.Identity, string) {
	t.Helper()
	res := e.do(t, "", http.MethodPost, "/auth/guest", map[string]string{"name": name})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	var body struct {
		auth.Identity
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	res.Body.Close()
	return body.Identity, body.Token
}

func (e *testEnv) do(t *testing.T, token, method, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Cookie", auth.CookieName+"="+token)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return res
}

func decode[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	defer res.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&v))
	return v
}

func quiz() []models.Question {
	return []models.Question{
		{Prompt: "Capital of France?", Options: []string{"Paris", "Rome", "Oslo"}, CorrectOption: "Paris"},
		{Prompt: "2 + 3?", Options: []string{"4", "5", "6"}, CorrectOption: "5"},
	}
}

func (e *testEnv) createRoom(t *testing.T, token string) string {
	t.Helper()
	res := e.do(t, token, http.MethodPost, "/rooms", map[string]interface{}{"questions": quiz()})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	return decode[roomResponse](t, res).Code
}

func TestRoomsRequireIdentity(t *testing.T) {
	e := newTestEnv(t)
	res := e.do(t, "", http.MethodPost, "/rooms", map[string]interface{}{"questions": quiz()})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	body := decode[errorBody](t, res)
	assert.Equal(t, "auth_required", body.Code)

	res = e.do(t, "garbage", http.MethodGet, "/rooms/ABCDEF", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	res.Body.Close()
}

func TestGuestSetsCookie(t *testing.T) {
	e := newTestEnv(t)
	res := e.do(t, "", http.MethodPost, "/auth/guest", map[string]string{"name": "Ana"})
	defer res.Body.Close()
	require.Equal(t, http.StatusCreated, res.StatusCode)

	var found bool
	for _, c := range res.Cookies() {
		if c.Name == auth.CookieName {
			found = true
			id, err := e.keys.Verify(c.Value)
			require.NoError(t, err)
			assert.Equal(t, "Ana", id.Name)
		}
	}
	assert.True(t, found)
}

func TestRoomHTTPFlow(t *testing.T) {
	e := newTestEnv(t)
	hostID, hostToken := e.guest(t, "Ana")
	guestID, guestToken := e.guest(t, "Ben")

	code := e.createRoom(t, hostToken)

	res := e.do(t, guestToken, http.MethodPost, "/rooms/"+code+"/join", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	joined := decode[roomResponse](t, res)
	assert.EqualValues(t, 2, joined.Room.PlayerCount)

	res = e.do(t, guestToken, http.MethodGet, "/rooms/"+code, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	got := decode[roomResponse](t, res)
	assert.Equal(t, 2, got.Room.QuestionCount)
	assert.Equal(t, "Ana", got.Room.HostName)

	res = e.do(t, guestToken, http.MethodPost, "/rooms/"+code+"/start", nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	res.Body.Close()

	res = e.do(t, hostToken, http.MethodPost, "/rooms/"+code+"/start", nil)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	res.Body.Close()

	_, lateToken := e.guest(t, "Cy")
	res = e.do(t, lateToken, http.MethodPost, "/rooms/"+code+"/join", nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	res.Body.Close()

	ctx := context.Background()
	_, err := e.manager.RecordAnswer(ctx, code, guestID.UID, 0, "Paris", true)
	require.NoError(t, err)

	res = e.do(t, hostToken, http.MethodGet, "/rooms/"+code+"/results", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	lb := decode[resultsResponse](t, res)
	require.Len(t, lb.Standings, 2)
	assert.Equal(t, guestID.UID, lb.Standings[0].UID)
	require.NotNil(t, lb.Review)
	assert.Equal(t, 0, lb.Review.Correct)
	assert.Len(t, lb.Review.Mistakes, 2)

	res = e.do(t, guestToken, http.MethodGet, "/rooms/"+code+"/results", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	review := decode[resultsResponse](t, res).Review
	require.NotNil(t, review)
	assert.Equal(t, 1, review.Correct)
	require.Len(t, review.Mistakes, 1)
	assert.Equal(t, 1, review.Mistakes[0].Index)
	assert.Empty(t, review.Mistakes[0].Chosen)

	// answers must follow the question order
	_, err = e.manager.RecordAnswer(ctx, code, guestID.UID, 0, "Paris", true)
	require.NoError(t, err)
	_, err = e.manager.RecordAnswer(ctx, code, hostID.UID, 1, "5", true)
	assert.ErrorIs(t, err, room.ErrAnswerOutOfOrder)
	assert.Equal(t, http.StatusConflict, statusFor(err))

	res = e.do(t, guestToken, http.MethodPost, "/rooms/"+code+"/results/leave", nil)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	res.Body.Close()

	res = e.do(t, hostToken, http.MethodDelete, "/rooms/"+code, nil)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	res.Body.Close()

	res = e.do(t, hostToken, http.MethodGet, "/rooms/"+code, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res.Body.Close()
}

func TestSoloRoomHTTP(t *testing.T) {
	e := newTestEnv(t)
	_, token := e.guest(t, "Ana")

	res := e.do(t, token, http.MethodPost, "/rooms", map[string]interface{}{"questions": quiz(), "solo": true})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	created := decode[roomResponse](t, res)

	res = e.do(t, token, http.MethodGet, "/rooms/"+created.Code, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	view := decode[roomResponse](t, res).Room
	assert.Equal(t, models.RoomInProgress, view.State)
	assert.True(t, view.Solo)

	// nobody can join a quiz that is already running
	_, otherToken := e.guest(t, "Ben")
	res = e.do(t, otherToken, http.MethodPost, "/rooms/"+created.Code+"/join", nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	res.Body.Close()

	c := dialRoom(t, e, created.Code, token)
	ctx := context.Background()
	for _, a := range []string{"Rome", "5"} {
		readUntil(t, c, session.EventQuestion)
		require.NoError(t, wsjson.Write(ctx, c, session.Command{Type: session.CmdSubmit, Option: a}))
		readUntil(t, c, session.EventAnswerResult)
	}
	done := readUntil(t, c, session.EventCompleted)
	require.NotNil(t, done.Review)
	assert.Equal(t, 1, done.Review.Correct)
	require.Len(t, done.Review.Mistakes, 1)
	assert.Equal(t, "Rome", done.Review.Mistakes[0].Chosen)
	assert.Equal(t, "Paris", done.Review.Mistakes[0].CorrectOption)
}

func TestCORSCredentialsNeedExplicitOrigins(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	keys, err := auth.GenerateKeys(0)
	require.NoError(t, err)
	m := room.NewManager(store.NewMemory(), logger, nil, room.DefaultOptions())

	preflight := func(origins []string) *httptest.ResponseRecorder {
		s := NewServer(m, keys, logger, ServerOptions{CORSOrigins: origins})
		req := httptest.NewRequest(http.MethodOptions, "/rooms", nil)
		req.Header.Set("Origin", "https://evil.example")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		return rec
	}

	for _, origins := range [][]string{nil, {"*"}} {
		rec := preflight(origins)
		assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
	}

	rec := preflight([]string{"https://evil.example"})
	assert.Equal(t, "https://evil.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	rec = preflight([]string{"https://app.example"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServerWaitCoversWebSocketSessions(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	keys, err := auth.GenerateKeys(0)
	require.NoError(t, err)
	m := room.NewManager(store.NewMemory(), logger, nil, room.DefaultOptions())
	s := NewServer(m, keys, logger, ServerOptions{RevealDelay: 10 * time.Millisecond})
	srv := httptest.NewServer(s.Router())
	defer srv.Close()
	e := &testEnv{srv: srv, manager: m, keys: keys}

	host, hostToken := e.guest(t, "Ana")
	guest, guestToken := e.guest(t, "Ben")
	code := e.createRoom(t, hostToken)
	res := e.do(t, guestToken, http.MethodPost, "/rooms/"+code+"/join", nil)
	res.Body.Close()

	c := dialRoom(t, e, code, guestToken)
	readUntil(t, c, session.EventRoomState)

	waited := make(chan struct{})
	go func() {
		s.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		t.Fatal("Wait returned while a session was running")
	case <-time.After(50 * time.Millisecond):
	}

	c.CloseNow()
	select {
	case <-waited:
	case <-time.After(3 * time.Second):
		t.Fatal("Wait did not return after the session ended")
	}

	// the session released the guest's seat before Wait returned
	ctx := context.Background()
	_, err = m.GetPlayer(ctx, code, guest.UID)
	assert.ErrorIs(t, err, room.ErrNotInRoom)
	_, err = m.GetPlayer(ctx, code, host.UID)
	assert.NoError(t, err)
}

func TestCreateRoomRejectsBadQuestions(t *testing.T) {
	e := newTestEnv(t)
	_, token := e.guest(t, "Ana")

	bad := quiz()
	bad[0].Options = []string{"Paris", "Paris", "Oslo"}
	res := e.do(t, token, http.MethodPost, "/rooms", map[string]interface{}{"questions": bad})
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.Equal(t, "invalid_question_set", decode[errorBody](t, res).Code)

	res = e.do(t, token, http.MethodGet, "/rooms/nope", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	res.Body.Close()
}

func TestLeaveRoomHTTP(t *testing.T) {
	e := newTestEnv(t)
	_, hostToken := e.guest(t, "Ana")
	_, guestToken := e.guest(t, "Ben")
	code := e.createRoom(t, hostToken)

	res := e.do(t, guestToken, http.MethodPost, "/rooms/"+code+"/join", nil)
	res.Body.Close()
	res = e.do(t, guestToken, http.MethodPost, "/rooms/"+code+"/leave", nil)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	res.Body.Close()

	r, err := e.manager.GetRoom(context.Background(), code)
	require.NoError(t, err)
	assert.EqualValues(t, 1, r.PlayerCount)

	// the host leaving closes the room; leaving again is still fine
	res = e.do(t, hostToken, http.MethodPost, "/rooms/"+code+"/leave", nil)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	res.Body.Close()
	res = e.do(t, hostToken, http.MethodPost, "/rooms/"+code+"/leave", nil)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	res.Body.Close()
}

func dialRoom(t *testing.T, e *testEnv, code, token string, protocols ...string) *websocket.Conn {
	t.Helper()
	if protocols == nil {
		protocols = []string{RoomSubprotocol}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + e.srv.URL[len("http"):] + "/rooms/" + code + "/ws?token=" + token
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{Subprotocols: protocols})
	require.NoError(t, err)
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func readUntil(t *testing.T, c *websocket.Conn, typ session.EventType) session.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		var ev session.Event
		require.NoError(t, wsjson.Read(ctx, c, &ev))
		if ev.Type == typ {
			return ev
		}
	}
}

func TestRoomWebSocketGame(t *testing.T) {
	e := newTestEnv(t)
	_, hostToken := e.guest(t, "Ana")
	code := e.createRoom(t, hostToken)

	c := dialRoom(t, e, code, hostToken)
	ctx := context.Background()

	state := readUntil(t, c, session.EventRoomState)
	assert.Equal(t, models.RoomWaiting, state.Room.State)

	require.NoError(t, wsjson.Write(ctx, c, session.Command{Type: session.CmdStartGame}))
	answers := []string{"Paris", "6"}
	for i, a := range answers {
		q := readUntil(t, c, session.EventQuestion)
		require.NotNil(t, q.Game.Question)
		assert.Equal(t, i, q.Game.Question.Index)
		require.NoError(t, wsjson.Write(ctx, c, session.Command{Type: session.CmdSubmit, Option: a}))
		res := readUntil(t, c, session.EventAnswerResult)
		assert.Equal(t, i == 0, res.Result.Correct)
	}
	done := readUntil(t, c, session.EventCompleted)
	require.NotNil(t, done.Review)
	assert.Equal(t, 1, done.Review.Correct)
	assert.Equal(t, 1, done.Review.Incorrect)
	require.Len(t, done.Review.Mistakes, 1)
	assert.Equal(t, "6", done.Review.Mistakes[0].Chosen)
	assert.Equal(t, "5", done.Review.Mistakes[0].CorrectOption)
	lb := readUntil(t, c, session.EventLeaderboard)
	assert.EqualValues(t, 10, lb.Leaderboard.Standings[0].Score)

	require.NoError(t, wsjson.Write(ctx, c, session.Command{Type: session.CmdLeaveResults}))
	readCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	for {
		_, _, err := c.Read(readCtx)
		if err != nil {
			assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
			break
		}
	}

	// the only occupant left, so the room is gone
	_, err := e.manager.GetRoom(ctx, code)
	assert.ErrorIs(t, err, room.ErrRoomNotFound)
}

func TestRoomWebSocketHostClosed(t *testing.T) {
	e := newTestEnv(t)
	_, hostToken := e.guest(t, "Ana")
	_, guestToken := e.guest(t, "Ben")
	code := e.createRoom(t, hostToken)

	host := dialRoom(t, e, code, hostToken)
	readUntil(t, host, session.EventRoomState)
	guest := dialRoom(t, e, code, guestToken)
	readUntil(t, guest, session.EventRoomState)

	require.NoError(t, wsjson.Write(context.Background(), host, session.Command{Type: session.CmdCloseRoom}))
	readUntil(t, guest, session.EventHostClosed)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, _, err := guest.Read(ctx)
		if err != nil {
			assert.Equal(t, websocket.StatusCode(HostClosedRoomError), websocket.CloseStatus(err))
			break
		}
	}
}

func TestRoomWebSocketRejectsWrongSubprotocol(t *testing.T) {
	e := newTestEnv(t)
	_, hostToken := e.guest(t, "Ana")
	code := e.createRoom(t, hostToken)

	c := dialRoom(t, e, code, hostToken, "lobby")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	assert.Equal(t, websocket.StatusCode(BadSubprotocolError), websocket.CloseStatus(err))
}

func TestRoomWebSocketUnknownRoom(t *testing.T) {
	e := newTestEnv(t)
	_, token := e.guest(t, "Ana")

	res := e.do(t, token, http.MethodGet, "/rooms/ZZZZZZ/ws", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res.Body.Close()
}
