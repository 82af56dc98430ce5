package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pokeworld-server/internal/session"
	"pokeworld-server/internal/world"
)

// fakeStore is an in-memory stand-in for the Postgres session store. It
// implements both the admission gate and the room-side tracker.
type fakeStore struct {
	mu       sync.Mutex
	byName   map[string]*session.User
	loginErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{byName: make(map[string]*session.User)}
}

func (f *fakeStore) Login(ctx context.Context, name, sessionID string) (*session.User, bool, error) {
	name, err := session.ValidateName(name)
	if err != nil {
		return nil, false, err
	}
	if f.loginErr != nil {
		return nil, false, f.loginErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	user, exists := f.byName[name]
	if exists && user.IsOnline {
		return nil, false, session.ErrAlreadyOnline
	}

	now := time.Now()
	user = &session.User{
		Name:        name,
		SessionID:   sessionID,
		IsOnline:    true,
		LastLoginAt: now,
		LastSeenAt:  now,
	}
	f.byName[name] = user
	return user, !exists, nil
}

func (f *fakeStore) Logout(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.byName {
		if user.SessionID == sessionID {
			user.IsOnline = false
		}
	}
	return nil
}

func (f *fakeStore) Touch(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.byName {
		if user.SessionID == sessionID {
			user.LastSeenAt = time.Now()
		}
	}
	return nil
}

func (f *fakeStore) FindBySessionID(ctx context.Context, sessionID string) (*session.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.byName {
		if user.SessionID == sessionID {
			copied := *user
			return &copied, nil
		}
	}
	return nil, session.ErrNotFound
}

type fakeDB struct{}

func (fakeDB) Health() map[string]string { return map[string]string{"status": "up"} }
func (fakeDB) Pool() *pgxpool.Pool       { return nil }
func (fakeDB) Close()                    {}

func newTestServer(store *fakeStore) (*Server, func()) {
	s := &Server{
		db:          fakeDB{},
		store:       store,
		rooms:       world.NewManager(store, world.Config{}),
		rateLimiter: NewRateLimiter(100, time.Second),
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.rooms.Shutdown(ctx)
	}
	return s, cleanup
}

func postJSON(t *testing.T, handler http.Handler, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestLoginHandler_NewUser(t *testing.T) {
	s, cleanup := newTestServer(newFakeStore())
	defer cleanup()
	handler := s.RegisterRoutes()

	rec := postJSON(t, handler, "/api/login", `{"name":"Ash"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, "Ash", resp.Username)
	assert.True(t, resp.NewUser)
}

func TestLoginHandler_InvalidName(t *testing.T) {
	s, cleanup := newTestServer(newFakeStore())
	defer cleanup()
	handler := s.RegisterRoutes()

	rec := postJSON(t, handler, "/api/login", `{"name":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "Name is required", resp.Error)

	rec = postJSON(t, handler, "/api/login", `{"name":"`+strings.Repeat("a", 51)+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginHandler_Conflict(t *testing.T) {
	store := newFakeStore()
	s, cleanup := newTestServer(store)
	defer cleanup()
	handler := s.RegisterRoutes()

	rec := postJSON(t, handler, "/api/login", `{"name":"Ash"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(t, handler, "/api/login", `{"name":"Ash"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var resp LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "User is already online", resp.Error)
}

func TestLoginHandler_MethodNotAllowed(t *testing.T) {
	s, cleanup := newTestServer(newFakeStore())
	defer cleanup()
	handler := s.RegisterRoutes()

	req := httptest.NewRequest(http.MethodGet, "/api/login", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestLogoutHandler(t *testing.T) {
	store := newFakeStore()
	s, cleanup := newTestServer(store)
	defer cleanup()
	handler := s.RegisterRoutes()

	_, _, err := store.Login(context.Background(), "Ash", "S1")
	require.NoError(t, err)

	rec := postJSON(t, handler, "/api/logout", `{"sessionId":"S1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp LogoutResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)

	user := store.byName["Ash"]
	assert.False(t, user.IsOnline)
}

func TestLogoutHandler_MissingSessionID(t *testing.T) {
	s, cleanup := newTestServer(newFakeStore())
	defer cleanup()
	handler := s.RegisterRoutes()

	rec := postJSON(t, handler, "/api/logout", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthHandler(t *testing.T) {
	s, cleanup := newTestServer(newFakeStore())
	defer cleanup()
	handler := s.RegisterRoutes()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"up"`)
}

func TestCORSPreflight(t *testing.T) {
	s, cleanup := newTestServer(newFakeStore())
	defer cleanup()
	handler := s.RegisterRoutes()

	req := httptest.NewRequest(http.MethodOptions, "/api/login", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func dialWebsocket(t *testing.T, ts *httptest.Server) (*websocket.Conn, context.Context) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/websocket"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	return conn, ctx
}

func sendEnvelope(t *testing.T, ctx context.Context, conn *websocket.Conn, msgType string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(world.ClientMessage{Type: msgType, Payload: raw})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func readEnvelope(t *testing.T, ctx context.Context, conn *websocket.Conn) world.ClientMessage {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg world.ClientMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestWebsocket_JoinHandshake(t *testing.T) {
	store := newFakeStore()
	s, cleanup := newTestServer(store)
	defer cleanup()

	_, _, err := store.Login(context.Background(), "Ash", "S1")
	require.NoError(t, err)

	ts := httptest.NewServer(s.RegisterRoutes())
	defer ts.Close()

	conn, ctx := dialWebsocket(t, ts)
	sendEnvelope(t, ctx, conn, world.MsgJoin, world.JoinOptions{Username: "Ash", SessionID: "S1"})

	msg := readEnvelope(t, ctx, conn)
	assert.Equal(t, world.MsgCurrentPlayers, msg.Type)

	var snapshot struct {
		Players map[string]*world.Player `json:"players"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &snapshot))
	require.Contains(t, snapshot.Players, "S1")
	assert.Equal(t, "Ash", snapshot.Players["S1"].Username)
	assert.Equal(t, world.DefaultMap, snapshot.Players["S1"].Map)
}

func TestWebsocket_RejectsInvalidCredential(t *testing.T) {
	s, cleanup := newTestServer(newFakeStore())
	defer cleanup()

	ts := httptest.NewServer(s.RegisterRoutes())
	defer ts.Close()

	conn, ctx := dialWebsocket(t, ts)
	sendEnvelope(t, ctx, conn, world.MsgJoin, world.JoinOptions{Username: "Ash", SessionID: "never-issued"})

	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestWebsocket_RejectsNonJoinFirstMessage(t *testing.T) {
	s, cleanup := newTestServer(newFakeStore())
	defer cleanup()

	ts := httptest.NewServer(s.RegisterRoutes())
	defer ts.Close()

	conn, ctx := dialWebsocket(t, ts)
	sendEnvelope(t, ctx, conn, world.MsgGetPlayers, struct{}{})

	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

// Two clients over real sockets: join visibility and disconnect broadcast.
func TestWebsocket_JoinAndLeaveBroadcast(t *testing.T) {
	store := newFakeStore()
	s, cleanup := newTestServer(store)
	defer cleanup()

	_, _, err := store.Login(context.Background(), "Ash", "S1")
	require.NoError(t, err)
	_, _, err = store.Login(context.Background(), "Misty", "S2")
	require.NoError(t, err)

	ts := httptest.NewServer(s.RegisterRoutes())
	defer ts.Close()

	ash, ctx := dialWebsocket(t, ts)
	sendEnvelope(t, ctx, ash, world.MsgJoin, world.JoinOptions{SessionID: "S1"})
	require.Equal(t, world.MsgCurrentPlayers, readEnvelope(t, ctx, ash).Type)

	misty, mistyCtx := dialWebsocket(t, ts)
	sendEnvelope(t, mistyCtx, misty, world.MsgJoin, world.JoinOptions{SessionID: "S2"})
	require.Equal(t, world.MsgCurrentPlayers, readEnvelope(t, mistyCtx, misty).Type)

	joined := readEnvelope(t, ctx, ash)
	require.Equal(t, world.MsgPlayerJoined, joined.Type)

	var joinedPlayer world.Player
	require.NoError(t, json.Unmarshal(joined.Payload, &joinedPlayer))
	assert.Equal(t, "S2", joinedPlayer.SessionID)
	assert.Equal(t, "Misty", joinedPlayer.Username)

	// Ash drops; Misty hears about it and the session goes offline.
	ash.Close(websocket.StatusNormalClosure, "")

	left := readEnvelope(t, mistyCtx, misty)
	require.Equal(t, world.MsgPlayerLeft, left.Type)

	var leftPayload world.PlayerLeft
	require.NoError(t, json.Unmarshal(left.Payload, &leftPayload))
	assert.Equal(t, "S1", leftPayload.SessionID)

	assert.Eventually(t, func() bool {
		user, err := store.FindBySessionID(context.Background(), "S1")
		return err == nil && !user.IsOnline
	}, 2*time.Second, 10*time.Millisecond)
}
