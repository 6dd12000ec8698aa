package chatserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chat-loadtest/internal/scenario"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testID = "0x0123456789abcdef0123456789abcdef01234567"

type fakeStore struct {
	mu    sync.Mutex
	saved []User
	err   error
}

func (f *fakeStore) SaveHandshake(ctx context.Context, usr User) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.saved = append(f.saved, usr)
	return int64(len(f.saved)), nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

func startChat(t *testing.T, s *Server) string {
	t.Helper()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, base string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(base+"/connect", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	return string(data)
}

func sendIdentity(t *testing.T, conn *websocket.Conn, id, name string) {
	t.Helper()
	payload, err := json.Marshal(User{ID: id, Name: name})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
}

func TestHandshake(t *testing.T) {
	store := &fakeStore{}
	s := New(Config{}, nil, store)
	base := startChat(t, s)

	conn := dial(t, base)
	assert.Equal(t, "HELLO", readText(t, conn))
	sendIdentity(t, conn, testID, "Alice")
	assert.Equal(t, "WELCOME Alice", readText(t, conn))

	assert.Eventually(t, func() bool {
		accepted, _ := s.Stats()
		return accepted == 1
	}, time.Second, 10*time.Millisecond)
	_, rejected := s.Stats()
	assert.Zero(t, rejected)
	assert.Equal(t, 1, s.users.Count())
	assert.Equal(t, 1, store.count())
}

func TestHandshakeDuplicateID(t *testing.T) {
	s := New(Config{}, nil, nil)
	base := startChat(t, s)

	first := dial(t, base)
	readText(t, first)
	sendIdentity(t, first, testID, "Alice")
	require.Equal(t, "WELCOME Alice", readText(t, first))

	second := dial(t, base)
	readText(t, second)
	sendIdentity(t, second, testID, "Bob")
	assert.Equal(t, "Already Connected", readText(t, second))

	_, _, err := second.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 1, s.users.Count())
}

func TestHandshakeInvalidIdentity(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: "hi"},
		{name: "short id", payload: `{"ID":"0x12","Name":"User"}`},
		{name: "uppercase hex", payload: `{"ID":"0x0123456789ABCDEF0123456789abcdef01234567","Name":"User"}`},
		{name: "empty name", payload: `{"ID":"` + testID + `","Name":""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Config{}, nil, nil)
			conn := dial(t, startChat(t, s))
			readText(t, conn)
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.payload)))

			_, _, err := conn.ReadMessage()
			var closeErr *websocket.CloseError
			require.True(t, errors.As(err, &closeErr), "%v", err)
			assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
			assert.Zero(t, s.users.Count())
		})
	}
}

func TestHandshakeTimeout(t *testing.T) {
	s := New(Config{HandshakeTimeout: 100 * time.Millisecond}, nil, nil)
	conn := dial(t, startChat(t, s))
	readText(t, conn)

	// No identity is sent; the server gives up and drops the connection.
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Eventually(t, func() bool {
		_, rejected := s.Stats()
		return rejected == 1
	}, time.Second, 10*time.Millisecond)
}

func TestUserRemovedOnDisconnect(t *testing.T) {
	s := New(Config{}, nil, nil)
	conn := dial(t, startChat(t, s))
	readText(t, conn)
	sendIdentity(t, conn, testID, "Alice")
	readText(t, conn)
	require.Equal(t, 1, s.users.Count())

	conn.Close()
	assert.Eventually(t, func() bool { return s.users.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStoreErrorDoesNotRejectHandshake(t *testing.T) {
	s := New(Config{}, nil, &fakeStore{err: errors.New("db down")})
	conn := dial(t, startChat(t, s))
	readText(t, conn)
	sendIdentity(t, conn, testID, "Alice")
	assert.Equal(t, "WELCOME Alice", readText(t, conn))
}

func TestScenarioAgainstServer(t *testing.T) {
	s := New(Config{}, nil, nil)
	base := startChat(t, s)

	sc := scenario.New(scenario.Config{URL: base + "/connect", ReadTimeout: 2 * time.Second}, nil)
	for i := int32(1); i <= 3; i++ {
		m := sc.Run(context.Background(), i)
		require.NoError(t, m.Exception)
		assert.Equal(t, len("WELCOME User"), m.ResponseLength)
	}
	assert.Eventually(t, func() bool {
		accepted, _ := s.Stats()
		return accepted == 3
	}, time.Second, 10*time.Millisecond)
}

func TestHealthEndpoint(t *testing.T) {
	s := New(Config{AllowedOrigins: []string{"http://example.com"}}, nil, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, s.InstanceID().String(), body["instance"])
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/connect", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMemoryUsers(t *testing.T) {
	ctx := context.Background()
	u := NewMemoryUsers()
	require.NoError(t, u.Add(ctx, User{ID: testID, Name: "a"}))
	assert.ErrorIs(t, u.Add(ctx, User{ID: testID, Name: "b"}), ErrExists)
	assert.Equal(t, 1, u.Count())
	assert.NoError(t, u.Refresh(ctx, testID))
	u.Remove(ctx, testID)
	u.Remove(ctx, testID)
	assert.Zero(t, u.Count())
	assert.ErrorIs(t, u.Refresh(ctx, testID), ErrNotOwner)
}

func TestRedisUsers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	a := NewRedisUsers(client, "instance-a", time.Minute)
	b := NewRedisUsers(client, "instance-b", time.Minute)

	require.NoError(t, a.Add(ctx, User{ID: testID, Name: "a"}))
	assert.ErrorIs(t, b.Add(ctx, User{ID: testID, Name: "b"}), ErrExists)

	owner, err := mr.Get(presenceKey(testID))
	require.NoError(t, err)
	assert.Equal(t, "instance-a", owner)

	// b never owned the key and must not delete it.
	b.Remove(ctx, testID)
	assert.True(t, mr.Exists(presenceKey(testID)))

	a.Remove(ctx, testID)
	assert.False(t, mr.Exists(presenceKey(testID)))
	assert.Zero(t, a.Count())
	require.NoError(t, b.Add(ctx, User{ID: testID, Name: "b"}))
	assert.Equal(t, 1, b.Count())
}

func TestRedisUsersRefreshKeepsPresence(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	a := NewRedisUsers(client, "instance-a", time.Minute)
	b := NewRedisUsers(client, "instance-b", time.Minute)
	require.NoError(t, a.Add(ctx, User{ID: testID, Name: "a"}))

	// Refreshed every 40s, the key outlives its one minute TTL.
	for i := 0; i < 5; i++ {
		mr.FastForward(40 * time.Second)
		require.NoError(t, a.Refresh(ctx, testID))
	}
	assert.True(t, mr.Exists(presenceKey(testID)))
	assert.ErrorIs(t, b.Add(ctx, User{ID: testID, Name: "b"}), ErrExists)
	assert.ErrorIs(t, b.Refresh(ctx, testID), ErrNotOwner)
}

func TestRedisUsersRemoveAfterTakeover(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	a := NewRedisUsers(client, "instance-a", time.Minute)
	b := NewRedisUsers(client, "instance-b", time.Minute)
	require.NoError(t, a.Add(ctx, User{ID: testID, Name: "a"}))

	mr.FastForward(61 * time.Minute)
	assert.False(t, mr.Exists(presenceKey(testID)))
	require.NoError(t, b.Add(ctx, User{ID: testID, Name: "b"}))

	// a's late cleanup and refresh leave b's key alone.
	a.Remove(ctx, testID)
	owner, err := mr.Get(presenceKey(testID))
	require.NoError(t, err)
	assert.Equal(t, "instance-b", owner)
	assert.ErrorIs(t, a.Refresh(ctx, testID), ErrNotOwner)
	assert.Zero(t, a.Count())
}

func TestRedisUsersRefreshReclaimsExpiredKey(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	a := NewRedisUsers(client, "instance-a", time.Minute)
	require.NoError(t, a.Add(ctx, User{ID: testID, Name: "a"}))
	mr.FastForward(2 * time.Minute)

	require.NoError(t, a.Refresh(ctx, testID))
	owner, err := mr.Get(presenceKey(testID))
	require.NoError(t, err)
	assert.Equal(t, "instance-a", owner)
	assert.Equal(t, time.Minute, mr.TTL(presenceKey(testID)))
}
