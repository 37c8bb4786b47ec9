package license

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schemadeploy/internal/exitcode"
)

func testServer(t *testing.T, cfg ServerConfig) *httptest.Server {
	t.Helper()
	if cfg.SecretKey == nil {
		cfg.SecretKey = securecookie.GenerateRandomKey(32)
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = time.Minute
	}
	if cfg.BurstBudget == 0 {
		cfg.BurstBudget = 3
	}
	srv := httptest.NewServer(NewServer(cfg, nil).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func testManager(t *testing.T, serverURL string) *Manager {
	t.Helper()
	return NewManager(Config{
		ServerURL:         serverURL,
		ToolName:          "schemadeploy",
		ToolVersion:       "test",
		HeartbeatInterval: 20 * time.Millisecond,
		RetryAttempts:     2,
		RetryInterval:     5 * time.Millisecond,
		StateDir:          t.TempDir(),
	}, nil)
}

func TestAcquireHeartbeatRelease(t *testing.T) {
	srv := testServer(t, ServerConfig{MaxSessions: 2})
	mgr := testManager(t, srv.URL)

	session, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)
	assert.False(t, session.BurstMode)
	assert.True(t, mgr.Valid())

	// Let a few heartbeats land; the expiry must keep moving forward.
	firstExpiry := session.ExpiresAt
	assert.Eventually(t, func() bool {
		current, ok := mgr.Current()
		return ok && current.ExpiresAt.After(firstExpiry)
	}, time.Second, 10*time.Millisecond, "heartbeat should extend the session")

	mgr.Release(context.Background())
	assert.False(t, mgr.Valid())
}

func TestAcquire_PoolExhausted(t *testing.T) {
	srv := testServer(t, ServerConfig{MaxSessions: 1})

	first := testManager(t, srv.URL)
	_, err := first.Acquire(context.Background())
	require.NoError(t, err)

	second := testManager(t, srv.URL)
	_, err = second.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, exitcode.LicenseUnavailable, exitcode.KindOf(err))
	assert.False(t, second.Valid())

	// Releasing the first frees the slot.
	first.Release(context.Background())
	_, err = second.Acquire(context.Background())
	assert.NoError(t, err)
}

func TestAcquire_UnreachableServerUsesBurstBudget(t *testing.T) {
	stateDir := t.TempDir()
	mgr := NewManager(Config{
		ServerURL:     "http://127.0.0.1:1", // nothing listens here
		ToolName:      "schemadeploy",
		RetryAttempts: 1,
		RetryInterval: time.Millisecond,
		StateDir:      stateDir,
	}, nil)

	session, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, session.BurstMode)
	assert.Equal(t, defaultBurstBudget-1, session.BurstCountRemaining)
	assert.True(t, mgr.Valid())

	// The decrement persists across manager instances.
	state, err := loadBurstState(stateDir)
	require.NoError(t, err)
	assert.Equal(t, defaultBurstBudget-1, state.Remaining)
}

func TestAcquire_BurstExhausted(t *testing.T) {
	stateDir := t.TempDir()
	require.NoError(t, saveBurstState(stateDir, burstState{Remaining: 0}))

	mgr := NewManager(Config{
		ServerURL:     "http://127.0.0.1:1",
		ToolName:      "schemadeploy",
		RetryAttempts: 1,
		RetryInterval: time.Millisecond,
		StateDir:      stateDir,
	}, nil)

	_, err := mgr.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, exitcode.LicenseUnavailable, exitcode.KindOf(err))
	assert.ErrorIs(t, err, ErrBurstExhausted)
	assert.False(t, mgr.Valid())
}

func TestAcquire_GrantRefreshesBurstCache(t *testing.T) {
	srv := testServer(t, ServerConfig{MaxSessions: 1, BurstBudget: 5})
	stateDir := t.TempDir()
	require.NoError(t, saveBurstState(stateDir, burstState{Remaining: 1}))

	mgr := NewManager(Config{
		ServerURL:     srv.URL,
		ToolName:      "schemadeploy",
		RetryAttempts: 1,
		RetryInterval: time.Millisecond,
		StateDir:      stateDir,
	}, nil)

	_, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	defer mgr.Release(context.Background())

	state, err := loadBurstState(stateDir)
	require.NoError(t, err)
	assert.Equal(t, 5, state.Remaining, "a successful grant restores the server-issued budget")
}

func TestHeartbeatFailuresLoseSession(t *testing.T) {
	key := securecookie.GenerateRandomKey(32)
	backend := NewServer(ServerConfig{MaxSessions: 1, SessionTTL: time.Minute, BurstBudget: 1, SecretKey: key}, nil)
	srv := httptest.NewServer(backend.Routes())
	t.Cleanup(srv.Close)

	mgr := testManager(t, srv.URL)
	_, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, mgr.Valid())

	// Drop the session server-side; heartbeats now 404 until the
	// failure threshold marks the session lost.
	backend.mu.Lock()
	for id := range backend.sessions {
		delete(backend.sessions, id)
	}
	backend.mu.Unlock()

	assert.Eventually(t, func() bool { return !mgr.Valid() },
		2*time.Second, 10*time.Millisecond, "repeated heartbeat failures must invalidate the session")
}

func TestAcquire_AuthRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	mgr := testManager(t, srv.URL)
	_, err := mgr.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, exitcode.AuthenticationFailure, exitcode.KindOf(err))
}

func TestServer_ForgedTokenRejected(t *testing.T) {
	srv := testServer(t, ServerConfig{MaxSessions: 1})

	mgr := testManager(t, srv.URL)
	_, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	defer mgr.Release(context.Background())

	// A token signed with a different key must be refused.
	other := securecookie.New(securecookie.GenerateRandomKey(32), securecookie.GenerateRandomKey(32))
	other.SetSerializer(securecookie.JSONEncoder{})
	forged, err := other.Encode(sessionTokenName, tokenClaims{IssuedAt: time.Now()})
	require.NoError(t, err)

	err = mgr.post(context.Background(), "/heartbeat", HeartbeatRequest{SessionID: forged}, nil)
	require.Error(t, err)
}
