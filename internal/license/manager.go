// Package license coordinates a run with the central license server: a
// session is acquired before any database work, kept alive by a
// background heartbeat, and released on exit. When the server is
// unreachable a bounded burst budget lets runs proceed degraded.
package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2/clientcredentials"

	"schemadeploy/internal/exitcode"
)

// ErrBurstExhausted marks the unreachable-server case with no burst
// events left.
var ErrBurstExhausted = errors.New("burst events exhausted")

// AcquireRequest identifies the tool instance to the license server.
type AcquireRequest struct {
	ToolName    string `json:"tool_name"`
	ToolVersion string `json:"tool_version"`
	IPAddress   string `json:"ip_address"`
	BuildID     string `json:"build_id"`
}

// AcquireResponse is the server's grant or denial.
type AcquireResponse struct {
	LicenseGranted      bool      `json:"license_granted"`
	SessionID           string    `json:"session_id"`
	BurstMode           bool      `json:"burst_mode"`
	BurstCountRemaining int       `json:"burst_count_remaining"`
	ExpiresAt           time.Time `json:"expires_at"`
	RetryAfterSeconds   int       `json:"retry_after_seconds"`
}

// HeartbeatRequest renews an existing session.
type HeartbeatRequest struct {
	SessionID string `json:"session_id"`
}

// HeartbeatResponse acknowledges the extension.
type HeartbeatResponse struct {
	ExpiresAt time.Time `json:"expires_at"`
}

// ReleaseRequest ends a session.
type ReleaseRequest struct {
	SessionID string `json:"session_id"`
}

// Session is the state of one licensed run. Mutated only under the
// manager's mutex by the heartbeat loop; everyone else reads copies.
type Session struct {
	ID                  string
	BurstMode           bool
	BurstCountRemaining int
	ExpiresAt           time.Time
}

// Config holds license client settings.
type Config struct {
	ServerURL         string
	ToolName          string
	ToolVersion       string
	BuildID           string
	HeartbeatInterval time.Duration
	RetryAttempts     int
	RetryInterval     time.Duration
	// Optional OAuth2 client credentials for the license API.
	ClientID     string
	ClientSecret string
	TokenURL     string
	// StateDir caches the burst budget across runs.
	StateDir string
}

// Manager acquires, heartbeats, and releases a license session.
type Manager struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	session *Session
	lost    bool
	hbStop  chan struct{}
	hbDone  chan struct{}
}

// NewManager builds a manager. With client credentials configured, all
// license API calls carry a bearer token from the token endpoint.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Minute
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}

	client := &http.Client{Timeout: 15 * time.Second}
	if cfg.ClientID != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		client = cc.Client(context.Background())
		client.Timeout = 15 * time.Second
	}
	return &Manager{cfg: cfg, client: client, logger: logger}
}

// Acquire requests a session and starts the heartbeat. An unreachable
// server (as opposed to a reachable denial) falls back to burst mode
// while the cached budget lasts; a reachable denial never does.
func (m *Manager) Acquire(ctx context.Context) (Session, error) {
	req := AcquireRequest{
		ToolName:    m.cfg.ToolName,
		ToolVersion: m.cfg.ToolVersion,
		IPAddress:   outboundIP(),
		BuildID:     m.cfg.BuildID,
	}

	var resp AcquireResponse
	err := m.postWithRetry(ctx, "/acquire", req, &resp)
	if err != nil {
		var netErr *transportError
		if errors.As(err, &netErr) {
			return m.acquireBurst(netErr)
		}
		return Session{}, err
	}

	if !resp.LicenseGranted {
		msg := "license denied by server"
		if resp.RetryAfterSeconds > 0 {
			msg = fmt.Sprintf("%s, retry after %ds", msg, resp.RetryAfterSeconds)
		}
		return Session{}, exitcode.New(exitcode.LicenseUnavailable, "%s", msg)
	}

	session := Session{
		ID:                  resp.SessionID,
		BurstMode:           resp.BurstMode,
		BurstCountRemaining: resp.BurstCountRemaining,
		ExpiresAt:           resp.ExpiresAt,
	}

	// A successful grant refreshes the cached burst budget for future
	// outages; the budget is server-owned state.
	m.saveBurstRemaining(resp.BurstCountRemaining)

	m.mu.Lock()
	m.session = &session
	m.lost = false
	m.hbStop = make(chan struct{})
	m.hbDone = make(chan struct{})
	hbStop, hbDone := m.hbStop, m.hbDone
	m.mu.Unlock()

	go m.heartbeatLoop(hbStop, hbDone)
	m.logger.Info("license session acquired", "session_id", session.ID, "expires_at", session.ExpiresAt)
	return session, nil
}

// acquireBurst consumes one cached burst event. No heartbeat runs in
// burst mode; the session window is fixed.
func (m *Manager) acquireBurst(cause error) (Session, error) {
	state, err := loadBurstState(m.cfg.StateDir)
	if err != nil {
		m.logger.Error("burst state unreadable", "error", err)
		return Session{}, exitcode.Wrap(exitcode.LicenseUnavailable, fmt.Errorf("license server unreachable and burst state unreadable: %w", cause))
	}
	if state.Remaining <= 0 {
		return Session{}, exitcode.Wrap(exitcode.LicenseUnavailable,
			fmt.Errorf("license server unreachable: %w: %w", ErrBurstExhausted, cause))
	}

	state.Remaining--
	state.UpdatedAt = time.Now().UTC()
	if err := saveBurstState(m.cfg.StateDir, state); err != nil {
		return Session{}, exitcode.Wrap(exitcode.LicenseUnavailable, fmt.Errorf("persist burst state: %w", err))
	}

	session := Session{
		ID:                  "burst-" + uuid.New().String(),
		BurstMode:           true,
		BurstCountRemaining: state.Remaining,
		ExpiresAt:           time.Now().UTC().Add(burstSessionWindow),
	}
	m.mu.Lock()
	m.session = &session
	m.lost = false
	m.mu.Unlock()

	m.logger.Warn("license server unreachable, running in burst mode",
		"burst_remaining", state.Remaining, "error", cause)
	return session, nil
}

// Valid reports whether DDL may still run under this session. False once
// the session is lost, expired, or was never acquired.
func (m *Manager) Valid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || m.lost {
		return false
	}
	return time.Now().Before(m.session.ExpiresAt)
}

// Current returns a copy of the session, if any.
func (m *Manager) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// Release stops the heartbeat, then notifies the server best-effort.
// The ordering matters: the timer is stopped first so a heartbeat can
// never fire after release.
func (m *Manager) Release(ctx context.Context) {
	m.mu.Lock()
	session := m.session
	hbStop, hbDone := m.hbStop, m.hbDone
	m.session = nil
	m.hbStop = nil
	m.hbDone = nil
	m.mu.Unlock()

	if hbStop != nil {
		close(hbStop)
		<-hbDone
	}
	if session == nil || session.BurstMode {
		return
	}

	relCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.post(relCtx, "/release", ReleaseRequest{SessionID: session.ID}, nil); err != nil {
		m.logger.Warn("license release failed", "session_id", session.ID, "error", err)
		return
	}
	m.logger.Info("license session released", "session_id", session.ID)
}

func (m *Manager) heartbeatLoop(hbStop, hbDone chan struct{}) {
	defer close(hbDone)
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-hbStop:
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		session := m.session
		m.mu.Unlock()
		if session == nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		var resp HeartbeatResponse
		err := m.post(ctx, "/heartbeat", HeartbeatRequest{SessionID: session.ID}, &resp)
		cancel()

		if err != nil {
			failures++
			m.logger.Warn("license heartbeat failed", "failures", failures, "error", err)
			if failures >= m.cfg.RetryAttempts {
				m.mu.Lock()
				m.lost = true
				m.mu.Unlock()
				m.logger.Error("license session lost after consecutive heartbeat failures",
					"session_id", session.ID, "failures", failures)
				return
			}
			continue
		}

		failures = 0
		m.mu.Lock()
		if m.session != nil {
			m.session.ExpiresAt = resp.ExpiresAt
		}
		m.mu.Unlock()
	}
}

// transportError wraps connectivity failures so Acquire can distinguish
// "unreachable" from "denied".
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func (m *Manager) postWithRetry(ctx context.Context, path string, body, out any) error {
	var lastErr error
	for attempt := 0; attempt < m.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &transportError{err: ctx.Err()}
			case <-time.After(m.cfg.RetryInterval):
			}
		}
		err := m.post(ctx, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		var netErr *transportError
		if !errors.As(err, &netErr) {
			// Definitive server answer, retrying will not change it.
			return err
		}
		m.logger.Warn("license server unreachable", "attempt", attempt+1, "error", err)
	}
	return lastErr
}

func (m *Manager) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.ServerURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return &transportError{err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return exitcode.New(exitcode.AuthenticationFailure, "license server rejected credentials (%s)", resp.Status)
	case resp.StatusCode >= 500:
		return &transportError{err: fmt.Errorf("license server error: %s", resp.Status)}
	case resp.StatusCode != http.StatusOK:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("license server returned %s: %s", resp.Status, string(raw))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (m *Manager) saveBurstRemaining(remaining int) {
	state, err := loadBurstState(m.cfg.StateDir)
	if err != nil {
		state = burstState{}
	}
	state.Remaining = remaining
	state.UpdatedAt = time.Now().UTC()
	if err := saveBurstState(m.cfg.StateDir, state); err != nil {
		m.logger.Warn("burst state not persisted", "error", err)
	}
}

func outboundIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
			continue
		}
		return ipNet.IP.String()
	}
	return ""
}
