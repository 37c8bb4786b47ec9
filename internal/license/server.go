package license

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
)

const sessionTokenName = "schemadeploy_license"

// ServerConfig holds reference license server settings.
type ServerConfig struct {
	Addr        string
	MaxSessions int
	SessionTTL  time.Duration
	BurstBudget int
	// SecretKey signs session tokens so heartbeats and releases cannot
	// be forged for sessions the server never issued.
	SecretKey []byte
}

// tokenClaims is what a session token encodes.
type tokenClaims struct {
	ID       uuid.UUID `json:"id"`
	IssuedAt time.Time `json:"issued_at"`
}

// Server is the reference license server. Sessions live in memory;
// a restart drops them all and clients re-acquire.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger
	codec  *securecookie.SecureCookie

	mu       sync.Mutex
	sessions map[uuid.UUID]time.Time
}

// NewServer builds a server with signed tokens and an empty session table.
func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 10
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 5 * time.Minute
	}
	sc := securecookie.New(cfg.SecretKey, cfg.SecretKey)
	sc.MaxAge(0)
	sc.SetSerializer(securecookie.JSONEncoder{})
	return &Server{
		cfg:      cfg,
		logger:   logger,
		codec:    sc,
		sessions: make(map[uuid.UUID]time.Time),
	}
}

// Start runs the HTTP listener until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Routes(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info("license server starting", "addr", s.cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("license server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

// Routes builds the license API router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Post("/acquire", s.handleAcquire)
	r.Post("/heartbeat", s.handleHeartbeat)
	r.Post("/release", s.handleRelease)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.pruneLocked(time.Now())
	active := len(s.sessions)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "active_sessions": active})
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req AcquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed acquire request")
		return
	}
	if req.ToolName == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "tool_name is required")
		return
	}

	now := time.Now().UTC()
	s.mu.Lock()
	s.pruneLocked(now)
	if len(s.sessions) >= s.cfg.MaxSessions {
		s.mu.Unlock()
		s.logger.Warn("license pool exhausted", "tool", req.ToolName, "ip", req.IPAddress)
		writeJSON(w, http.StatusOK, AcquireResponse{
			LicenseGranted:    false,
			RetryAfterSeconds: int(s.cfg.SessionTTL.Seconds()),
		})
		return
	}

	id := uuid.New()
	expires := now.Add(s.cfg.SessionTTL)
	s.sessions[id] = expires
	s.mu.Unlock()

	token, err := s.codec.Encode(sessionTokenName, tokenClaims{ID: id, IssuedAt: now})
	if err != nil {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		s.logger.Error("session token encode failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not issue session")
		return
	}

	s.logger.Info("license granted", "session_id", id, "tool", req.ToolName,
		"version", req.ToolVersion, "build", req.BuildID, "ip", req.IPAddress)
	writeJSON(w, http.StatusOK, AcquireResponse{
		LicenseGranted:      true,
		SessionID:           token,
		BurstCountRemaining: s.cfg.BurstBudget,
		ExpiresAt:           expires,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed heartbeat request")
		return
	}
	id, ok := s.decodeToken(req.SessionID)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_session", "session token not recognized")
		return
	}

	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)
	if _, live := s.sessions[id]; !live {
		writeError(w, http.StatusNotFound, "session_expired", "session is no longer active")
		return
	}
	expires := now.Add(s.cfg.SessionTTL)
	s.sessions[id] = expires
	writeJSON(w, http.StatusOK, HeartbeatResponse{ExpiresAt: expires})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed release request")
		return
	}
	id, ok := s.decodeToken(req.SessionID)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_session", "session token not recognized")
		return
	}

	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	s.logger.Info("license released", "session_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) decodeToken(token string) (uuid.UUID, bool) {
	var claims tokenClaims
	if err := s.codec.Decode(sessionTokenName, token, &claims); err != nil {
		return uuid.Nil, false
	}
	return claims.ID, true
}

// pruneLocked drops sessions whose expiry passed. Callers hold s.mu.
func (s *Server) pruneLocked(now time.Time) {
	for id, expires := range s.sessions {
		if now.After(expires) {
			delete(s.sessions, id)
		}
	}
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	body := errorBody{}
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}
