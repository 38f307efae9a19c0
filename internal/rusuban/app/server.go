package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bdobrica/Rusuban/common/redact"
	"github.com/bdobrica/Rusuban/internal/rusuban/events"
	"github.com/bdobrica/Rusuban/internal/rusuban/llm"
	"github.com/bdobrica/Rusuban/internal/rusuban/session"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// maxSettingBodyBytes caps the PUT /settings/{key} request body. A system
// prompt fits comfortably; anything larger is a mistake.
const maxSettingBodyBytes = 64 * 1024

// eventWriteTimeout bounds each websocket event write so one stuck client
// cannot pin the stream goroutine.
const eventWriteTimeout = 5 * time.Second

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	session.Snapshot
	Correspondents int       `json:"correspondents"`
	Version        string    `json:"version"`
	Uptime         float64   `json:"uptime_seconds"`
	StartedAt      time.Time `json:"started_at"`
}

// QRResponse is returned by GET /qr while a pairing code is pending.
type QRResponse struct {
	QR string `json:"qr"`
}

// SettingUpdateRequest is the body for PUT /settings/{key}.
type SettingUpdateRequest struct {
	Value string `json:"value"`
}

// ModelsResponse is returned by GET /models.
type ModelsResponse struct {
	Models []llm.Model `json:"models"`
}

// Handlers bundles the callbacks the admin server delegates to.
type Handlers struct {
	// Version and Commit identify the running build.
	Version string
	Commit  string
	// StartedAt is the time the binary started.
	StartedAt time.Time

	// Token, when non-empty, is the expected bearer token for every endpoint
	// except /health. When empty, authentication is disabled (local dev).
	Token string

	// Snapshot returns the current session state.
	Snapshot func() session.Snapshot
	// QR returns the pending pairing code, or empty when there is none.
	QR func() string
	// Correspondents returns how many conversations are held in memory.
	Correspondents func() int

	// Settings returns the raw settings snapshot; the server redacts
	// sensitive values before writing the response.
	Settings func(ctx context.Context) (map[string]string, error)
	// SetSetting stores one setting and makes it visible to the pipeline.
	SetSetting func(ctx context.Context, key, value string) error
	// DeleteSetting removes one setting.
	DeleteSetting func(ctx context.Context, key string) error

	// Models returns the completion models available to the stored API key.
	Models func(ctx context.Context) []llm.Model

	// RestartSession tears the session down and starts a new one. It is
	// invoked from a fresh goroutine; the endpoint answers 202 immediately.
	RestartSession func()
	// StopSession tears the session down without starting a new one.
	StopSession func()

	// Subscribe registers an event-stream consumer; the returned cancel func
	// is called when the consumer goes away. When nil, GET /events answers
	// 503 Service Unavailable.
	Subscribe func(kinds ...events.Kind) (<-chan events.Event, func())
}

// Server is the admin HTTP server.
//
// Endpoints:
//
//	GET    /health          → HealthResponse (no auth)
//	GET    /status          → StatusResponse
//	GET    /qr              → QRResponse, 404 while no pairing code is pending
//	GET    /settings        → settings snapshot, secret values redacted
//	PUT    /settings/{key}  → SettingUpdateRequest → 200 OK (cache refreshed)
//	DELETE /settings/{key}  → 200 OK (cache refreshed)
//	GET    /models          → ModelsResponse
//	POST   /session/restart → 202 Accepted (restart runs in the background)
//	POST   /session/stop    → 200 OK
//	GET    /events          → websocket stream of lifecycle events; repeatable
//	                          ?kind=qr|ready|status params filter the stream
type Server struct {
	addr     string
	handlers Handlers
	server   *http.Server
}

// NewServer creates the admin server listening on addr.
func NewServer(addr string, h Handlers) *Server {
	s := &Server{addr: addr, handlers: h}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/status", s.handleStatus)
		r.Get("/qr", s.handleQR)
		r.Get("/settings", s.handleSettings)
		r.Put("/settings/{key}", s.handleSetSetting)
		r.Delete("/settings/{key}", s.handleDeleteSetting)
		r.Get("/models", s.handleModels)
		r.Post("/session/restart", s.handleRestart)
		r.Post("/session/stop", s.handleStop)
		r.Get("/events", s.handleEvents)
	})

	s.server = &http.Server{
		Addr:    addr,
		Handler: r,
		// No WriteTimeout: the websocket stream outlives any fixed write
		// deadline. Individual event writes carry their own timeout.
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	return s
}

// authMiddleware rejects requests that do not carry the correct bearer token.
// When Handlers.Token is empty, all requests are allowed.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.handlers.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if auth[len("Bearer "):] != s.handlers.Token {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start begins listening. It returns once the listener is bound so callers
// can immediately start sending requests.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", s.addr, err)
	}
	slog.Info("admin server listening", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.server.Shutdown(context.Background())
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.handlers.Version,
		Commit:  s.handlers.Commit,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Snapshot:  s.handlers.Snapshot(),
		Version:   s.handlers.Version,
		Uptime:    time.Since(s.handlers.StartedAt).Seconds(),
		StartedAt: s.handlers.StartedAt,
	}
	if s.handlers.Correspondents != nil {
		resp.Correspondents = s.handlers.Correspondents()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQR(w http.ResponseWriter, _ *http.Request) {
	code := s.handlers.QR()
	if code == "" {
		writeError(w, http.StatusNotFound, "no pairing code pending")
		return
	}
	writeJSON(w, http.StatusOK, QRResponse{QR: code})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.handlers.Settings(r.Context())
	if err != nil {
		slog.Error("admin: settings read failed", "err", err)
		writeError(w, http.StatusInternalServerError, "settings unavailable")
		return
	}
	writeJSON(w, http.StatusOK, redact.Settings(snapshot))
}

func (s *Server) handleSetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req SettingUpdateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxSettingBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.handlers.SetSetting(r.Context(), key, req.Value); err != nil {
		slog.Error("admin: setting update failed", "key", key, "err", err)
		writeError(w, http.StatusInternalServerError, "setting update failed")
		return
	}
	// The value may be a credential, so only the key is logged.
	slog.Info("admin: setting updated", "key", key)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeleteSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	if err := s.handlers.DeleteSetting(r.Context(), key); err != nil {
		slog.Error("admin: setting delete failed", "key", key, "err", err)
		writeError(w, http.StatusInternalServerError, "setting delete failed")
		return
	}
	slog.Info("admin: setting deleted", "key", key)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := s.handlers.Models(r.Context())
	if models == nil {
		models = []llm.Model{}
	}
	writeJSON(w, http.StatusOK, ModelsResponse{Models: models})
}

func (s *Server) handleRestart(w http.ResponseWriter, _ *http.Request) {
	slog.Info("admin: session restart requested")
	if s.handlers.RestartSession != nil {
		go s.handlers.RestartSession()
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	slog.Info("admin: session stop requested")
	if s.handlers.StopSession != nil {
		s.handlers.StopSession()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// handleEvents upgrades to a websocket and streams lifecycle events. The
// subscription is registered before the opening status frame is written, so a
// transition can be delivered twice across that boundary but never missed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.handlers.Subscribe == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	kinds, err := parseKinds(r.URL.Query()["kind"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("admin: websocket accept failed", "err", err)
		return
	}
	defer ws.Close(websocket.StatusInternalError, "stream aborted")

	ch, cancel := s.handlers.Subscribe(kinds...)
	defer cancel()

	// The stream is write-only; CloseRead discards client frames and cancels
	// the context when the connection goes away.
	ctx := ws.CloseRead(r.Context())

	if wantsKind(kinds, events.KindStatus) && s.handlers.Snapshot != nil {
		snap := s.handlers.Snapshot()
		opening := events.Event{Kind: events.KindStatus, Status: string(snap.Status), At: time.Now()}
		if err := writeEvent(ctx, ws, opening); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			ws.Close(websocket.StatusNormalClosure, "client gone")
			return
		case evt, ok := <-ch:
			if !ok {
				ws.Close(websocket.StatusNormalClosure, "stream closed")
				return
			}
			if err := writeEvent(ctx, ws, evt); err != nil {
				slog.Debug("admin: event stream write failed", "err", err)
				return
			}
		}
	}
}

// parseKinds validates repeated ?kind= query values. An empty list subscribes
// to every kind.
func parseKinds(raw []string) ([]events.Kind, error) {
	kinds := make([]events.Kind, 0, len(raw))
	for _, v := range raw {
		switch k := events.Kind(v); k {
		case events.KindQR, events.KindReady, events.KindStatus:
			kinds = append(kinds, k)
		default:
			return nil, fmt.Errorf("unknown event kind %q", v)
		}
	}
	return kinds, nil
}

func wantsKind(kinds []events.Kind, want events.Kind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

func writeEvent(ctx context.Context, ws *websocket.Conn, evt events.Event) error {
	buf, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return ws.Write(wctx, websocket.MessageText, buf)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// TestHandler exposes the server's HTTP handler for use in httptest.NewServer.
// This is only intended for tests.
func (s *Server) TestHandler() http.Handler {
	return s.server.Handler
}
