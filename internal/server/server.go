// Package server implements the HMAC-authenticated control API of the
// daemon: it starts and cancels scope runs and streams their progress.
package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/schaermu/foldersyncd/internal/config"
	"github.com/schaermu/foldersyncd/internal/conflict"
	"github.com/schaermu/foldersyncd/internal/daemon"
	"github.com/schaermu/foldersyncd/internal/sync"
)

// SignatureHeader carries "sha256=<hex hmac>" of the request body. Requests
// without a body sign their URL path instead.
const SignatureHeader = "X-Foldersyncd-Signature"

// Runner schedules scope runs.
type Runner interface {
	Submit(scope string, opts sync.Options) daemon.Status
	Cancel(scope string) bool
}

// SyncRequest is the optional JSON body of a sync request.
type SyncRequest struct {
	DryRun      bool                  `json:"dry_run"`
	Strategy    string                `json:"strategy"`
	Resolutions []conflict.Resolution `json:"resolutions"`
}

// Server implements the control HTTP server
type Server struct {
	cfg      *config.Config
	runner   Runner
	hub      *Hub
	logger   *zap.SugaredLogger
	secret   []byte
	upgrader websocket.Upgrader
}

// NewServer creates a new control server
func NewServer(cfg *config.Config, runner Runner, hub *Hub, logger *zap.SugaredLogger) (*Server, error) {
	// Load shared secret from file
	secret, err := os.ReadFile(cfg.Serve.SecretFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read server secret")
	}

	// Trim any whitespace/newlines from secret
	secret = bytes.TrimSpace(secret)
	if len(secret) == 0 {
		return nil, errors.Newf("server secret file %s is empty", cfg.Serve.SecretFile)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if hub == nil {
		hub = NewHub(logger)
	}

	return &Server{
		cfg:    cfg,
		runner: runner,
		hub:    hub,
		logger: logger,
		secret: secret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}, nil
}

// Handler returns the routes of the control API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/scopes/{id}/sync", s.handleSync)
	mux.HandleFunc("POST /v1/scopes/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/scopes/{id}/events", s.handleEvents)
	return mux
}

// Serve serves the control API on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("control server starting", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down control server")
		s.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return errors.Wrap(err, "control server failed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok\n")
}

// authorize reads the body, verifies its signature and resolves the scope.
// It writes the error response itself and returns ok=false on failure.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (body []byte, scope config.Scope, ok bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Errorw("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return nil, config.Scope{}, false
	}
	defer func() {
		_ = r.Body.Close()
	}()

	payload := body
	if len(payload) == 0 {
		payload = []byte(r.URL.Path)
	}
	if !s.verifySignature(payload, r.Header.Get(SignatureHeader)) {
		s.logger.Warnw("rejecting request with invalid signature", "path", r.URL.Path)
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return nil, config.Scope{}, false
	}

	id := r.PathValue("id")
	scope, found := s.cfg.Scope(id)
	if !found {
		http.Error(w, "Unknown scope", http.StatusNotFound)
		return nil, config.Scope{}, false
	}
	return body, scope, true
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	body, scope, ok := s.authorize(w, r)
	if !ok {
		return
	}

	var req SyncRequest
	if len(body) > 0 {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			s.logger.Warnw("rejecting request with invalid content type", "content_type", ct)
			http.Error(w, "Invalid content type", http.StatusBadRequest)
			return
		}
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "Invalid payload", http.StatusBadRequest)
			return
		}
	}

	opts := sync.Options{DryRun: req.DryRun, Resolutions: req.Resolutions}
	if req.Strategy != "" {
		st, err := conflict.ParseStrategy(req.Strategy)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		opts.Strategy = st
	}
	for _, res := range req.Resolutions {
		if _, err := conflict.ParseStrategy(string(res.Strategy)); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	status := s.runner.Submit(scope.ID, opts)
	s.logger.Infow("sync requested", "scope", scope.ID, "status", status.String(), "resolutions", len(req.Resolutions))
	if status == daemon.Stopped {
		http.Error(w, "Shutting down", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"scope": scope.ID, "status": status.String()})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	_, scope, ok := s.authorize(w, r)
	if !ok {
		return
	}
	cancelled := s.runner.Cancel(scope.ID)
	writeJSON(w, http.StatusOK, map[string]any{"scope": scope.ID, "cancelled": cancelled})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	_, scope, ok := s.authorize(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Warnw("websocket upgrade failed", "scope", scope.ID, "error", err)
		return
	}
	s.logger.Infow("event subscriber connected", "scope", scope.ID)
	s.hub.attach(scope.ID, conn)
}

// verifySignature verifies the HMAC-SHA256 signature of payload
func (s *Server) verifySignature(payload []byte, signature string) bool {
	if signature == "" {
		return false
	}

	// Signature format: sha256=<hex>
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	// Constant-time comparison
	return hmac.Equal([]byte(signature), []byte(Sign(s.secret, payload)))
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
