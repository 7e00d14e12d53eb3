// Package server exposes the loop state, controls and live views over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ayusman/netra/internal/detection"
	"github.com/ayusman/netra/internal/loop"
	"github.com/ayusman/netra/internal/model"
)

// Controller is the application surface the server drives.
type Controller interface {
	Snapshot() loop.Snapshot
	SetEnabled(enabled bool)
	IsEnabled() bool
	ReloadModel() (*model.Handle, error)
	View() image.Image
	Subscribe(fn func([]detection.Detection)) (unsubscribe func())
}

// Config holds the server configuration.
type Config struct {
	StaticDir      string
	StreamInterval time.Duration
	Logger         *zap.SugaredLogger
}

// Server routes the HTTP API.
type Server struct {
	ctrl   Controller
	config Config
	router *mux.Router
	start  time.Time
	logger *zap.SugaredLogger
	feed   *DetectionsHandler
}

// New creates a Server for ctrl.
func New(ctrl Controller, config Config) *Server {
	if config.Logger == nil {
		config.Logger = zap.NewNop().Sugar()
	}
	if config.StreamInterval <= 0 {
		config.StreamInterval = DefaultStreamInterval
	}

	s := &Server{
		ctrl:   ctrl,
		config: config,
		router: mux.NewRouter(),
		start:  time.Now(),
		logger: config.Logger,
	}
	s.feed = NewDetectionsHandler(ctrl, s.logger.Named("ws"))
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/enabled", s.handleGetEnabled).Methods(http.MethodGet)
	api.HandleFunc("/enabled", s.handleSetEnabled).Methods(http.MethodPut)
	api.HandleFunc("/model/reload", s.handleReload).Methods(http.MethodPost)
	api.Handle("/stream", NewStreamHandler(s.ctrl, s.config.StreamInterval)).Methods(http.MethodGet)
	api.Handle("/detections", s.feed).Methods(http.MethodGet)

	if s.config.StaticDir != "" {
		s.router.PathPrefix("/").Handler(http.FileServer(http.Dir(s.config.StaticDir)))
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.feed.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type healthResponse struct {
	Status     string        `json:"status"`
	Uptime     string        `json:"uptime"`
	ModelState model.State   `json:"model_state"`
	ModelError string        `json:"model_error,omitempty"`
	RunState   loop.RunState `json:"run_state"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.ctrl.Snapshot()

	writeJSON(w, http.StatusOK, healthResponse{
		Status:     "ok",
		Uptime:     time.Since(s.start).Round(time.Second).String(),
		ModelState: snap.ModelState,
		ModelError: snap.ModelError,
		RunState:   snap.State,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

type enabledBody struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleGetEnabled(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.ctrl.IsEnabled()})
}

func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	var body enabledBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "missing field: enabled")
		return
	}

	s.ctrl.SetEnabled(*body.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.ctrl.IsEnabled()})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	h, err := s.ctrl.ReloadModel()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]model.State{"model_state": h.State()})
}
