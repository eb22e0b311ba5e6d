package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/raphaelgruber/trainwatch/internal/events"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	writeWait           = 10 * time.Second
	shutdownTimeout     = 10 * time.Second
)

// Server exposes the runs under a log root over HTTP.
type Server struct {
	root     string
	logger   *slog.Logger
	poll     time.Duration
	registry *prometheus.Registry
	upgrader websocket.Upgrader
}

// Option configures a Server.
type Option func(*Server)

// WithPollInterval sets how often live tails check the event file.
func WithPollInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.poll = d
		}
	}
}

// New creates a board server for the runs under root.
func New(root string, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		root:   root,
		logger: logger,
		poll:   defaultPollInterval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		newRunCollector(root, logger),
		collectors.NewGoCollector(),
	)
	return s
}

// Handler returns the board's routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(LoggingMiddleware(s.logger))

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet)
	api.HandleFunc("/runs/{run}/events", s.handleRunEvents).Methods(http.MethodGet)

	r.HandleFunc("/ws/runs/{run}", s.handleTail).Methods(http.MethodGet)
	return r
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
// Open websocket tails end with ctx.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("board listening", "addr", ln.Addr().String(), "logdir", s.root)
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down board")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	runs, err := ScanRuns(s.root)
	if err != nil {
		s.logger.Error("scan runs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to scan runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	dir, err := runDir(s.root, mux.Vars(r)["run"])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	evs, err := events.Read(dir)
	if err != nil {
		s.logger.Warn("read events", "dir", dir, "error", err)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

// handleTail streams a run's events as JSON messages, starting from the
// beginning of the file. The connection is closed after the end event.
func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["run"]
	dir, err := runDir(s.root, name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "run", name, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// the client never sends data; a read error means it went away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	path := filepath.Join(dir, events.FileName)
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	var offset int64
	for {
		evs, next, err := events.ReadFrom(path, offset)
		if err != nil {
			s.logger.Warn("tail events", "run", name, "error", err)
			s.closeWith(conn, websocket.CloseInternalServerErr, "unreadable event file")
			return
		}
		offset = next

		for _, e := range evs {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("tail client gone", "run", name, "error", err)
				return
			}
			if e.Kind == events.KindEnd {
				s.closeWith(conn, websocket.CloseNormalClosure, "run finished")
				return
			}
		}

		select {
		case <-ctx.Done():
			s.closeWith(conn, websocket.CloseGoingAway, "server shutting down")
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		s.logger.Debug("write close frame", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
