// Package server exposes a running tandem process over HTTP: Prometheus
// metrics, run results as JSON, and a websocket stream of run events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marcus-qen/tandem/internal/events"
	"github.com/marcus-qen/tandem/internal/metrics"
	"github.com/marcus-qen/tandem/internal/resultstore"
	"github.com/marcus-qen/tandem/internal/runner"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	shutdownWait   = 10 * time.Second
	readLimitBytes = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Event streams are read-only and carry no credentials.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// APIError is the standard error response format.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Server serves run state.
type Server struct {
	bus   *events.Bus
	store *resultstore.Store
	log   logr.Logger

	mu     sync.RWMutex
	latest *runner.Summary
}

// New creates a server. bus and store may be nil; the endpoints that need
// them then answer 404.
func New(bus *events.Bus, store *resultstore.Store, log logr.Logger) *Server {
	return &Server{bus: bus, store: store, log: log.WithName("server")}
}

// Record makes sum the latest run served by /results.
func (s *Server) Record(sum runner.Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = &sum
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /results", s.handleResults)
	mux.HandleFunc("GET /runs", s.handleRuns)
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type storedRun struct {
	Run         *resultstore.Run               `json:"run"`
	Results     []resultstore.StoredResult     `json:"results"`
	Diagnostics []resultstore.StoredDiagnostic `json:"diagnostics"`
}

// handleResults serves the latest in-process run, or a stored run with ?run=ID.
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run")
	if runID == "" {
		s.mu.RLock()
		latest := s.latest
		s.mu.RUnlock()
		if latest == nil {
			writeJSONError(w, http.StatusNotFound, "no_results", "no run has finished yet")
			return
		}
		writeJSON(w, http.StatusOK, latest)
		return
	}

	if s.store == nil {
		writeJSONError(w, http.StatusNotFound, "no_store", "result store is not configured")
		return
	}
	ctx := r.Context()
	run, err := s.store.GetRun(ctx, runID)
	if errors.Is(err, resultstore.ErrRunNotFound) {
		writeJSONError(w, http.StatusNotFound, "run_not_found", "run "+runID+" not found")
		return
	}
	if err != nil {
		s.log.Error(err, "Failed to load run", "run", runID)
		writeJSONError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	results, err := s.store.Results(ctx, runID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	diags, err := s.store.Diagnostics(ctx, runID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, storedRun{Run: run, Results: results, Diagnostics: diags})
}

// handleRuns lists stored runs. GET /runs?limit=20
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSONError(w, http.StatusNotFound, "no_store", "result store is not configured")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if runs == nil {
		runs = []resultstore.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleWS streams bus events to the client until either side goes away.
// Inbound messages are read only to notice the close.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeJSONError(w, http.StatusNotFound, "no_events", "event stream is not configured")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error(err, "Upgrade failed")
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	ch := s.bus.Subscribe(id)
	defer s.bus.Unsubscribe(id)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(readLimitBytes)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				s.log.V(1).Info("Event stream closed", "subscriber", id, "error", err.Error())
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a consistent JSON error response.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIError{Error: message, Code: code})
}
