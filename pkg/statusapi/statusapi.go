// Package statusapi exposes the external-facing REST and WebSocket status
// surface: health check, current orchestration state/stats, Prometheus
// metrics, and a live event feed for the (out-of-scope) web UI.
package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aa-proxy/aa-proxy-go/pkg/logger"
	"github.com/aa-proxy/aa-proxy-go/pkg/orchestrator"
)

// Addr is the bind address for the status surface.
const Addr = "127.0.0.1:8080"

// Server serves /health, /status, /metrics, and /ws.
type Server struct {
	orch   *orchestrator.Orchestrator
	log    *logger.Logger
	last   atomic.Pointer[orchestrator.StatusEvent]
	httpSv *http.Server

	upgrader websocket.Upgrader
}

// NewServer builds (but does not start) the status API and begins tracking
// the orchestrator's transitions for /status and /ws.
func NewServer(orch *orchestrator.Orchestrator, log *logger.Logger) *Server {
	s := &Server{orch: orch, log: log}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	s.httpSv = &http.Server{Addr: Addr, Handler: router}
	return s
}

// Run starts tracking orchestrator events and serves HTTP until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	go s.trackEvents(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return s.httpSv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) trackEvents(ctx context.Context) {
	events := s.orch.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			s.last.Store(&ev)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ev := s.last.Load()
	w.Header().Set("Content-Type", "application/json")
	if ev == nil {
		_ = json.NewEncoder(w).Encode(map[string]string{"state": "unknown"})
		return
	}
	_ = json.NewEncoder(w).Encode(ev)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", "component", "statusapi", "error", err.Error())
		return
	}
	defer conn.Close()

	events := s.orch.Subscribe()
	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}
