// Package battery implements the EV battery REST ingest (Component I,
// spec.md §4.I): a single-endpoint HTTP server that accepts JSON battery
// updates and the lifecycle hook that starts/stops the external collection
// script around the Forward state.
package battery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"github.com/aa-proxy/aa-proxy-go/pkg/logger"
)

// Addr is the fixed bind address per spec.md §4.I.
const Addr = "127.0.0.1:3030"

// Sample is the latest retained battery reading (spec.md §3 invariant: only
// the most recent sample is kept).
type Sample struct {
	Level     float32
	Timestamp time.Time
}

// Store holds the single most recent BatterySample. Single-writer (the HTTP
// handler), single-reader (the MITM EV injector); spec.md §5 calls this a
// word-sized slot with relaxed visibility, which atomic.Pointer gives us in
// Go without a mutex.
type Store struct {
	latest atomic.Pointer[Sample]
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{}
}

// Set records a new sample, replacing whatever was there.
func (s *Store) Set(level float32) {
	s.latest.Store(&Sample{Level: level, Timestamp: time.Now()})
}

// Latest returns the most recent sample, or false if none has arrived yet.
func (s *Store) Latest() (Sample, bool) {
	p := s.latest.Load()
	if p == nil {
		return Sample{}, false
	}
	return *p, true
}

type ingestBody struct {
	BatteryLevel float64 `json:"battery_level"`
}

// Server is the Component I HTTP server.
type Server struct {
	store  *Store
	log    *logger.Logger
	httpSv *http.Server
}

// NewServer builds (but does not start) the battery ingest server.
func NewServer(store *Store, log *logger.Logger) *Server {
	router := mux.NewRouter()
	s := &Server{store: store, log: log}
	router.HandleFunc("/battery", s.handleIngest).Methods(http.MethodPost)
	s.httpSv = &http.Server{Addr: Addr, Handler: router}
	return s
}

// ListenAndServe blocks serving the ingest endpoint until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
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

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var body ingestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed json", http.StatusBadRequest)
		return
	}
	if body.BatteryLevel < 0 || body.BatteryLevel > 100 {
		http.Error(w, "battery_level out of range", http.StatusBadRequest)
		return
	}
	s.store.Set(float32(body.BatteryLevel))
	w.WriteHeader(http.StatusNoContent)
}

// RunScript invokes the configured EV collection script with "start" or
// "stop" (spec.md §4.I); its exit status is logged but never fatal.
func RunScript(scriptPath, arg string, log *logger.Logger) {
	if scriptPath == "" {
		return
	}
	cmd := exec.Command(scriptPath, arg)
	if err := cmd.Run(); err != nil && log != nil {
		log.Warn(fmt.Sprintf("ev script %s %s: %v", scriptPath, arg, err), "component", "battery")
	}
}
