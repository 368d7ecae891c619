// Package server exposes a simulator over a small JSON API so faults can
// be injected by hand while the coordinator keeps writing.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SirZayers/Nimble/simulator"
)

type Server struct {
	mu     sync.RWMutex
	sim    *simulator.Simulator
	mux    *http.ServeMux
	logger *zap.Logger
	base   simulator.Config
}

// New creates a server around a simulator built from cfg. Resets reuse
// cfg with the requested level and fault tolerance.
func New(cfg simulator.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Logger = logger.Named("sim")
	sim, err := simulator.New(cfg)
	if err != nil {
		return nil, err
	}
	s := &Server{
		sim:    sim,
		mux:    http.NewServeMux(),
		logger: logger,
		base:   cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/api/state", s.handleGetState)
	s.mux.HandleFunc("/api/start", s.post(func(sim *simulator.Simulator, _ *http.Request) (any, error) {
		if err := sim.Start(); err != nil {
			return nil, err
		}
		return map[string]string{"status": "started"}, nil
	}))
	s.mux.HandleFunc("/api/stop", s.post(func(sim *simulator.Simulator, _ *http.Request) (any, error) {
		sim.Stop()
		return map[string]string{"status": "stopped"}, nil
	}))
	s.mux.HandleFunc("/api/step", s.post(func(sim *simulator.Simulator, r *http.Request) (any, error) {
		err := sim.Step(r.Context())
		out := map[string]any{"status": "stepped"}
		if err != nil {
			out["error"] = err.Error()
		}
		return out, nil
	}))
	s.mux.HandleFunc("/api/crash", s.post(func(sim *simulator.Simulator, r *http.Request) (any, error) {
		node, err := nodeParam(r)
		if err != nil {
			return nil, err
		}
		if err := sim.CrashNode(node); err != nil {
			return nil, err
		}
		return map[string]any{"node": node, "status": "crashed"}, nil
	}))
	s.mux.HandleFunc("/api/recover", s.post(func(sim *simulator.Simulator, r *http.Request) (any, error) {
		node, err := nodeParam(r)
		if err != nil {
			return nil, err
		}
		if err := sim.RecoverNode(node); err != nil {
			return nil, err
		}
		return map[string]any{"node": node, "status": "recovered"}, nil
	}))
	s.mux.HandleFunc("/api/isolate", s.post(func(sim *simulator.Simulator, r *http.Request) (any, error) {
		var req struct {
			Nodes []int `json:"nodes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, badRequest("invalid isolate body: %v", err)
		}
		sim.Isolate(req.Nodes...)
		return map[string]any{"isolated": req.Nodes}, nil
	}))
	s.mux.HandleFunc("/api/heal", s.post(func(sim *simulator.Simulator, _ *http.Request) (any, error) {
		sim.HealAll()
		return map[string]string{"status": "all healed"}, nil
	}))
	s.mux.HandleFunc("/api/probe", s.post(func(sim *simulator.Simulator, r *http.Request) (any, error) {
		out := make(map[string]string)
		for id, err := range sim.Probe(r.Context()) {
			msg := "ok"
			if err != nil {
				msg = err.Error()
			}
			out[id.Hex()] = msg
		}
		return out, nil
	}))
	s.mux.HandleFunc("/api/remove", s.post(func(sim *simulator.Simulator, r *http.Request) (any, error) {
		node, err := nodeParam(r)
		if err != nil {
			return nil, err
		}
		rec, err := sim.RemoveNode(r.Context(), node)
		if err != nil {
			return nil, err
		}
		return map[string]any{"node": node, "epoch": rec.View.Epoch, "members": rec.View.Size()}, nil
	}))
	s.mux.HandleFunc("/api/reset", s.handleReset)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves the API until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("simulator api listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Start starts the current simulator.
func (s *Server) Start() error {
	return s.current().Start()
}

// Close releases the current simulator.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sim.Close()
}

func (s *Server) current() *simulator.Simulator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sim
}

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

func nodeParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("node")
	if raw == "" {
		return 0, badRequest("missing node parameter")
	}
	node, err := strconv.Atoi(raw)
	if err != nil {
		return 0, badRequest("invalid node ID %q", raw)
	}
	return node, nil
}

// post wraps a POST-only action on the current simulator.
func (s *Server) post(fn func(*simulator.Simulator, *http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		out, err := fn(s.current(), r)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, out)
	}
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.current().GetState(r.Context()))
}

func parseLevel(raw string) (simulator.Level, bool) {
	switch raw {
	case "", "0", "happy":
		return simulator.LevelHappyPath, true
	case "1", "degraded":
		return simulator.LevelDegraded, true
	case "2", "chaos":
		return simulator.LevelChaos, true
	}
	return 0, false
}

// handleReset replaces the simulator. Query parameters: level, f.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := s.base
	level, ok := parseLevel(r.URL.Query().Get("level"))
	if !ok {
		s.writeError(w, badRequest("invalid level %q", r.URL.Query().Get("level")))
		return
	}
	cfg.Level = level
	if raw := r.URL.Query().Get("f"); raw != "" {
		f, err := strconv.Atoi(raw)
		if err != nil || f < 1 || f > simulator.MaxFaultTolerance {
			s.writeError(w, badRequest("f must be between 1 and %d", simulator.MaxFaultTolerance))
			return
		}
		cfg.FaultTolerance = f
	}

	sim, err := simulator.New(cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.mu.Lock()
	old := s.sim
	s.sim = sim
	s.mu.Unlock()
	if err := old.Close(); err != nil {
		s.logger.Warn("closing previous simulator failed", zap.Error(err))
	}

	s.writeJSON(w, map[string]any{
		"status":         "reset",
		"level":          level.String(),
		"faultTolerance": cfg.FaultTolerance,
		"nodeCount":      cfg.NodeCount(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encoding response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if _, ok := err.(*requestError); ok {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
