package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerConfig holds configuration for the observability server.
type ServerConfig struct {
	Port        int
	MetricsPath string
	HealthPath  string
}

// DefaultServerConfig returns default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:        9090,
		MetricsPath: "/metrics",
		HealthPath:  "/health",
	}
}

// Probe reports whether one subsystem (stream connection, database,
// broker gateway) is currently serviceable.
type Probe func() ProbeResult

// ProbeResult is one subsystem's health verdict.
type ProbeResult struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Healthy returns a passing result.
func Healthy(detail string) ProbeResult { return ProbeResult{Healthy: true, Detail: detail} }

// Unhealthy returns a failing result.
func Unhealthy(detail string) ProbeResult { return ProbeResult{Detail: detail} }

type healthReport struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Probes    map[string]ProbeResult `json:"probes"`
}

// Server exposes Prometheus metrics and subsystem health probes.
type Server struct {
	cfg        ServerConfig
	httpServer *http.Server
	startTime  time.Time
	logger     *slog.Logger

	mu     sync.RWMutex
	probes map[string]Probe
}

// NewServer creates the observability server.
func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		logger:    logger,
		probes:    make(map[string]Probe),
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	mux.HandleFunc(cfg.HealthPath, s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.HandleFunc("/live", s.liveHandler)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// RegisterProbe adds a subsystem probe. Re-registering a name replaces
// the previous probe.
func (s *Server) RegisterProbe(name string, probe Probe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes[name] = probe
}

// Start serves in the background until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting observability server",
		"port", s.cfg.Port,
		"metrics_path", s.cfg.MetricsPath,
		"health_path", s.cfg.HealthPath,
	)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("observability server error", "err", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down observability server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) snapshotProbes() map[string]Probe {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Probe, len(s.probes))
	for name, probe := range s.probes {
		out[name] = probe
	}
	return out
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	results := make(map[string]ProbeResult)
	status := "healthy"

	for name, probe := range s.snapshotProbes() {
		res := probe()
		results[name] = res
		if !res.Healthy {
			status = "unhealthy"
		}
	}

	report := healthReport{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).String(),
		Probes:    results,
	}

	w.Header().Set("Content-Type", "application/json")
	if status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}

func (s *Server) readyHandler(w http.ResponseWriter, _ *http.Request) {
	var failing []string
	for name, probe := range s.snapshotProbes() {
		if res := probe(); !res.Healthy {
			failing = append(failing, name)
		}
	}

	if len(failing) > 0 {
		sort.Strings(failing)
		w.WriteHeader(http.StatusServiceUnavailable)
		for _, name := range failing {
			fmt.Fprintln(w, name)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) liveHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("alive"))
}

// Uptime returns the time since the server was created.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}
