package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestServer_HealthReport(t *testing.T) {
	server := NewServer(DefaultServerConfig(), nil)
	server.RegisterProbe("stream", func() ProbeResult {
		return Healthy("connected")
	})
	server.RegisterProbe("database", func() ProbeResult {
		return Healthy("")
	})

	w := httptest.NewRecorder()
	server.healthHandler(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusOK)
	}

	var report healthReport
	if err := json.NewDecoder(w.Body).Decode(&report); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if report.Status != "healthy" {
		t.Errorf("status = %s, want healthy", report.Status)
	}
	if len(report.Probes) != 2 {
		t.Errorf("probes = %d, want 2", len(report.Probes))
	}
	if report.Probes["stream"].Detail != "connected" {
		t.Errorf("stream detail = %q", report.Probes["stream"].Detail)
	}
}

func TestServer_HealthReportUnhealthy(t *testing.T) {
	server := NewServer(DefaultServerConfig(), nil)
	server.RegisterProbe("stream", func() ProbeResult {
		return Unhealthy("permanently failed")
	})
	server.RegisterProbe("database", func() ProbeResult {
		return Healthy("")
	})

	w := httptest.NewRecorder()
	server.healthHandler(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}

	var report healthReport
	if err := json.NewDecoder(w.Body).Decode(&report); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if report.Status != "unhealthy" {
		t.Errorf("status = %s, want unhealthy", report.Status)
	}
	if report.Probes["stream"].Healthy {
		t.Error("failing probe reported healthy")
	}
}

func TestServer_ReadyListsFailingProbes(t *testing.T) {
	server := NewServer(DefaultServerConfig(), nil)
	server.RegisterProbe("stream", func() ProbeResult { return Unhealthy("reconnecting") })
	server.RegisterProbe("gateway", func() ProbeResult { return Unhealthy("timeout") })
	server.RegisterProbe("database", func() ProbeResult { return Healthy("") })

	w := httptest.NewRecorder()
	server.readyHandler(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	body := w.Body.String()
	if !strings.Contains(body, "stream") || !strings.Contains(body, "gateway") {
		t.Errorf("failing probes not named in body: %q", body)
	}
	if strings.Contains(body, "database") {
		t.Errorf("healthy probe named in body: %q", body)
	}
}

func TestServer_ReadyWhenAllPass(t *testing.T) {
	server := NewServer(DefaultServerConfig(), nil)
	server.RegisterProbe("stream", func() ProbeResult { return Healthy("") })

	w := httptest.NewRecorder()
	server.readyHandler(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Body.String() != "ready" {
		t.Errorf("body = %s, want ready", w.Body.String())
	}
}

func TestServer_Live(t *testing.T) {
	server := NewServer(DefaultServerConfig(), nil)

	w := httptest.NewRecorder()
	server.liveHandler(w, httptest.NewRequest(http.MethodGet, "/live", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestServer_ProbeReplacement(t *testing.T) {
	server := NewServer(DefaultServerConfig(), nil)
	server.RegisterProbe("stream", func() ProbeResult { return Unhealthy("down") })
	server.RegisterProbe("stream", func() ProbeResult { return Healthy("recovered") })

	w := httptest.NewRecorder()
	server.healthHandler(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d after replacement", w.Code, http.StatusOK)
	}
}

func TestServer_StartAndShutdown(t *testing.T) {
	cfg := ServerConfig{
		Port:        19090,
		MetricsPath: "/metrics",
		HealthPath:  "/health",
	}
	server := NewServer(cfg, nil)

	if err := server.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
