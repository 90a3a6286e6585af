package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/api"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func testConfig() *types.ServerConfig {
	return &types.ServerConfig{
		Host:          "localhost",
		Port:          0,
		WebSocketPath: "/ws",
		ReadTimeout:   time.Second,
		WriteTimeout:  time.Second,
	}
}

func TestHealthEndpoint(t *testing.T) {
	logger := zap.NewNop()
	server := api.NewServer(logger, testConfig(), nil, nil)
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET /api/v1/health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("expected status=healthy, got %v", body["status"])
	}
}

func TestMetricsRouteOmittedWithoutRegistry(t *testing.T) {
	logger := zap.NewNop()
	server := api.NewServer(logger, testConfig(), nil, nil)
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected /metrics to be unmounted without a registry, got %d", resp.StatusCode)
	}
}

func TestWebSocketRouteOmittedWithoutHub(t *testing.T) {
	logger := zap.NewNop()
	server := api.NewServer(logger, testConfig(), nil, nil)
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/ws")
	if err != nil {
		t.Fatalf("GET /ws: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected /ws to be unmounted without a hub, got %d", resp.StatusCode)
	}
}
