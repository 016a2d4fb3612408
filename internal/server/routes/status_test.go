package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/assembly-hub/hubcache/internal/cache"
	"github.com/assembly-hub/hubcache/internal/metrics"
	"github.com/assembly-hub/hubcache/internal/offline"
	"github.com/assembly-hub/hubcache/internal/upstream"
)

type okFetcher struct{}

func (okFetcher) Fetch(_ context.Context, req upstream.Request) (*cache.Response, error) {
	return &cache.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte(req.Target)}, nil
}

func TestStatusReportsActiveGeneration(t *testing.T) {
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	reg, err := offline.NewRegistration(offline.RegistrationOptions{Store: store, Fetcher: okFetcher{}})
	if err != nil {
		t.Fatalf("registration: %v", err)
	}
	_, err = reg.Update(context.Background(), offline.Options{
		Generation: "assembly-hub-v1",
		Assets:     []string{"/dashboard", "/display/manifest.json"},
		Exclude:    []string{"/api/", "/ws"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	reg.ControllerFor("tab-1")

	app := fiber.New()
	RegisterStatusRoutes(app, reg)

	resp, err := app.Test(httptest.NewRequest("GET", "/-/status", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var payload statusPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Controller == nil || payload.Controller.Generation != "assembly-hub-v1" {
		t.Fatalf("expected active generation, got %+v", payload.Controller)
	}
	if payload.Controller.State != string(offline.StateActive) {
		t.Fatalf("expected active state, got %s", payload.Controller.State)
	}
	if len(payload.Generations) != 1 || payload.Generations[0] != "assembly-hub-v1" {
		t.Fatalf("unexpected generations: %v", payload.Generations)
	}
	if len(payload.Clients) != 1 || payload.Clients[0].ID != "tab-1" {
		t.Fatalf("unexpected clients: %+v", payload.Clients)
	}
}

func TestEncodeStatusWithoutController(t *testing.T) {
	payload := encodeStatus(nil, nil, nil)
	if payload.Controller != nil {
		t.Fatalf("expected no controller")
	}
	if payload.Generations == nil || payload.Clients == nil {
		t.Fatalf("expected empty slices for stable JSON output")
	}
}

func TestMetricsRouteExposesRecorder(t *testing.T) {
	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	recorder.ObserveClaim(2)

	app := fiber.New()
	RegisterMetricsRoutes(app, recorder)

	resp, err := app.Test(httptest.NewRequest("GET", "/-/metrics", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "hubcache_activate_claimed_clients_total 2") {
		t.Fatalf("expected claimed clients metric, got %s", string(body))
	}
}
