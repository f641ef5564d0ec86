package admin

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-gateway/pkg/config"
	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/gateway"
	"github.com/polisai/polis-gateway/pkg/manager"
	"github.com/polisai/polis-gateway/pkg/modules/builtin"
	"github.com/polisai/polis-gateway/pkg/registry"
)

func route(id, provider string) domain.RouteConfig {
	return domain.RouteConfig{
		ID:        id,
		RouteName: "chat",
		Provider:  provider,
		Model:     "m1",
		Layers: []domain.LayerConfig{
			{Kind: string(domain.KindTransformer)},
			{Kind: string(domain.KindProtocol)},
			{Kind: string(domain.KindServerCompatibility)},
			{Kind: string(domain.KindTransport), Module: "echo-transport"},
		},
	}
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) (*Server, *gateway.Gateway) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(logger)
	require.NoError(t, registry.RegisterAll(reg, builtin.Descriptors()...))

	cfg := config.Default()
	cfg.Events.Log = false
	for _, fn := range mutate {
		fn(cfg)
	}
	gw, err := gateway.New(context.Background(), gateway.Options{Config: cfg, Registry: reg, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close(context.Background()) })

	_, err = gw.Load(context.Background(), []domain.RouteConfig{
		route("chat-echo", "echo"),
		route("chat-mock", "mock"),
		route("chat-other", "other"),
	})
	require.NoError(t, err)

	return NewServer(Options{Gateway: gw, Logger: logger, Config: cfg.Server}), gw
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	s, gw := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	require.NoError(t, gw.Close(context.Background()))
	rec = do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListAndGetPipelines(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/v1/pipelines", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Pipelines []PipelineView `json:"pipelines"`
		Count     int            `json:"count"`
	}](t, rec)
	assert.Equal(t, 3, body.Count)
	require.Len(t, body.Pipelines, 3)
	assert.Equal(t, "chat-echo", body.Pipelines[0].ID)
	assert.Len(t, body.Pipelines[0].Modules, 4)
	require.NotNil(t, body.Pipelines[0].Runtime)
	assert.Equal(t, domain.RuntimeActive, body.Pipelines[0].Runtime.Status)

	rec = do(t, s, http.MethodGet, "/v1/pipelines/chat-mock", "")
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[PipelineView](t, rec)
	assert.Equal(t, "mock", view.Provider)
	assert.Nil(t, view.Maintenance)

	rec = do(t, s, http.MethodGet, "/v1/pipelines/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecute(t *testing.T) {
	s, gw := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/v1/pipelines/chat-echo/execute", `{"body":{"prompt":"hi"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[domain.Payload](t, rec)
	assert.Equal(t, "echo", out.Body["object"])
	assert.NotEmpty(t, out.RequestID)

	rec = do(t, s, http.MethodPost, "/v1/pipelines/missing/execute", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/pipelines/chat-echo/execute", `{"unexpected":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	gw.Manager().SetAuthMaintenanceMode(context.Background(), []string{"chat-echo"}, "", manager.MaintenanceOptions{})
	rec = do(t, s, http.MethodPost, "/v1/pipelines/chat-echo/execute", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "maintenance")
}

func TestMaintenanceLifecycle(t *testing.T) {
	s, gw := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/v1/maintenance",
		`{"pipelineIds":["chat-echo","chat-mock","missing"],"reason":"token-expired","estimatedDuration":"5m"}`)
	require.Equal(t, http.StatusMultiStatus, rec.Code)
	result := decode[manager.BatchResult](t, rec)
	assert.Equal(t, []string{"chat-echo", "chat-mock"}, result.Success)
	assert.Equal(t, []string{"missing"}, result.Failed)

	rec = do(t, s, http.MethodGet, "/v1/maintenance", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[struct {
		Entries []manager.MaintenanceEntry `json:"entries"`
		Stats   manager.MaintenanceStats   `json:"stats"`
	}](t, rec)
	assert.Len(t, status.Entries, 2)
	assert.Equal(t, 2, status.Stats.ByReason["token-expired"])

	rec = do(t, s, http.MethodGet, "/v1/pipelines/chat-echo", "")
	view := decode[PipelineView](t, rec)
	require.NotNil(t, view.Maintenance)
	assert.Equal(t, "token-expired", view.Maintenance.Reason)

	rec = do(t, s, http.MethodDelete, "/v1/maintenance", `{"pipelineIds":["chat-echo","chat-mock"],"skipHealthCheck":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, gw.Manager().InMaintenance("chat-echo"))
	assert.False(t, gw.Manager().InMaintenance("chat-mock"))
}

func TestMaintenanceRequestValidation(t *testing.T) {
	s, _ := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/maintenance", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/maintenance", `not json`).Code)
	assert.Equal(t, http.StatusBadRequest,
		do(t, s, http.MethodPost, "/v1/maintenance", `{"pipelineIds":["chat-echo"],"estimatedDuration":"soon"}`).Code)
}

func TestProviderMaintenance(t *testing.T) {
	s, gw := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/v1/maintenance/providers/ECHO", `{"reason":"quota"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[manager.BatchResult](t, rec)
	assert.Equal(t, []string{"chat-echo"}, result.Success)
	assert.True(t, gw.Manager().InMaintenance("chat-echo"))
	assert.False(t, gw.Manager().InMaintenance("chat-mock"))

	rec = do(t, s, http.MethodPost, "/v1/maintenance/providers/mock", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gw.Manager().InMaintenance("chat-mock"))
}

func TestStatsAndHealthCheck(t *testing.T) {
	s, _ := newTestServer(t)

	do(t, s, http.MethodPost, "/v1/pipelines/chat-echo/execute", `{"body":{}}`)

	rec := do(t, s, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[StatsResponse](t, rec)
	assert.Equal(t, 3, stats.Manager.TotalPipelines)
	assert.Equal(t, int64(1), stats.Manager.TotalExecutions)
	assert.Equal(t, 3, stats.Routes)
	assert.Equal(t, len(builtin.Descriptors()), stats.Registry.Total)

	rec = do(t, s, http.MethodPost, "/v1/health/check", "")
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[struct {
		Results map[string]domain.Health `json:"results"`
		Count   int                      `json:"count"`
	}](t, rec)
	assert.Equal(t, 3, health.Count)
	assert.Equal(t, domain.HealthHealthy, health.Results["chat-other"])
}

func TestStatsIncludeBreakers(t *testing.T) {
	s, _ := newTestServer(t)
	stats := decode[StatsResponse](t, do(t, s, http.MethodGet, "/v1/stats", ""))
	assert.Nil(t, stats.Breakers, "breakers are off by default")

	s, _ = newTestServer(t, func(c *config.Config) { c.Manager.Breaker.Enabled = true })
	do(t, s, http.MethodPost, "/v1/pipelines/chat-echo/execute", `{"body":{}}`)

	stats = decode[StatsResponse](t, do(t, s, http.MethodGet, "/v1/stats", ""))
	require.Contains(t, stats.Breakers, "chat-echo")
	assert.Equal(t, "closed", stats.Breakers["chat-echo"].State)
	assert.Equal(t, 1, stats.Breakers["chat-echo"].Successes)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	do(t, s, http.MethodGet, "/v1/stats", "")
	do(t, s, http.MethodGet, "/v1/pipelines/nope", "")

	rec := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gateway_admin_http_requests_total")

	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.HTTPRequests().WithLabelValues(http.MethodGet, "/v1/stats", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.HTTPRequests().WithLabelValues(http.MethodGet, "/v1/pipelines/{id}", "404")))
}

func TestMetricsCountUnmatchedRequests(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/v2/nothing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, s, http.MethodPut, "/v1/stats", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, rec.Body.String(), "method not allowed")

	requests := s.metrics.HTTPRequests()
	assert.Equal(t, float64(1), testutil.ToFloat64(requests.WithLabelValues(http.MethodGet, "unmatched", "404")))
	assert.Equal(t, float64(1), testutil.ToFloat64(requests.WithLabelValues(http.MethodPut, "unmatched", "405")))
}

func TestUnknownRoute(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/v2/nothing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not found")
}
