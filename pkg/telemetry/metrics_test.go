package telemetry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	out := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func useManualReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})
	ResetMetricsForTest()
	return reader
}

func TestRecordModuleMetrics(t *testing.T) {
	reader := useManualReader(t)
	ctx := context.Background()

	RecordModuleMetrics(ctx, ModuleMetrics{
		PipelineID: "pipeline-1",
		Provider:   "openai",
		ModuleID:   "openai-protocol:r1",
		Kind:       domain.KindProtocol,
		Version:    "v1",
		Position:   1,
		Outcome:    OutcomeSuccess,
		Duration:   150 * time.Millisecond,
	})

	metrics := collect(t, reader)

	exec, ok := metrics["gateway.module.executions_total"]
	if !ok {
		t.Fatalf("missing gateway.module.executions_total metric")
	}
	execData, ok := exec.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for executions metric")
	}
	if len(execData.DataPoints) != 1 || execData.DataPoints[0].Value != 1 {
		t.Fatalf("expected a single datapoint of 1, got %+v", execData.DataPoints)
	}
	if value, ok := execData.DataPoints[0].Attributes.Value(attribute.Key("module.kind")); !ok || value.AsString() != "protocol" {
		t.Fatalf("expected module.kind attribute protocol, got %v", value)
	}

	hist, ok := metrics["gateway.module.duration_ms"]
	if !ok {
		t.Fatalf("missing gateway.module.duration_ms metric")
	}
	histData := hist.Data.(metricdata.Histogram[float64])
	if histData.DataPoints[0].Sum != 150 {
		t.Fatalf("expected histogram sum 150, got %v", histData.DataPoints[0].Sum)
	}
}

func TestRecordAdmissionRejectedClassifiesReason(t *testing.T) {
	reader := useManualReader(t)
	ctx := context.Background()

	RecordAdmissionRejected(ctx, "p1", &domain.MaintenanceError{PipelineID: "p1", Reason: "auth"})
	RecordAdmissionRejected(ctx, "p2", domain.ErrPipelineNotFound)

	metrics := collect(t, reader)
	data := metrics["gateway.pipeline.admission_rejected_total"].Data.(metricdata.Sum[int64])
	reasons := map[string]int64{}
	for _, dp := range data.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key("admission.reason"))
		reasons[v.AsString()] += dp.Value
	}
	if reasons["maintenance"] != 1 || reasons["not_found"] != 1 {
		t.Fatalf("unexpected reasons %v", reasons)
	}
}

func TestRecordExecutionFailure(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)

	_, span := tp.Tracer("test").Start(context.Background(), "pipeline.execute")
	RecordExecutionFailure(span, &domain.ExecutionError{
		PipelineID: "p", ModuleID: "m2", Kind: domain.KindProtocol, Position: 1, Err: errors.New("bad"),
	})
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	var found bool
	for _, event := range spans[0].Events() {
		if event.Name != "pipeline.module_failed" {
			continue
		}
		found = true
		attrs := attribute.NewSet(event.Attributes...)
		if v, ok := attrs.Value("module.position"); !ok || v.AsInt64() != 1 {
			t.Fatalf("expected module.position 1, got %v", v)
		}
	}
	if !found {
		t.Fatalf("expected pipeline.module_failed event")
	}
	if spans[0].Status().Code != codes.Error {
		t.Fatalf("expected error status, got %v", spans[0].Status())
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}

func TestRedactAttributes(t *testing.T) {
	attrs := []attribute.KeyValue{
		attribute.String("http.request.header.authorization", "Bearer secret"),
		attribute.String("route.credential_ref", "sk-abcdefghijkl"),
		attribute.String("route.name", "chat"),
		attribute.String("custom.token", "t"),
	}

	filtered := RedactAttributes(attrs, map[string]string{"custom.token": "replace"})
	got := map[string]string{}
	for _, kv := range filtered {
		got[string(kv.Key)] = kv.Value.AsString()
	}

	if _, ok := got["http.request.header.authorization"]; ok {
		t.Fatalf("authorization header must be dropped")
	}
	if got["route.credential_ref"] != "sk-a***ijkl" {
		t.Fatalf("unexpected masked credential %q", got["route.credential_ref"])
	}
	if got["custom.token"] != "[REDACTED]" {
		t.Fatalf("unexpected replaced value %q", got["custom.token"])
	}
	if got["route.name"] != "chat" {
		t.Fatalf("route.name must pass through")
	}

	endpoint := RedactAttributes([]attribute.KeyValue{
		attribute.String("provider.endpoint", "https://u:p@api.example.com/v1?key=sk#frag"),
	}, nil)
	if endpoint[0].Value.AsString() != "https://api.example.com/v1" {
		t.Fatalf("endpoint must lose credentials and query, got %q", endpoint[0].Value.AsString())
	}
	if got := RedactAttributes([]attribute.KeyValue{attribute.String("provider.endpoint", "not a url")}, nil); got[0].Value.AsString() != "[REDACTED]" {
		t.Fatalf("unparseable endpoint must be replaced, got %q", got[0].Value.AsString())
	}

	routeAttrs := attribute.NewSet(RouteAttributes("r", "chat", "openai", "gpt-4o", "", "sk-abcdefghijkl")...)
	if _, ok := routeAttrs.Value("provider.endpoint"); ok {
		t.Fatalf("empty endpoint must be omitted")
	}
	if v, _ := routeAttrs.Value("route.credential_ref"); v.AsString() != "sk-a***ijkl" {
		t.Fatalf("route credential must be masked, got %q", v.AsString())
	}

	kept := RedactAttributes([]attribute.KeyValue{attribute.String("route.credential_ref", "env:OPENAI_KEY")}, nil)
	if kept[0].Value.AsString() != "env:OPENAI_KEY" {
		t.Fatalf("env references are not secret, got %q", kept[0].Value.AsString())
	}
}

func TestManagerCollector(t *testing.T) {
	collector := NewManagerCollector(func() Snapshot {
		return Snapshot{
			Uptime:          time.Minute,
			TotalExecutions: 10,
			TotalErrors:     2,
			Pipelines: []PipelineSnapshot{
				{ID: "a", RouteName: "chat", Provider: "openai", Executions: 7, Errors: 1, Healthy: true, Active: true},
				{ID: "b", RouteName: "chat", Provider: "anthropic", Executions: 3, Errors: 1, Maintenance: true},
			},
			MaintenanceByProvider: map[string]int{"anthropic": 1},
		}
	})

	expected := `
# HELP gateway_pipelines Managed pipelines by state
# TYPE gateway_pipelines gauge
gateway_pipelines{state="active"} 1
gateway_pipelines{state="healthy"} 1
gateway_pipelines{state="maintenance"} 1
gateway_pipelines{state="total"} 2
# HELP gateway_executions_total Total pipeline executions
# TYPE gateway_executions_total counter
gateway_executions_total 10
`
	if err := testutil.CollectAndCompare(collector, strings.NewReader(expected),
		"gateway_pipelines", "gateway_executions_total"); err != nil {
		t.Fatalf("unexpected collector output: %v", err)
	}

	if n := testutil.CollectAndCount(collector, "gateway_pipeline_executions_total"); n != 2 {
		t.Fatalf("expected 2 per-pipeline series, got %d", n)
	}
}

func TestMetricsRegistry(t *testing.T) {
	m := NewMetrics(nil)
	m.RecordHTTPRequest("GET", "/v1/stats", 200, 10*time.Millisecond)
	m.RecordReload("success")

	if got := testutil.ToFloat64(m.reloadsTotal.WithLabelValues("success")); got != 1 {
		t.Fatalf("expected 1 reload, got %v", got)
	}
	if n, err := testutil.GatherAndCount(m.Registry(), "gateway_admin_http_requests_total"); err != nil || n != 1 {
		t.Fatalf("expected 1 request series, got %d (%v)", n, err)
	}
}
