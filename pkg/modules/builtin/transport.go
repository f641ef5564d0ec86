package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/polisai/polis-gateway/internal/governance"
	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/modules"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// DefaultUpstreamTimeout applies when a route does not set its own timeout.
	DefaultUpstreamTimeout = 60 * time.Second
	maxUpstreamBody        = 8 << 20
)

// UpstreamError is returned for a non-2xx upstream response.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.Status, e.Body)
}

// StatusCode lets the retry policy classify the failure.
func (e *UpstreamError) StatusCode() int {
	return e.Status
}

// HTTPTransport posts the request body as JSON to the route endpoint. Timeouts
// are owned here, not by the manager.
//
// Configuration (on top of route metadata):
//
//	path: /v1/chat/completions
//	method: POST
//	headers: {x-org: acme}
//	retryBackoff: 200ms
//	requestsPerSecond: 10
//	burst: 20
//
// The route's maxRetries bounds retries of throttled or failed upstream calls.
type HTTPTransport struct {
	*modules.Base

	mu            sync.RWMutex
	client        *http.Client
	target        *url.URL
	method        string
	headers       map[string]string
	retry         *governance.RetryPolicy
	limiter       *governance.UpstreamLimiter
	wrapTransport func(http.RoundTripper) http.RoundTripper
}

// NewHTTPTransport is the factory of http-transport. It builds no connections.
func NewHTTPTransport(cfg map[string]any) (domain.Module, error) {
	return &HTTPTransport{
		Base: modules.NewBase(modules.InstanceID("http-transport", cfg), domain.KindTransport, version),
		wrapTransport: func(rt http.RoundTripper) http.RoundTripper {
			return otelhttp.NewTransport(rt)
		},
	}, nil
}

// Configure resolves the target URL and client settings.
func (t *HTTPTransport) Configure(ctx context.Context, cfg map[string]any) error {
	endpoint := strings.TrimRight(modules.String(cfg, "endpoint", ""), "/")
	var target *url.URL
	if endpoint != "" {
		parsed, err := url.Parse(endpoint + modules.String(cfg, "path", ""))
		if err != nil {
			return fmt.Errorf("%w: endpoint %q: %v", domain.ErrInvalidLayer, endpoint, err)
		}
		target = parsed
	}

	timeout := modules.Duration(cfg, "timeout", 0)
	if timeout <= 0 {
		timeout = DefaultUpstreamTimeout
	}

	retry := governance.DefaultRetryConfig()
	retry.MaxRetries = modules.Int(cfg, "maxRetries", 0)
	retry.InitialBackoff = modules.Duration(cfg, "retryBackoff", retry.InitialBackoff)

	var limiter *governance.UpstreamLimiter
	if rps := modules.Int(cfg, "requestsPerSecond", 0); rps > 0 {
		limiter = governance.NewUpstreamLimiter(governance.RateLimitConfig{
			RequestsPerSecond: rps,
			Burst:             modules.Int(cfg, "burst", 0),
		})
	}

	t.mu.Lock()
	t.target = target
	t.method = strings.ToUpper(modules.String(cfg, "method", http.MethodPost))
	t.headers = modules.StringMap(cfg, "headers")
	t.retry = governance.NewRetryPolicy(retry)
	t.limiter = limiter
	t.client = &http.Client{
		Timeout:   timeout,
		Transport: t.wrapTransport(http.DefaultTransport),
	}
	t.mu.Unlock()

	return t.Base.Configure(ctx, cfg)
}

// Start requires an absolute http(s) endpoint.
func (t *HTTPTransport) Start(ctx context.Context) error {
	t.mu.RLock()
	target := t.target
	t.mu.RUnlock()
	if target == nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		t.SetStatus(domain.ModuleStatusError)
		return fmt.Errorf("%s: endpoint must be an absolute http(s) URL", t.ID())
	}
	return t.Base.Start(ctx)
}

// HealthCheck adds the configured target to the base report. It does not dial.
func (t *HTTPTransport) HealthCheck(ctx context.Context) (domain.HealthReport, error) {
	report, err := t.Base.HealthCheck(ctx)
	if err != nil {
		return report, err
	}
	t.mu.RLock()
	target, limiter := t.target, t.limiter
	t.mu.RUnlock()
	if target == nil {
		report.Healthy = false
		report.Details["endpoint"] = ""
		return report, nil
	}
	report.Details["endpoint"] = target.Redacted()
	if limiter != nil {
		report.Details["rateLimitAvailable"] = limiter.Stats().Available
	}
	return report, nil
}

// Process implements domain.Processor.
func (t *HTTPTransport) Process(ctx context.Context, in *domain.Payload) (out *domain.Payload, err error) {
	start := time.Now()
	defer func() { t.Track(start, err) }()

	t.mu.RLock()
	client, target, method, static := t.client, t.target, t.method, t.headers
	retry, limiter := t.retry, t.limiter
	t.mu.RUnlock()
	if client == nil || target == nil {
		return nil, fmt.Errorf("%s: transport not configured", t.ID())
	}

	body, err := json.Marshal(in.Body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}

	var (
		status      int
		contentType string
		raw         []byte
	)
	attempts, err := retry.Do(ctx, func(int) error {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build upstream request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		for k, v := range in.Headers {
			req.Header.Set(k, v)
		}
		for k, v := range static {
			req.Header.Set(k, v)
		}
		if in.RequestID != "" {
			req.Header.Set("X-Request-Id", in.RequestID)
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("upstream request: %w", err)
		}
		defer resp.Body.Close()

		raw, err = io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
		if err != nil {
			return fmt.Errorf("read upstream response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &UpstreamError{Status: resp.StatusCode, Body: string(raw)}
		}
		status, contentType = resp.StatusCode, resp.Header.Get("Content-Type")
		return nil
	})
	if err != nil {
		return nil, err
	}

	out = &domain.Payload{
		RequestID: in.RequestID,
		Body:      make(map[string]any),
		Headers:   make(map[string]string),
		Metadata:  make(map[string]any, len(in.Metadata)+2),
	}
	for k, v := range in.Metadata {
		out.Metadata[k] = v
	}
	out.Metadata["upstreamStatus"] = status
	out.Metadata["upstreamAttempts"] = attempts
	if contentType != "" {
		out.Headers["Content-Type"] = contentType
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out.Body); err != nil {
			return nil, fmt.Errorf("decode upstream response: %w", err)
		}
	}
	return out, nil
}

// EchoTransport answers locally with the request it received. It is used for
// dry runs and for routes that point at no real upstream.
type EchoTransport struct {
	*modules.Base
}

// NewEchoTransport is the factory of echo-transport.
func NewEchoTransport(cfg map[string]any) (domain.Module, error) {
	return &EchoTransport{
		Base: modules.NewBase(modules.InstanceID("echo-transport", cfg), domain.KindTransport, version),
	}, nil
}

// Process implements domain.Processor.
func (t *EchoTransport) Process(_ context.Context, in *domain.Payload) (*domain.Payload, error) {
	start := time.Now()
	out := in.Clone()
	request := make(map[string]any, len(in.Body))
	for k, v := range in.Body {
		request[k] = v
	}
	out.Body = map[string]any{
		"object":  "echo",
		"model":   modules.String(t.Config(), "model", ""),
		"request": request,
	}
	out.Metadata["upstreamStatus"] = http.StatusOK
	t.Track(start, nil)
	return out, nil
}
