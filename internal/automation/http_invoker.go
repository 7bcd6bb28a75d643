package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rendis/dealflow/pkg/schema"
)

// Endpoint is a registered integration target: requests for a service name
// go to its base URL with an optional bearer token.
type Endpoint struct {
	BaseURL     string
	BearerToken string
}

// HTTPInvokerConfig configures the HTTP integration invoker.
type HTTPInvokerConfig struct {
	MaxResponseBody int64
	RequestTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 1 * 1024 * 1024 // 1MB
	defaultRequestTimeout  = 30 * time.Second
)

// HTTPInvoker delivers integration actions as HTTP POSTs. The operation is
// appended to the service's base URL as a path segment and the action
// params travel as the JSON body. Non-2xx responses are errors.
type HTTPInvoker struct {
	config HTTPInvokerConfig
	client *http.Client

	mu        sync.RWMutex
	endpoints map[string]Endpoint
}

// NewHTTPInvoker creates an invoker with no registered endpoints.
func NewHTTPInvoker(cfg HTTPInvokerConfig) *HTTPInvoker {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &HTTPInvoker{
		config:    cfg,
		client:    &http.Client{},
		endpoints: make(map[string]Endpoint),
	}
}

// RegisterEndpoint maps a service name to its HTTP endpoint. The base URL
// must be absolute http or https.
func (inv *HTTPInvoker) RegisterEndpoint(service string, ep Endpoint) error {
	if service == "" {
		return schema.NewError(schema.ErrCodeValidation, "endpoint requires a service name")
	}
	u, err := url.ParseRequestURI(ep.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid endpoint url %q for service %q", ep.BaseURL, service)
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.endpoints[service] = ep
	return nil
}

// Invoke implements IntegrationInvoker.
func (inv *HTTPInvoker) Invoke(ctx context.Context, service, operation string, params map[string]any) error {
	inv.mu.RLock()
	ep, ok := inv.endpoints[service]
	inv.mu.RUnlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "no endpoint registered for service %q", service)
	}

	if params == nil {
		params = map[string]any{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return schema.NewError(schema.ErrCodeExecution, "failed to marshal integration params").WithCause(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, inv.config.RequestTimeout)
	defer cancel()

	target := strings.TrimRight(ep.BaseURL, "/") + "/" + url.PathEscape(operation)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target, strings.NewReader(string(body)))
	if err != nil {
		return schema.NewError(schema.ErrCodeExecution, "failed to create integration request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+ep.BearerToken)
	}

	resp, err := inv.client.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "integration %s/%s failed", service, operation).WithCause(err)
	}
	defer resp.Body.Close()

	// Drain with a size cap so misbehaving services cannot balloon memory.
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, inv.config.MaxResponseBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return schema.NewErrorf(schema.ErrCodeExecution, "integration %s/%s returned %d", service, operation, resp.StatusCode).
			WithDetails(map[string]any{
				"status": resp.Status,
				"body":   truncate(string(respBody), 512),
			})
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes)", s[:n], len(s))
}
