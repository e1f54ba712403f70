package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// ErrNotConfigured is returned by HTTPTool when its credential is missing.
var ErrNotConfigured = errors.New("integration not configured")

// HTTPTool calls a JSON REST endpoint on behalf of a capability.
//
// The tool input is sent as the JSON request body (or as query
// parameters for GET). When Integration is set, the value of its EnvVar is
// sent as a bearer token and a missing value fails with ErrNotConfigured.
//
// Output:
//   - ok: true for 2xx responses
//   - status_code: HTTP status code
//   - data: decoded JSON body, or the raw body as a string when it is not JSON
type HTTPTool struct {
	ToolName    string
	Endpoint    string
	Method      string
	Integration *Integration

	client    *http.Client
	lookupEnv func(string) (string, bool)
}

// HTTPOption configures an HTTPTool.
type HTTPOption func(*HTTPTool)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPTool) { h.client = c }
}

// WithCredential attaches an integration whose env var holds the bearer token.
func WithCredential(in Integration) HTTPOption {
	return func(h *HTTPTool) { h.Integration = &in }
}

// WithLookupEnv replaces the environment lookup.
func WithLookupEnv(fn func(string) (string, bool)) HTTPOption {
	return func(h *HTTPTool) { h.lookupEnv = fn }
}

// NewHTTPTool creates a tool posting to endpoint.
func NewHTTPTool(name, method, endpoint string, opts ...HTTPOption) *HTTPTool {
	h := &HTTPTool{
		ToolName:  name,
		Endpoint:  endpoint,
		Method:    strings.ToUpper(method),
		client:    &http.Client{Timeout: 30 * time.Second},
		lookupEnv: os.LookupEnv,
	}
	if h.Method == "" {
		h.Method = http.MethodPost
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name implements Tool.
func (h *HTTPTool) Name() string {
	return h.ToolName
}

// Call implements Tool.
func (h *HTTPTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if h.Endpoint == "" {
		return nil, fmt.Errorf("%s: endpoint required", h.ToolName)
	}
	if h.Method != http.MethodGet && h.Method != http.MethodPost {
		return nil, fmt.Errorf("%s: unsupported HTTP method: %s (supported: GET, POST)", h.ToolName, h.Method)
	}

	var token string
	if h.Integration != nil {
		v, ok := h.lookupEnv(h.Integration.EnvVar)
		if !ok || strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("%s: %w: set %s", h.ToolName, ErrNotConfigured, h.Integration.EnvVar)
		}
		token = v
	}

	req, err := h.request(ctx, input)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to execute request: %w", h.ToolName, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read response body: %w", h.ToolName, err)
	}

	var data interface{}
	if len(raw) > 0 && json.Valid(raw) {
		_ = json.Unmarshal(raw, &data)
	} else {
		data = string(raw)
	}

	return map[string]interface{}{
		"ok":          resp.StatusCode >= 200 && resp.StatusCode < 300,
		"status_code": resp.StatusCode,
		"data":        data,
	}, nil
}

func (h *HTTPTool) request(ctx context.Context, input map[string]interface{}) (*http.Request, error) {
	if h.Method == http.MethodGet {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.Endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to create request: %w", h.ToolName, err)
		}
		q := req.URL.Query()
		for k, v := range input {
			q.Set(k, fmt.Sprint(v))
		}
		req.URL.RawQuery = q.Encode()
		return req, nil
	}

	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("%s: encode input: %w", h.ToolName, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", h.ToolName, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
