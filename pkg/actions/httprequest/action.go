// Package httprequest provides the http_request step executor: one outbound
// HTTP call per step, with transient/permanent classification derived from
// the response status.
package httprequest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/brunori/outflow/pkg/protocol"
)

const defaultTimeout = 30 * time.Second

var (
	ErrURLRequired   = errors.New("http_request: url is required")
	ErrInvalidMethod = errors.New("http_request: invalid method")
)

// Executor performs a single HTTP request. Retrying is the engine's job, so
// a failed call returns a classified error instead of looping.
type Executor struct {
	url     string
	method  string
	headers map[string]string
	body    string
	client  *http.Client
}

// NewExecutor builds an executor from a node config map.
func NewExecutor(config map[string]any) (*Executor, error) {
	rawURL, _ := config["url"].(string)
	if rawURL == "" {
		return nil, ErrURLRequired
	}

	method := http.MethodGet
	if m, ok := config["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}

	headers := make(map[string]string)
	if rawHeaders, ok := config["headers"].(map[string]any); ok {
		for name, value := range rawHeaders {
			headers[name] = fmt.Sprintf("%v", value)
		}
	}

	body, err := encodeBody(config["body"])
	if err != nil {
		return nil, err
	}

	timeout := defaultTimeout
	if secs, ok := toFloat(config["timeout"]); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}

	return &Executor{
		url:     rawURL,
		method:  method,
		headers: headers,
		body:    body,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Execute performs the request. Network failures and 5xx responses are
// transient; 4xx responses are permanent.
func (e *Executor) Execute(ctx context.Context, _ map[string]any) (map[string]any, error) {
	var reader io.Reader
	if e.body != "" {
		reader = bytes.NewBufferString(e.body)
	}

	req, err := http.NewRequestWithContext(ctx, e.method, e.url, reader)
	if err != nil {
		return nil, protocol.Permanent(fmt.Errorf("http_request: build request: %w", err))
	}

	if e.body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	for name, value := range e.headers {
		req.Header.Set(name, value)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, protocol.Transient(fmt.Errorf("http_request: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, protocol.Transient(fmt.Errorf("http_request: read response: %w", err))
	}

	output := map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(raw),
		"headers":     flattenHeaders(resp.Header),
	}

	var decoded any
	if json.Unmarshal(raw, &decoded) == nil {
		output["json"] = decoded
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return output, protocol.Transient(fmt.Errorf("http_request: %s %s returned %d", e.method, e.url, resp.StatusCode))
	case resp.StatusCode >= http.StatusBadRequest:
		return output, protocol.Permanent(fmt.Errorf("http_request: %s %s returned %d", e.method, e.url, resp.StatusCode))
	}

	return output, nil
}

func encodeBody(raw any) (string, error) {
	switch body := raw.(type) {
	case nil:
		return "", nil
	case string:
		return body, nil
	default:
		encoded, err := json.Marshal(body)
		if err != nil {
			return "", fmt.Errorf("http_request: encode body: %w", err)
		}

		return string(encoded), nil
	}
}

func toFloat(raw any) (float64, bool) {
	switch value := raw.(type) {
	case float64:
		return value, true
	case int:
		return float64(value), true
	case json.Number:
		parsed, err := value.Float64()

		return parsed, err == nil
	default:
		return 0, false
	}
}

func flattenHeaders(header http.Header) map[string]any {
	flat := make(map[string]any, len(header))
	for name, values := range header {
		flat[name] = strings.Join(values, ", ")
	}

	return flat
}
