package task

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const httpMaxResponseBytes = 1 << 20 // 1MB

// HTTPHandler performs GET/POST calls described by the task config:
//
//	config:
//	  url: https://api.example.com/charge
//	  method: POST            # default GET
//	  body: '{"amount": 100}' # optional
//	  headers:                # optional
//	    Content-Type: application/json
//
// Server errors (5xx) and 429 are transient; any other non-2xx status
// is permanent. Network failures are transient.
type HTTPHandler struct {
	client *http.Client
}

// NewHTTPHandler creates an HTTP task handler. A nil client gets a
// default with a 30s timeout.
func NewHTTPHandler(client *http.Client) *HTTPHandler {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPHandler{client: client}
}

// Execute implements Handler.
func (h *HTTPHandler) Execute(ctx context.Context, inv Invocation) (map[string]any, error) {
	url, ok := inv.Config["url"].(string)
	if !ok || url == "" {
		return nil, Permanent("http task %s: missing url in config", inv.TaskID)
	}

	method := http.MethodGet
	if m, ok := inv.Config["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if method != http.MethodGet && method != http.MethodPost {
		return nil, Permanent("http task %s: unsupported method %q", inv.TaskID, method)
	}

	var body io.Reader
	if b, ok := inv.Config["body"].(string); ok && b != "" {
		body = strings.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, Permanent("http task %s: build request: %v", inv.TaskID, err)
	}
	if headers, ok := inv.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, Transient("http task %s: %v", inv.TaskID, ctx.Err())
		}
		return nil, Transient("http task %s: %v", inv.TaskID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, httpMaxResponseBytes))
	if err != nil {
		return nil, Transient("http task %s: read body: %v", inv.TaskID, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return map[string]any{
			"status": resp.StatusCode,
			"body":   string(data),
		}, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, Transient("http task %s: status %d", inv.TaskID, resp.StatusCode)
	default:
		return nil, Permanent("http task %s: status %d", inv.TaskID, resp.StatusCode)
	}
}
