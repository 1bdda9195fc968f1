package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RegisterBuiltins installs the built-in tool set.
func RegisterBuiltins(r *Registry) {
	r.Register(&echoTool{})
	r.Register(&nowTool{})
	r.Register(NewHTTPFetchTool(nil))
}

// echoTool returns its "text" argument unchanged. Mostly useful in tests
// and workflow wiring checks.
type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "Return the given text unchanged." }

func (echoTool) Run(_ context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Text string `json:"text"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &p); err != nil {
			return "", fmt.Errorf("echo: %w", err)
		}
	}
	return p.Text, nil
}

// nowTool reports the current time in RFC 3339 UTC.
type nowTool struct{}

func (nowTool) Name() string        { return "now" }
func (nowTool) Description() string { return "Current UTC time, RFC 3339." }

func (nowTool) Run(context.Context, json.RawMessage) (string, error) {
	return time.Now().UTC().Format(time.RFC3339), nil
}

const fetchBodyLimit = 64 << 10

// HTTPFetchTool performs a GET against the "url" argument and returns the
// body, truncated to 64 KiB.
type HTTPFetchTool struct {
	client *http.Client
}

func NewHTTPFetchTool(client *http.Client) *HTTPFetchTool {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPFetchTool{client: client}
}

func (t *HTTPFetchTool) Name() string        { return "http_fetch" }
func (t *HTTPFetchTool) Description() string { return "HTTP GET a URL and return the response body." }

func (t *HTTPFetchTool) Run(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("http_fetch: %w", err)
	}
	if p.URL == "" {
		return "", fmt.Errorf("http_fetch: url is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return "", fmt.Errorf("http_fetch: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http_fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchBodyLimit))
	if err != nil {
		return "", fmt.Errorf("http_fetch: read body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("http_fetch: %s returned %d", p.URL, resp.StatusCode)
	}
	return string(body), nil
}
