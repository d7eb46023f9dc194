package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// APIConfig describes how to call and parse a JSON API source.
type APIConfig struct {
	// BaseURL is prepended to every subsection path.
	BaseURL string `yaml:"base_url" json:"base_url"`
	// Paths maps subsection name to endpoint path.
	Paths map[string]string `yaml:"paths" json:"paths"`
	// Headers are set on every request; values support ${ENV_VAR} expansion.
	Headers map[string]string `yaml:"headers" json:"headers"`
	// ResultPath walks into the response with dot notation ("data.summary").
	// Empty means the whole response body is the payload.
	ResultPath string `yaml:"result_path" json:"result_path"`
	// ProbePath is the liveness endpoint. Defaults to the first path.
	ProbePath string `yaml:"probe_path" json:"probe_path"`
	// UserAgent identifies rased to the upstream. Default: "rased/1.0".
	UserAgent string `yaml:"user_agent" json:"user_agent"`
	// Timeout bounds one HTTP request. Default: 30s.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// MaxBytes caps the response body. Default: 10 MiB.
	MaxBytes int64 `yaml:"max_bytes" json:"max_bytes"`
}

func (c *APIConfig) defaults() {
	if c.UserAgent == "" {
		c.UserAgent = "rased/1.0"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 * 1024 * 1024
	}
}

// APIAdapter fetches subsection payloads from a JSON API.
type APIAdapter struct {
	id     string
	cfg    APIConfig
	client *http.Client
}

// NewAPIAdapter creates an adapter with the given stable source ID.
func NewAPIAdapter(id string, cfg APIConfig) *APIAdapter {
	cfg.defaults()
	return &APIAdapter{
		id:     id,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// ID returns the source identifier.
func (a *APIAdapter) ID() string { return a.id }

// Fetch retrieves the subsection's endpoint and returns the JSON payload,
// walking ResultPath when configured.
func (a *APIAdapter) Fetch(ctx context.Context, sub Subsection) (json.RawMessage, error) {
	path, ok := a.cfg.Paths[sub.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no path for %q", ErrNoEndpoint, a.id, sub.Name)
	}

	body, err := a.get(ctx, a.cfg.BaseURL+path)
	if err != nil {
		return nil, err
	}

	if a.cfg.ResultPath == "" {
		// Validate without re-encoding; payloads stay opaque.
		if !json.Valid(body) {
			return nil, fmt.Errorf("source %s: invalid JSON for %q", a.id, sub.Name)
		}
		return json.RawMessage(body), nil
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("source %s: decode: %w", a.id, err)
	}
	node, err := walkPath(raw, a.cfg.ResultPath)
	if err != nil {
		return nil, fmt.Errorf("source %s: walk path %q: %w", a.id, a.cfg.ResultPath, err)
	}
	out, err := json.Marshal(node)
	if err != nil {
		return nil, fmt.Errorf("source %s: re-encode: %w", a.id, err)
	}
	return out, nil
}

// Probe requests the probe endpoint and reports reachability.
func (a *APIAdapter) Probe(ctx context.Context) error {
	path := a.cfg.ProbePath
	if path == "" {
		for _, p := range a.cfg.Paths {
			path = p
			break
		}
	}
	_, err := a.get(ctx, a.cfg.BaseURL+path)
	return err
}

func (a *APIAdapter) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("source %s: new request: %w", a.id, err)
	}
	req.Header.Set("User-Agent", a.cfg.UserAgent)
	for k, v := range a.cfg.Headers {
		req.Header.Set(k, expandEnv(v))
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source %s: http: %w", a.id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return nil, fmt.Errorf("source %s: http %d", a.id, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, a.cfg.MaxBytes))
	if err != nil {
		return nil, fmt.Errorf("source %s: read body: %w", a.id, err)
	}
	return body, nil
}

// walkPath walks a dot-notation path into a decoded JSON value.
func walkPath(v any, path string) (any, error) {
	current := v
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected object at %q, got %T", part, current)
		}
		current, ok = obj[part]
		if !ok {
			return nil, fmt.Errorf("key %q not found", part)
		}
	}
	return current, nil
}

// expandEnv replaces ${ENV_VAR} patterns with their values.
func expandEnv(s string) string {
	return os.Expand(s, os.Getenv)
}
