package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// HTMLReportConfig describes a source that publishes figures only as HTML
// situation-report pages. The adapter sanitizes the page and converts the
// content region to markdown; downstream consumers treat it as a single
// report_markdown field.
type HTMLReportConfig struct {
	// Pages maps subsection name to the report page URL.
	Pages map[string]string `yaml:"pages" json:"pages"`
	// ContentElements are tried in order to locate the report body
	// ("main", "article"). Falls back to the whole document.
	ContentElements []string `yaml:"content_elements" json:"content_elements"`
	// UserAgent identifies rased to the upstream. Default: "rased/1.0".
	UserAgent string `yaml:"user_agent" json:"user_agent"`
	// Timeout bounds one HTTP request. Default: 30s.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// MaxBytes caps the response body. Default: 10 MiB.
	MaxBytes int64 `yaml:"max_bytes" json:"max_bytes"`
}

func (c *HTMLReportConfig) defaults() {
	if len(c.ContentElements) == 0 {
		c.ContentElements = []string{"main", "article"}
	}
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

// HTMLReportAdapter fetches and converts HTML situation-report pages.
type HTMLReportAdapter struct {
	id       string
	cfg      HTMLReportConfig
	client   *http.Client
	sanitize *bluemonday.Policy
}

// NewHTMLReportAdapter creates an adapter with the given stable source ID.
func NewHTMLReportAdapter(id string, cfg HTMLReportConfig) *HTMLReportAdapter {
	cfg.defaults()
	return &HTMLReportAdapter{
		id:       id,
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		sanitize: bluemonday.UGCPolicy(),
	}
}

// ID returns the source identifier.
func (a *HTMLReportAdapter) ID() string { return a.id }

// reportPayload is the JSON shape this adapter produces for a subsection.
type reportPayload struct {
	ReportMarkdown string    `json:"report_markdown"`
	FetchedFrom    string    `json:"fetched_from"`
	RetrievedAt    time.Time `json:"retrieved_at"`
}

// Fetch retrieves the subsection's report page, strips unsafe markup,
// extracts the content region and converts it to markdown.
func (a *HTMLReportAdapter) Fetch(ctx context.Context, sub Subsection) (json.RawMessage, error) {
	url, ok := a.cfg.Pages[sub.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no page for %q", ErrNoEndpoint, a.id, sub.Name)
	}

	raw, err := a.get(ctx, url)
	if err != nil {
		return nil, err
	}

	clean := a.sanitize.Sanitize(string(raw))
	doc, err := html.Parse(strings.NewReader(clean))
	if err != nil {
		return nil, fmt.Errorf("source %s: parse html: %w", a.id, err)
	}

	node := doc
	for _, el := range a.cfg.ContentElements {
		if n := findElement(doc, el); n != nil {
			node = n
			break
		}
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, node); err != nil {
		return nil, fmt.Errorf("source %s: render: %w", a.id, err)
	}
	md, err := htmltomarkdown.ConvertString(buf.String())
	if err != nil {
		return nil, fmt.Errorf("source %s: convert: %w", a.id, err)
	}
	md = strings.TrimSpace(md)
	if md == "" {
		return nil, fmt.Errorf("source %s: empty report at %s", a.id, url)
	}

	payload, err := json.Marshal(reportPayload{
		ReportMarkdown: md,
		FetchedFrom:    url,
		RetrievedAt:    time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("source %s: encode payload: %w", a.id, err)
	}
	return payload, nil
}

// Probe requests the first configured page and reports reachability.
func (a *HTMLReportAdapter) Probe(ctx context.Context) error {
	for _, url := range a.cfg.Pages {
		_, err := a.get(ctx, url)
		return err
	}
	return fmt.Errorf("source %s: no pages configured", a.id)
}

func (a *HTMLReportAdapter) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("source %s: new request: %w", a.id, err)
	}
	req.Header.Set("User-Agent", a.cfg.UserAgent)

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

// findElement returns the first element node with the given tag, depth-first.
func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}
