package monitor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Refresher is the refresh surface exposed over MCP.
type Refresher interface {
	ForceRefresh(ctx context.Context, sources ...string) error
}

// CacheClearer clears cached payloads, optionally scoped to one source.
type CacheClearer interface {
	Clear(ctx context.Context) error
	ClearSource(ctx context.Context, source string) (int64, error)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// addTool registers one typed tool with JSON-in, JSON-out plumbing.
func addTool[Req any](srv *mcp.Server, tool *mcp.Tool, handle func(ctx context.Context, req *Req) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var r Req
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
				var res mcp.CallToolResult
				res.SetError(fmt.Errorf("invalid arguments: %w", err))
				return &res, nil
			}
		}
		resp, err := handle(ctx, &r)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(err)
			return &res, nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

// RegisterMCP exposes the operator surface as MCP tools.
func (e *Engine) RegisterMCP(srv *mcp.Server, refresher Refresher, cache CacheClearer) {
	type empty struct{}

	addTool(srv, &mcp.Tool{
		Name:        "rased_status",
		Description: "System health summary: per-source status, quality score, cache hit rate, open alerts, incident counts.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, func(ctx context.Context, _ *empty) (any, error) {
		return e.Status(ctx)
	})

	addTool(srv, &mcp.Tool{
		Name:        "rased_report",
		Description: "Human-readable monitoring report.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, func(ctx context.Context, _ *empty) (any, error) {
		text, err := e.Report(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]string{"report": text}, nil
	})

	type refreshReq struct {
		Sources []string `json:"sources,omitempty"`
	}
	addTool(srv, &mcp.Tool{
		Name:        "rased_force_refresh",
		Description: "Trigger an immediate consolidation. Optionally scoped to specific sources.",
		InputSchema: inputSchema(map[string]any{
			"sources": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Source IDs to refresh; empty for all"},
		}, nil),
	}, func(ctx context.Context, r *refreshReq) (any, error) {
		if err := refresher.ForceRefresh(ctx, r.Sources...); err != nil {
			return nil, err
		}
		return map[string]string{"status": "refreshed"}, nil
	})

	addTool(srv, &mcp.Tool{
		Name:        "rased_retry_failed",
		Description: "Retry every source with a persisted failure record.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, func(ctx context.Context, _ *empty) (any, error) {
		sources, err := e.RetryFailedSources(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"retried": sources}, nil
	})

	type alertReq struct {
		ID     string `json:"id"`
		Reason string `json:"reason,omitempty"`
	}
	addTool(srv, &mcp.Tool{
		Name:        "rased_acknowledge",
		Description: "Acknowledge an alert; acknowledged incidents are skipped by auto-remediation.",
		InputSchema: inputSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Alert ID"},
		}, []string{"id"}),
	}, func(ctx context.Context, r *alertReq) (any, error) {
		if err := e.Acknowledge(ctx, r.ID); err != nil {
			return nil, err
		}
		return map[string]string{"status": "acknowledged"}, nil
	})

	addTool(srv, &mcp.Tool{
		Name:        "rased_resolve",
		Description: "Resolve an alert and its open incidents.",
		InputSchema: inputSchema(map[string]any{
			"id":     map[string]any{"type": "string", "description": "Alert ID"},
			"reason": map[string]any{"type": "string", "description": "Resolution note"},
		}, []string{"id"}),
	}, func(ctx context.Context, r *alertReq) (any, error) {
		if err := e.Resolve(ctx, r.ID, r.Reason); err != nil {
			return nil, err
		}
		return map[string]string{"status": "resolved"}, nil
	})

	type clearReq struct {
		Source string `json:"source,omitempty"`
	}
	addTool(srv, &mcp.Tool{
		Name:        "rased_clear_cache",
		Description: "Clear cached source payloads, optionally scoped to one source.",
		InputSchema: inputSchema(map[string]any{
			"source": map[string]any{"type": "string", "description": "Source ID; empty clears everything"},
		}, nil),
	}, func(ctx context.Context, r *clearReq) (any, error) {
		if r.Source != "" {
			n, err := cache.ClearSource(ctx, r.Source)
			if err != nil {
				return nil, err
			}
			return map[string]any{"cleared": n, "source": r.Source}, nil
		}
		if err := cache.Clear(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"cleared": "all"}, nil
	})
}
