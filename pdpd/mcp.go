package pdpd

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pdpatch/kit"
)

// RegisterMCP registers the PDP tools on srv.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerEvaluateTool(srv)
	s.registerResolveTool(srv)
	s.registerApplyTool(srv)
	s.registerRevertTool(srv)
	s.registerReapplyTool(srv)
	s.registerReportTool(srv)
	s.registerSettingsTool(srv)
}

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

var tabIDProp = map[string]any{"type": "string", "description": "Tab identifier"}

// register wraps endpoint with call logging and the resolve timeout before
// registering it.
func (s *Service) register(srv *mcp.Server, tool *mcp.Tool, endpoint kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
	mw := kit.Chain(
		kit.Logging(s.logger, tool.Name),
		kit.Timeout(s.cfg.Router.ResolveTimeout),
	)
	kit.RegisterMCPTool(srv, tool, mw(endpoint), decode)
}

type tabReq struct {
	TabID string `json:"tab_id"`
}

// decodeTab decodes a request naming a tab and binds the tab to the context.
func decodeTab[T any](tab func(*T) string) func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	return func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r T
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
				return nil, err
			}
		}
		id := tab(&r)
		if id == "" {
			return nil, errors.New("tab_id is required")
		}
		return &kit.MCPDecodeResult{
			Request:   &r,
			EnrichCtx: func(ctx context.Context) context.Context { return kit.WithTabID(ctx, id) },
		}, nil
	}
}

// --- evaluate ---

type evaluateReq struct {
	URL  string `json:"url"`
	HTML string `json:"html"`
}

func (s *Service) registerEvaluateTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pdp_evaluate",
		Description: "Score raw page HTML with the product-page signal classifier.",
		InputSchema: inputSchema(map[string]any{
			"url":  map[string]any{"type": "string", "description": "Page URL"},
			"html": map[string]any{"type": "string", "description": "Raw page HTML"},
		}, []string{"url", "html"}),
	}
	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(*evaluateReq)
		return s.Evaluate(r.URL, r.HTML), nil
	}
	s.register(srv, tool, endpoint, kit.DecodeArgs[evaluateReq]())
}

// --- resolve ---

type resolveReq struct {
	TabID string `json:"tab_id"`
	URL   string `json:"url"`
	HTML  string `json:"html"`
}

func (s *Service) registerResolveTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pdp_resolve",
		Description: "Compute the PDP plan of a tab. With url and html, the document is loaded into the tab first.",
		InputSchema: inputSchema(map[string]any{
			"tab_id": tabIDProp,
			"url":    map[string]any{"type": "string", "description": "Page URL"},
			"html":   map[string]any{"type": "string", "description": "Page HTML to load before resolving"},
		}, []string{"tab_id"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*resolveReq)
		if r.HTML != "" || r.URL != "" {
			if err := s.Open(ctx, r.TabID, r.URL, r.HTML); err != nil {
				return nil, err
			}
		}
		return s.Resolve(ctx, r.TabID, nil)
	}
	s.register(srv, tool, endpoint, decodeTab(func(r *resolveReq) string { return r.TabID }))
}

// --- apply / revert / reapply ---

func (s *Service) registerApplyTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pdp_apply",
		Description: "Apply the tab's PDP plan and return the apply outcome.",
		InputSchema: inputSchema(map[string]any{"tab_id": tabIDProp}, []string{"tab_id"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		return s.Apply(ctx, req.(*tabReq).TabID)
	}
	s.register(srv, tool, endpoint, decodeTab(func(r *tabReq) string { return r.TabID }))
}

func (s *Service) registerRevertTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pdp_revert",
		Description: "Restore the content replaced by the last apply on a tab.",
		InputSchema: inputSchema(map[string]any{"tab_id": tabIDProp}, []string{"tab_id"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		return s.Revert(ctx, req.(*tabReq).TabID)
	}
	s.register(srv, tool, endpoint, decodeTab(func(r *tabReq) string { return r.TabID }))
}

func (s *Service) registerReapplyTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pdp_reapply",
		Description: "Re-apply the changes of the last apply on a tab after a revert.",
		InputSchema: inputSchema(map[string]any{"tab_id": tabIDProp}, []string{"tab_id"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		return s.Reapply(ctx, req.(*tabReq).TabID)
	}
	s.register(srv, tool, endpoint, decodeTab(func(r *tabReq) string { return r.TabID }))
}

// --- report ---

func (s *Service) registerReportTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pdp_report",
		Description: "Markdown report of a tab's plan: verdict, per-field previous and current content, extra applied changes.",
		InputSchema: inputSchema(map[string]any{"tab_id": tabIDProp}, []string{"tab_id"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		md, err := s.Report(ctx, req.(*tabReq).TabID)
		if err != nil {
			return nil, err
		}
		return map[string]string{"markdown": md}, nil
	}
	s.register(srv, tool, endpoint, decodeTab(func(r *tabReq) string { return r.TabID }))
}

// --- settings ---

type settingsReq struct {
	Settings *Settings `json:"settings"`
}

func (s *Service) registerSettingsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pdp_settings",
		Description: "Read the strategy settings and host allowlist, or replace them when settings is given.",
		InputSchema: inputSchema(map[string]any{
			"settings": map[string]any{
				"type":        "object",
				"description": `{"strategy":{"global":"heuristics","perDomain":[{"pattern":"*.example.com","strategyId":"structured_data"}]},"allowlist":["*.example.com"]}`,
			},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*settingsReq)
		if r.Settings != nil {
			return s.PutSettings(ctx, *r.Settings)
		}
		return s.Settings(ctx)
	}
	s.register(srv, tool, endpoint, kit.DecodeArgs[settingsReq]())
}
