// Package mcptools exposes the matcher, the offline applier and the
// companion sanitizer as MCP tools.
package mcptools

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/persona/applier"
	"github.com/hazyhaar/persona/companion"
	"github.com/hazyhaar/persona/dom"
	"github.com/hazyhaar/persona/kit"
	"github.com/hazyhaar/persona/utm"
	"github.com/hazyhaar/persona/variation"
)

// DefaultCallTimeout bounds one tool call.
const DefaultCallTimeout = 30 * time.Second

// Tools holds the dependencies of the persona MCP tools.
type Tools struct {
	applier *applier.Applier
	policy  *bluemonday.Policy
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures Tools.
type Option func(*Tools)

// WithApplier sets the applier used by persona_apply_html.
func WithApplier(a *applier.Applier) Option {
	return func(t *Tools) { t.applier = a }
}

// WithPolicy sets the sanitizer used by persona_companion_preview.
func WithPolicy(p *bluemonday.Policy) Option {
	return func(t *Tools) { t.policy = p }
}

// WithCallTimeout bounds each call. Default: 30s.
func WithCallTimeout(d time.Duration) Option {
	return func(t *Tools) { t.timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tools) { t.logger = l }
}

// New returns the tool set.
func New(opts ...Option) *Tools {
	t := &Tools{timeout: DefaultCallTimeout}
	for _, fn := range opts {
		fn(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	if t.applier == nil {
		t.applier = applier.New(applier.WithLogger(t.logger))
	}
	if t.policy == nil {
		t.policy = companion.DefaultPolicy()
	}
	if t.timeout <= 0 {
		t.timeout = DefaultCallTimeout
	}
	return t
}

// RegisterMCP registers every tool on srv.
func (t *Tools) RegisterMCP(srv *mcp.Server) {
	t.registerMatchTool(srv)
	t.registerApplyTool(srv)
	t.registerPreviewTool(srv)
}

func (t *Tools) wrap(name string, e kit.Endpoint) kit.Endpoint {
	return kit.Chain(kit.Recovery(t.logger), kit.Logging(t.logger, name), kit.Timeout(t.timeout))(e)
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

// --- match ---

type matchReq struct {
	URL     string            `json:"url"`
	Catalog variation.Catalog `json:"catalog"`
}

// MatchResult is the persona_match_utm response.
type MatchResult struct {
	Key     string      `json:"key"`
	Default bool        `json:"default"`
	UTM     utm.Context `json:"utm"`
}

// Match returns the catalog key selected for pageURL.
func (t *Tools) Match(_ context.Context, pageURL string, catalog variation.Catalog) MatchResult {
	c := utm.FromURL(pageURL)
	key := utm.Match(c, catalog)
	return MatchResult{Key: key, Default: key == variation.DefaultKey, UTM: c}
}

func (t *Tools) registerMatchTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "persona_match_utm",
		Description: "Select the variation key a page URL's UTM parameters map to in a catalog (\"default\" when none matches).",
		InputSchema: inputSchema(map[string]any{
			"url":     map[string]any{"type": "string", "description": "Page URL including its query string"},
			"catalog": map[string]any{"type": "object", "description": "Variation catalog: key -> {keywords, variation}, in priority order"},
		}, []string{"url", "catalog"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*matchReq)
		if r.URL == "" {
			return nil, errors.New("url is required")
		}
		return t.Match(ctx, r.URL, r.Catalog), nil
	}

	kit.RegisterMCPTool(srv, tool, t.wrap(tool.Name, endpoint), kit.DecodeJSON[matchReq]())
}

// --- apply ---

type applyReq struct {
	HTML      string               `json:"html"`
	URL       string               `json:"url"`
	Variation *variation.Variation `json:"variation"`
}

// ApplyResult is the persona_apply_html response.
type ApplyResult struct {
	HTML    string         `json:"html"`
	Applied int            `json:"applied"`
	Report  applier.Report `json:"report"`
}

// ApplyHTML applies v to a parsed copy of page and returns the result.
func (t *Tools) ApplyHTML(ctx context.Context, page, pageURL string, v *variation.Variation) (ApplyResult, error) {
	doc, err := dom.ParseString(page, pageURL)
	if err != nil {
		return ApplyResult{}, err
	}
	rep := t.applier.ApplyVariation(ctx, doc, v)
	return ApplyResult{HTML: doc.String(), Applied: rep.Applied(), Report: rep}, nil
}

func (t *Tools) registerApplyTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "persona_apply_html",
		Description: "Apply a variation (content, CTA, layout, style changes) to an HTML page and return the mutated HTML with per-change results.",
		InputSchema: inputSchema(map[string]any{
			"html":      map[string]any{"type": "string", "description": "Full HTML document"},
			"url":       map[string]any{"type": "string", "description": "Page URL the document was served from"},
			"variation": map[string]any{"type": "object", "description": "Variation with content_variations, cta_variations, layout_changes, style_emphasis"},
		}, []string{"html", "variation"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*applyReq)
		if r.HTML == "" {
			return nil, errors.New("html is required")
		}
		return t.ApplyHTML(ctx, r.HTML, r.URL, r.Variation)
	}

	kit.RegisterMCPTool(srv, tool, t.wrap(tool.Name, endpoint), kit.DecodeJSON[applyReq]())
}

// --- companion preview ---

type previewReq struct {
	HTML string `json:"html"`
}

// PreviewResult is the persona_companion_preview response.
type PreviewResult struct {
	HTML     string `json:"html"`
	Markdown string `json:"markdown"`
}

// Preview sanitizes a companion fragment the way the controller would
// before inserting it, and renders it as Markdown.
func (t *Tools) Preview(fragment string) (PreviewResult, error) {
	clean := t.policy.Sanitize(fragment)
	md, err := companion.ToMarkdown(clean)
	if err != nil {
		return PreviewResult{}, err
	}
	return PreviewResult{HTML: clean, Markdown: md}, nil
}

func (t *Tools) registerPreviewTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "persona_companion_preview",
		Description: "Sanitize a visual companion HTML fragment and render it as Markdown.",
		InputSchema: inputSchema(map[string]any{
			"html": map[string]any{"type": "string", "description": "HTML fragment returned by the visual companion endpoint"},
		}, []string{"html"}),
	}

	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(*previewReq)
		return t.Preview(r.HTML)
	}

	kit.RegisterMCPTool(srv, tool, t.wrap(tool.Name, endpoint), kit.DecodeJSON[previewReq]())
}
