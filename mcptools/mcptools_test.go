package mcptools

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/persona/applier"
)

var testMCPImpl = &mcp.Implementation{Name: "persona-test", Version: "0.1.0"}

func mcpSession(t *testing.T) *mcp.ClientSession {
	t.Helper()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	tools := New(WithLogger(quiet), WithApplier(applier.New(
		applier.WithTimeout(20*time.Millisecond), applier.WithLogger(quiet))))
	srv := mcp.NewServer(testMCPImpl, nil)
	tools.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	session, err := mcp.NewClient(testMCPImpl, nil).Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args any, out any) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if err := result.GetError(); err != nil {
		t.Fatalf("CallTool(%s) tool error: %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	if err := json.Unmarshal([]byte(tc.Text), out); err != nil {
		t.Fatalf("unmarshal %s: %v", tc.Text, err)
	}
}

func TestMCP_ListTools(t *testing.T) {
	session := mcpSession(t)
	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, tool := range res.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"persona_match_utm", "persona_apply_html", "persona_companion_preview"} {
		if !names[want] {
			t.Errorf("missing tool %s", want)
		}
	}
}

func TestMCP_MatchUTM(t *testing.T) {
	session := mcpSession(t)
	// Both entries match "summer sale" by keyword; the first one listed wins.
	catalog := json.RawMessage(`{
		"summer_promo": {"keywords": ["summer"]},
		"clearance": {"keywords": ["sale"]},
		"default": {}
	}`)
	var resp MatchResult
	callTool(t, session, "persona_match_utm", map[string]any{
		"url":     "https://shop.example/?utm_campaign=summer_sale",
		"catalog": catalog,
	}, &resp)
	if resp.Key != "summer_promo" || resp.Default || resp.UTM.Campaign != "summer_sale" {
		t.Fatalf("resp = %+v", resp)
	}

	callTool(t, session, "persona_match_utm", map[string]any{
		"url":     "https://shop.example/",
		"catalog": catalog,
	}, &resp)
	if resp.Key != "default" || !resp.Default {
		t.Fatalf("no utm: %+v", resp)
	}
}

func TestMCP_ApplyHTML(t *testing.T) {
	session := mcpSession(t)
	var resp struct {
		HTML    string `json:"html"`
		Applied int    `json:"applied"`
		Report  struct {
			Results []struct {
				Kind   string `json:"kind"`
				Status string `json:"status"`
				Reason string `json:"reason"`
			} `json:"results"`
		} `json:"report"`
	}
	callTool(t, session, "persona_apply_html", map[string]any{
		"html": `<html><body><div id="hero"><h1>Welcome</h1></div></body></html>`,
		"url":  "https://shop.example/",
		"variation": map[string]any{
			"content_variations": []map[string]any{
				{"selector": "#hero h1", "original_text": "Welcome", "new_text": "Hello again"},
				{"selector": ".missing", "new_text": "x"},
			},
		},
	}, &resp)
	if resp.Applied != 1 || !strings.Contains(resp.HTML, "Hello again") {
		t.Fatalf("resp = %+v", resp)
	}
	if len(resp.Report.Results) != 2 || resp.Report.Results[1].Status != "skipped" {
		t.Fatalf("results = %+v", resp.Report.Results)
	}
}

func TestMCP_ApplyHTML_MissingHTML(t *testing.T) {
	session := mcpSession(t)
	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "persona_apply_html",
		Arguments: map[string]any{"variation": map[string]any{}},
	})
	if err == nil && !res.IsError {
		t.Fatal("expected an error for missing html")
	}
}

func TestMCP_CompanionPreview(t *testing.T) {
	session := mcpSession(t)
	var resp PreviewResult
	callTool(t, session, "persona_companion_preview", map[string]any{
		"html": `<div><strong>Deal</strong><script>alert(1)</script></div>`,
	}, &resp)
	if strings.Contains(resp.HTML, "script") {
		t.Fatalf("script survived: %s", resp.HTML)
	}
	if !strings.Contains(resp.Markdown, "**Deal**") {
		t.Fatalf("markdown = %q", resp.Markdown)
	}
}
