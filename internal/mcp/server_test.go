package mcp

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"testing"

	"controlnav/internal/browser"
	"controlnav/internal/config"
	"controlnav/internal/mangle"
	"controlnav/internal/routing"

	"github.com/mark3labs/mcp-go/mcp"
)

const testSessionID = "session-1"

func setupTestServerConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Name = "test-server"
	cfg.Server.Version = "1.0.0"
	cfg.Mangle = config.MangleConfig{
		Enable:          true,
		SchemaPath:      "../../schemas/navigation.mg",
		FactBufferLimit: 1000,
	}
	return cfg
}

func setupTestEngine(t *testing.T) *mangle.Engine {
	t.Helper()
	engine, err := mangle.NewEngine(setupTestServerConfig().Mangle)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return engine
}

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := setupTestServerConfig()
	engine := setupTestEngine(t)
	sessions := browser.NewSessionManager(browser.Options{Browser: cfg.Browser, Sink: engine})
	server, err := NewServer(cfg, sessions, engine)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return server
}

func TestNewServer(t *testing.T) {
	server := setupTestServer(t)

	want := []string{
		"await-fact",
		"click-nav-item",
		"close-session",
		"evaluate-rule",
		"get-navigation-state",
		"history-back",
		"history-forward",
		"launch-browser",
		"list-sessions",
		"list-tabs",
		"open-control-ui",
		"read-facts",
		"resolve-route",
		"shutdown-browser",
	}
	got := make([]string, 0, len(server.tools))
	for name := range server.tools {
		got = append(got, name)
	}
	sort.Strings(got)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("unexpected tool set:\n got %v\nwant %v", got, want)
	}

	for name, tool := range server.tools {
		if tool.Description() == "" {
			t.Errorf("tool %s has no description", name)
		}
		schema := tool.InputSchema()
		if schema["type"] != "object" {
			t.Errorf("tool %s schema type = %v", name, schema["type"])
		}
		if _, err := json.Marshal(schema); err != nil {
			t.Errorf("tool %s schema does not marshal: %v", name, err)
		}
	}
}

func TestNewServerRejectsBadNavigation(t *testing.T) {
	engine := setupTestEngine(t)
	sessions := browser.NewSessionManager(browser.Options{})

	cfg := setupTestServerConfig()
	cfg.Navigation.Fallback = "sideways"
	if _, err := NewServer(cfg, sessions, engine); err == nil {
		t.Error("expected error for unknown fallback")
	}

	cfg = setupTestServerConfig()
	cfg.Navigation.Tabs = []routing.Tab{{ID: "chat"}}
	cfg.Navigation.DefaultTab = "logs"
	if _, err := NewServer(cfg, sessions, engine); err == nil {
		t.Error("expected error for unknown default tab")
	}
}

func TestExecuteTool(t *testing.T) {
	server := setupTestServer(t)

	if _, err := server.ExecuteTool(context.Background(), "nope", nil); err == nil {
		t.Error("expected error for unknown tool")
	}

	result, err := server.ExecuteTool(context.Background(), "list-sessions", nil)
	if err != nil {
		t.Fatalf("list-sessions failed: %v", err)
	}
	sessions := result.(map[string]interface{})["sessions"].([]browser.Session)
	if len(sessions) != 0 {
		t.Errorf("expected no sessions, got %d", len(sessions))
	}
}

func TestWrapTool(t *testing.T) {
	server := setupTestServer(t)
	ctx := context.Background()

	call := func(name string, args map[string]interface{}) *mcp.CallToolResult {
		t.Helper()
		req := mcp.CallToolRequest{}
		req.Params.Name = name
		req.Params.Arguments = args
		res, err := server.wrapTool(server.tools[name])(ctx, req)
		if err != nil {
			t.Fatalf("handler returned error: %v", err)
		}
		return res
	}

	t.Run("success payload", func(t *testing.T) {
		res := call("resolve-route", map[string]interface{}{"pathname": "/ui/cron"})
		if res.IsError {
			t.Fatal("expected success")
		}
		text := res.Content[0].(mcp.TextContent).Text
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(text), &payload); err != nil {
			t.Fatalf("payload is not JSON: %v", err)
		}
		if payload["base_path"] != "/ui" || payload["tab"] != "cron" {
			t.Errorf("unexpected payload %v", payload)
		}
	})

	t.Run("tool error", func(t *testing.T) {
		res := call("resolve-route", nil)
		if !res.IsError {
			t.Fatal("expected error result")
		}
		text := res.Content[0].(mcp.TextContent).Text
		if !strings.Contains(text, "pathname is required") {
			t.Errorf("unexpected error text %q", text)
		}
	})
}

func TestMarshalToolPayload(t *testing.T) {
	if got := string(marshalToolPayload("ok", map[string]int{"a": 1})); got != `{"a":1}` {
		t.Errorf("unexpected payload %s", got)
	}

	got := string(marshalToolPayload("bad", map[string]float64{"x": math.NaN()}))
	if !strings.Contains(got, `"success":false`) || !strings.Contains(got, "non-serializable") {
		t.Errorf("expected fallback payload, got %s", got)
	}
}
