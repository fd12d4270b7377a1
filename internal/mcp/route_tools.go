package mcp

import (
	"context"
	"fmt"

	"controlnav/internal/routing"
)

// ResolveRouteTool runs the base path resolver without a browser.
type ResolveRouteTool struct {
	tabs     *routing.TabSet
	fallback routing.Fallback
	override string
}

func (t *ResolveRouteTool) Name() string { return "resolve-route" }
func (t *ResolveRouteTool) Description() string {
	return `Resolve a control UI pathname into its mount base path and tab.

Pure computation, no browser session needed.

RULES:
- The last path segment names the tab when it matches a known tab
- Everything before that segment is the base path ("/ui/cron" -> base "/ui")
- base_path, when set, is used verbatim as the base path
- Trailing slashes and a trailing index.html are ignored

Returns: {base_path, tab, matched, tab_path}`
}
func (t *ResolveRouteTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"pathname": map[string]interface{}{
				"type":        "string",
				"description": "URL pathname to resolve, e.g. /apps/clawdis/cron",
			},
			"base_path": map[string]interface{}{
				"type":        "string",
				"description": "Optional base path override; defaults to the configured override",
			},
			"fallback": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"path", "empty"},
				"description": "Base path when no tab matches: whole path (default) or empty",
			},
		},
		"required": []string{"pathname"},
	}
}
func (t *ResolveRouteTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	pathname := getStringArg(args, "pathname")
	if pathname == "" {
		return nil, fmt.Errorf("pathname is required")
	}

	override := t.override
	if _, ok := args["base_path"]; ok {
		override = getStringArg(args, "base_path")
	}
	fallback := t.fallback
	if raw := getStringArg(args, "fallback"); raw != "" {
		parsed, err := routing.ParseFallback(raw)
		if err != nil {
			return nil, err
		}
		fallback = parsed
	}

	resolver := routing.Resolver{Tabs: t.tabs, Fallback: fallback}
	state, matched := resolver.Match(pathname, override)

	result := map[string]interface{}{
		"base_path": state.BasePath,
		"tab":       state.Tab,
		"matched":   matched,
	}
	if tab, ok := t.tabs.Lookup(state.Tab); ok {
		result["tab_path"] = routing.PathForTab(tab, state.BasePath)
	}
	return result, nil
}

// ListTabsTool lists the known tabs grouped for navigation.
type ListTabsTool struct {
	tabs *routing.TabSet
}

func (t *ListTabsTool) Name() string { return "list-tabs" }
func (t *ListTabsTool) Description() string {
	return `List the control UI tabs known to the resolver, in navigation order.

Optional base_path returns each tab's href under that mount.

Returns: {default, tabs: [{id, path, title, subtitle, group, href}], groups}`
}
func (t *ListTabsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"base_path": map[string]interface{}{
				"type":        "string",
				"description": "Mount prefix used to build hrefs",
			},
		},
	}
}
func (t *ListTabsTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	base := routing.NormalizeBasePath(getStringArg(args, "base_path"))

	tabs := make([]map[string]interface{}, 0, len(t.tabs.Tabs()))
	for _, tab := range t.tabs.Tabs() {
		tabs = append(tabs, map[string]interface{}{
			"id":       tab.ID,
			"path":     tab.Path,
			"title":    tab.Title,
			"subtitle": tab.Subtitle,
			"group":    tab.Group,
			"href":     routing.PathForTab(tab, base),
		})
	}
	return map[string]interface{}{
		"default": t.tabs.Default(),
		"tabs":    tabs,
		"groups":  t.tabs.Groups(),
	}, nil
}
