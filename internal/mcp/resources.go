package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	resourceMIMEJSON = "application/json"
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"controlnav://about",
			"controlnav About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Server info and navigation model notes."),
		),
		s.handleAboutResource,
	)

	s.mcpServer.AddResource(
		mcp.NewResource(
			"controlnav://tabs",
			"Control UI Tabs",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Known tabs, their groups and the default tab."),
		),
		s.handleTabsResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"controlnav://session/{sessionId}/facts{?predicate,limit}",
			"Session Navigation Facts",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Recent navigation facts for one session, optionally filtered by predicate."),
		),
		s.handleSessionFactsResource,
	)
}

func jsonResource(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonResource(request.Params.URI, map[string]interface{}{
		"name":     s.cfg.Server.Name,
		"version":  s.cfg.Server.Version,
		"fallback": s.fallback.String(),
		"override": s.cfg.Navigation.BasePathOverride,
		"notes": []string{
			"The last path segment names the tab; everything before it is the base path.",
			"The token query parameter is read once at hydration and removed from the URL.",
			"Use resolve-route for pure resolution and open-control-ui for a live page.",
		},
		"timestamp_ms": time.Now().UnixMilli(),
	})
}

func (s *Server) handleTabsResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonResource(request.Params.URI, map[string]interface{}{
		"default": s.tabs.Default(),
		"tabs":    s.tabs.Tabs(),
		"groups":  s.tabs.Groups(),
	})
}

func (s *Server) handleSessionFactsResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	if s.engine == nil {
		return nil, fmt.Errorf("mangle engine unavailable")
	}

	sessionID := argString(request.Params.Arguments["sessionId"])
	if sessionID == "" {
		return nil, fmt.Errorf("missing sessionId")
	}
	predicate := argString(request.Params.Arguments["predicate"])
	limit := clampLimit(asInt(request.Params.Arguments["limit"]), defaultFactLimit, maxFactLimit)

	source := s.engine.Facts()
	if predicate != "" {
		source = s.engine.FactsByPredicate(predicate)
	}
	facts := recentFacts(source, sessionID, limit)

	return jsonResource(request.Params.URI, map[string]interface{}{
		"session_id": sessionID,
		"predicate":  predicate,
		"limit":      limit,
		"count":      len(facts),
		"facts":      facts,
	})
}
