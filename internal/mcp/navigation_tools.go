package mcp

import (
	"context"
	"fmt"

	"controlnav/internal/browser"
	"controlnav/internal/navigation"
	"controlnav/internal/routing"
)

func sessionArg(sessions *browser.SessionManager, args map[string]interface{}) (string, *navigation.Controller, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return "", nil, fmt.Errorf("session_id is required")
	}
	ctrl, ok := sessions.Controller(sessionID)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", browser.ErrUnknownSession, sessionID)
	}
	return sessionID, ctrl, nil
}

func sessionIDSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": "Control UI session id from open-control-ui",
	}
}

// navEntries renders the navigation rail for state: every tab with its href
// under the current base path and whether it is active.
func navEntries(tabs *routing.TabSet, state routing.State) []map[string]interface{} {
	entries := make([]map[string]interface{}, 0, len(tabs.Tabs()))
	for _, tab := range tabs.Tabs() {
		entries = append(entries, map[string]interface{}{
			"id":     tab.ID,
			"title":  tab.Title,
			"href":   routing.PathForTab(tab, state.BasePath),
			"active": tab.ID == state.Tab,
		})
	}
	return entries
}

type GetNavigationStateTool struct {
	sessions *browser.SessionManager
}

func (t *GetNavigationStateTool) Name() string { return "get-navigation-state" }
func (t *GetNavigationStateTool) Description() string {
	return `Read the current navigation state of a control UI session.

Returns: {session_id, state: {base_path, tab}, location: {pathname, search, origin},
hydrated, token_hydrated, nav: [{id, title, href, active}]}

The bootstrap token is reported only as token_hydrated, never by value.`
}
func (t *GetNavigationStateTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionIDSchema(),
		},
		"required": []string{"session_id"},
	}
}
func (t *GetNavigationStateTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID, ctrl, err := sessionArg(t.sessions, args)
	if err != nil {
		return nil, err
	}

	state := ctrl.CurrentState()
	return map[string]interface{}{
		"session_id":     sessionID,
		"state":          state,
		"location":       ctrl.Location(),
		"hydrated":       ctrl.Hydrated(),
		"token_hydrated": ctrl.Settings().HasToken(),
		"nav":            navEntries(ctrl.Tabs(), state),
	}, nil
}

type ClickNavItemTool struct {
	sessions *browser.SessionManager
}

func (t *ClickNavItemTool) Name() string { return "click-nav-item" }
func (t *ClickNavItemTool) Description() string {
	return `Activate a navigation link in a control UI session as a user click would.

A plain primary click on a known tab under the current base path is handled
in-app: history gets a new entry and the tab changes without a reload.
Modifier keys, non-primary buttons or a target other than _self leave the
click to the browser. Plain clicks that leave the app trigger a full load.

Returns: {intercepted, navigated, state: {base_path, tab}, url}`
}
func (t *ClickNavItemTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionIDSchema(),
			"href": map[string]interface{}{
				"type":        "string",
				"description": "Link href, relative or absolute (e.g. /ui/cron)",
			},
			"button": map[string]interface{}{
				"type":        "integer",
				"description": "Mouse button, 0 is primary (default 0)",
			},
			"ctrl":   map[string]interface{}{"type": "boolean"},
			"meta":   map[string]interface{}{"type": "boolean"},
			"shift":  map[string]interface{}{"type": "boolean"},
			"alt":    map[string]interface{}{"type": "boolean"},
			"target": map[string]interface{}{"type": "string", "description": "Anchor target attribute"},
		},
		"required": []string{"session_id", "href"},
	}
}
func (t *ClickNavItemTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	href := getStringArg(args, "href")
	if href == "" {
		return nil, fmt.Errorf("href is required")
	}

	ev := navigation.ClickEvent{
		Button: getIntArg(args, "button", 0),
		Ctrl:   getBoolArg(args, "ctrl", false),
		Meta:   getBoolArg(args, "meta", false),
		Shift:  getBoolArg(args, "shift", false),
		Alt:    getBoolArg(args, "alt", false),
		Target: getStringArg(args, "target"),
	}
	return t.sessions.ClickNavItem(ctx, sessionID, href, ev)
}

type HistoryBackTool struct {
	sessions *browser.SessionManager
}

func (t *HistoryBackTool) Name() string { return "history-back" }
func (t *HistoryBackTool) Description() string {
	return `Go back one history entry in a control UI session and wait for the
navigation state to be re-resolved.

Returns: {cause, from, to, url}`
}
func (t *HistoryBackTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionIDSchema(),
		},
		"required": []string{"session_id"},
	}
}
func (t *HistoryBackTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	change, err := t.sessions.Back(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return changePayload(change), nil
}

type HistoryForwardTool struct {
	sessions *browser.SessionManager
}

func (t *HistoryForwardTool) Name() string { return "history-forward" }
func (t *HistoryForwardTool) Description() string {
	return `Go forward one history entry in a control UI session and wait for the
navigation state to be re-resolved.

Returns: {cause, from, to, url}`
}
func (t *HistoryForwardTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionIDSchema(),
		},
		"required": []string{"session_id"},
	}
}
func (t *HistoryForwardTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	change, err := t.sessions.Forward(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return changePayload(change), nil
}

func changePayload(ch navigation.Change) map[string]interface{} {
	return map[string]interface{}{
		"cause": ch.Cause,
		"from":  ch.From,
		"to":    ch.To,
		"url":   ch.Location.URL(),
	}
}
