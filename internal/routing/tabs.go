// Package routing maps control UI locations to a mount base path and tab.
package routing

import (
	"fmt"
	"strings"
)

// Tab describes one view of the control UI.
type Tab struct {
	ID       string `json:"id" yaml:"id"`
	Path     string `json:"path,omitempty" yaml:"path"`
	Title    string `json:"title,omitempty" yaml:"title"`
	Subtitle string `json:"subtitle,omitempty" yaml:"subtitle"`
	Group    string `json:"group,omitempty" yaml:"group"`
}

// TabSet is an ordered collection of tabs with a default used when a path
// names no known tab.
type TabSet struct {
	tabs       []Tab
	byID       map[string]int
	byPath     map[string]int
	defaultTab string
}

// DefaultTabID is the tab selected when nothing else matches.
const DefaultTabID = "overview"

// BuiltinTabs returns the stock control UI tabs in navigation order.
func BuiltinTabs() []Tab {
	return []Tab{
		{ID: "overview", Title: "Overview", Subtitle: "Gateway status and health", Group: "Control"},
		{ID: "connections", Title: "Connections", Subtitle: "Linked providers and channels", Group: "Control"},
		{ID: "sessions", Title: "Sessions", Subtitle: "Active conversations", Group: "Control"},
		{ID: "cron", Title: "Cron", Subtitle: "Scheduled jobs", Group: "Control"},
		{ID: "chat", Title: "Chat", Subtitle: "Talk to the agent", Group: "Chat"},
	}
}

// DefaultTabSet returns the builtin tabs with overview as default.
func DefaultTabSet() *TabSet {
	set, err := NewTabSet(BuiltinTabs(), DefaultTabID)
	if err != nil {
		panic(err)
	}
	return set
}

// NewTabSet validates tabs and indexes them by id and path. A tab without a
// path is mounted at "/<id>". An empty defaultID selects the first tab.
func NewTabSet(tabs []Tab, defaultID string) (*TabSet, error) {
	if len(tabs) == 0 {
		return nil, fmt.Errorf("at least one tab is required")
	}

	set := &TabSet{
		tabs:   make([]Tab, 0, len(tabs)),
		byID:   make(map[string]int, len(tabs)),
		byPath: make(map[string]int, len(tabs)),
	}
	for _, tab := range tabs {
		id := strings.ToLower(strings.TrimSpace(tab.ID))
		if id == "" {
			return nil, fmt.Errorf("tab id is required")
		}
		if strings.Contains(id, "/") {
			return nil, fmt.Errorf("tab id %q must not contain '/'", tab.ID)
		}
		if _, dup := set.byID[id]; dup {
			return nil, fmt.Errorf("duplicate tab id %q", id)
		}

		tab.ID = id
		if strings.TrimSpace(tab.Path) == "" {
			tab.Path = "/" + id
		}
		tab.Path = NormalizePath(tab.Path)
		if tab.Path == "/" {
			return nil, fmt.Errorf("tab %q cannot be mounted at the base path root", id)
		}
		key := strings.ToLower(tab.Path)
		if _, dup := set.byPath[key]; dup {
			return nil, fmt.Errorf("duplicate tab path %q", tab.Path)
		}
		if tab.Title == "" {
			tab.Title = strings.ToUpper(id[:1]) + id[1:]
		}

		set.byID[id] = len(set.tabs)
		set.byPath[key] = len(set.tabs)
		set.tabs = append(set.tabs, tab)
	}

	defaultID = strings.ToLower(strings.TrimSpace(defaultID))
	if defaultID == "" {
		defaultID = set.tabs[0].ID
	}
	if _, ok := set.byID[defaultID]; !ok {
		return nil, fmt.Errorf("default tab %q is not a known tab", defaultID)
	}
	set.defaultTab = defaultID
	return set, nil
}

// Tabs returns a copy of the tabs in configured order.
func (s *TabSet) Tabs() []Tab {
	out := make([]Tab, len(s.tabs))
	copy(out, s.tabs)
	return out
}

// IDs returns tab ids in configured order.
func (s *TabSet) IDs() []string {
	ids := make([]string, len(s.tabs))
	for i, tab := range s.tabs {
		ids[i] = tab.ID
	}
	return ids
}

// Default returns the default tab id.
func (s *TabSet) Default() string {
	return s.defaultTab
}

// Lookup returns the tab with the given id (case-insensitive).
func (s *TabSet) Lookup(id string) (Tab, bool) {
	idx, ok := s.byID[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return Tab{}, false
	}
	return s.tabs[idx], true
}

// byTabPath matches a normalized, tab-relative path such as "/cron".
func (s *TabSet) byTabPath(path string) (Tab, bool) {
	idx, ok := s.byPath[strings.ToLower(path)]
	if !ok {
		return Tab{}, false
	}
	return s.tabs[idx], true
}

// Groups returns tabs grouped by Group, preserving first-seen group order.
func (s *TabSet) Groups() []TabGroup {
	var groups []TabGroup
	index := make(map[string]int)
	for _, tab := range s.tabs {
		i, ok := index[tab.Group]
		if !ok {
			i = len(groups)
			index[tab.Group] = i
			groups = append(groups, TabGroup{Label: tab.Group})
		}
		groups[i].Tabs = append(groups[i].Tabs, tab.ID)
	}
	return groups
}

// TabGroup is a labelled run of tab ids, as shown in the navigation rail.
type TabGroup struct {
	Label string   `json:"label"`
	Tabs  []string `json:"tabs"`
}
