package routing

import (
	"fmt"
	"strings"
)

// State is the navigation state derived from a location.
type State struct {
	BasePath string `json:"base_path"`
	Tab      string `json:"tab"`
}

// Fallback selects the base path reported when no known tab matches.
type Fallback int

const (
	// FallbackWholePath treats the whole unmatched path as the mount prefix,
	// so "/ui/" resolves to base "/ui" on the default tab.
	FallbackWholePath Fallback = iota
	// FallbackEmpty reports the UI as root-mounted.
	FallbackEmpty
)

func (f Fallback) String() string {
	switch f {
	case FallbackEmpty:
		return "empty"
	default:
		return "path"
	}
}

// ParseFallback accepts "path" (or "") and "empty".
func ParseFallback(value string) (Fallback, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "path", "whole_path":
		return FallbackWholePath, nil
	case "empty", "root":
		return FallbackEmpty, nil
	default:
		return FallbackWholePath, fmt.Errorf("unknown base path fallback %q (want path or empty)", value)
	}
}

// Resolver maps pathnames to navigation state. The zero value uses the
// builtin tabs and FallbackWholePath.
type Resolver struct {
	Tabs     *TabSet
	Fallback Fallback
}

// Resolve is shorthand for Resolver{Tabs: tabs}.Resolve.
func Resolve(pathname, override string, tabs *TabSet) State {
	return Resolver{Tabs: tabs}.Resolve(pathname, override)
}

// Resolve derives the base path and tab for pathname. A non-empty override
// is used verbatim as the base path. Unknown paths fall back to the default
// tab; Resolve never fails.
func (r Resolver) Resolve(pathname, override string) State {
	state, _ := r.Match(pathname, override)
	return state
}

// Match is Resolve that also reports whether a known tab matched. The
// second result is false when the default tab was substituted, or when the
// override does not prefix pathname.
func (r Resolver) Match(pathname, override string) (State, bool) {
	tabs := r.tabSet()
	path := trimIndexDocument(NormalizePath(pathname))

	if base := NormalizeBasePath(override); base != "" {
		_, prefixed := stripBase(path, base)
		tab, ok := TabFromPath(path, base, tabs)
		if !ok {
			return State{BasePath: base, Tab: tabs.Default()}, false
		}
		return State{BasePath: base, Tab: tab.ID}, prefixed
	}

	segments := splitSegments(path)
	for i := range segments {
		candidate := "/" + strings.Join(segments[i:], "/")
		if tab, ok := tabs.byTabPath(candidate); ok {
			return State{BasePath: joinSegments(segments[:i]), Tab: tab.ID}, true
		}
	}

	state := State{Tab: tabs.Default()}
	if r.Fallback == FallbackWholePath {
		state.BasePath = joinSegments(segments)
	}
	return state, path == "/"
}

// InferBasePath returns the mount prefix implied by pathname using the
// longest trailing tab match.
func InferBasePath(pathname string, tabs *TabSet) string {
	return Resolver{Tabs: tabs}.Resolve(pathname, "").BasePath
}

// TabFromPath returns the tab addressed by pathname under basePath. The
// base path root (and "/index.html") maps to the default tab. When basePath
// does not prefix pathname the full path is looked up instead.
func TabFromPath(pathname, basePath string, tabs *TabSet) (Tab, bool) {
	if tabs == nil {
		tabs = DefaultTabSet()
	}
	path := trimIndexDocument(NormalizePath(pathname))
	rel, _ := stripBase(path, NormalizeBasePath(basePath))
	rel = trimIndexDocument(NormalizePath(rel))
	if rel == "/" {
		return tabs.Lookup(tabs.Default())
	}
	return tabs.byTabPath(rel)
}

func (r Resolver) tabSet() *TabSet {
	if r.Tabs != nil {
		return r.Tabs
	}
	return DefaultTabSet()
}

func joinSegments(segments []string) string {
	if len(segments) == 0 {
		return ""
	}
	return "/" + strings.Join(segments, "/")
}
