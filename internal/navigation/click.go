package navigation

import (
	"net/url"
	"strings"
)

// ClickEvent carries the parts of a DOM mouse event that decide whether a
// link click may be handled in-app.
type ClickEvent struct {
	Button           int    `json:"button"`
	Ctrl             bool   `json:"ctrl,omitempty"`
	Meta             bool   `json:"meta,omitempty"`
	Shift            bool   `json:"shift,omitempty"`
	Alt              bool   `json:"alt,omitempty"`
	Target           string `json:"target,omitempty"`
	DefaultPrevented bool   `json:"default_prevented,omitempty"`
}

// Interceptable reports a plain primary-button click that opens in the
// same browsing context.
func (e ClickEvent) Interceptable() bool {
	if e.DefaultPrevented || e.Button != 0 {
		return false
	}
	if e.Ctrl || e.Meta || e.Shift || e.Alt {
		return false
	}
	target := strings.ToLower(strings.TrimSpace(e.Target))
	return target == "" || target == "_self"
}

// inAppPath resolves href against loc and returns its path when it stays on
// the same origin. Fragment-only and query-only links are not navigation
// between tabs.
func inAppPath(href string, loc Location) (string, bool) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil || ref.Opaque != "" {
		return "", false
	}
	if ref.Scheme != "" || ref.Host != "" {
		if loc.Origin == "" {
			return "", false
		}
		origin, err := url.Parse(loc.Origin)
		if err != nil {
			return "", false
		}
		scheme := ref.Scheme
		if scheme == "" {
			scheme = origin.Scheme
		}
		if !strings.EqualFold(scheme, origin.Scheme) || !strings.EqualFold(ref.Host, origin.Host) {
			return "", false
		}
	}
	if ref.Path == "" {
		return "", false
	}
	if strings.HasPrefix(ref.Path, "/") {
		return ref.Path, true
	}
	base := &url.URL{Path: loc.Pathname}
	return base.ResolveReference(&url.URL{Path: ref.Path}).Path, true
}

func underBase(path, base string) bool {
	if base == "" {
		return true
	}
	return path == base || strings.HasPrefix(path, base+"/")
}

// extractQueryParam removes every occurrence of name from search, keeping
// the order of the remaining pairs. The first value wins.
func extractQueryParam(search, name string) (rest, value string, found bool) {
	raw := strings.TrimPrefix(search, "?")
	if raw == "" {
		return "", "", false
	}

	kept := make([]string, 0, 4)
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		if unescape(k) != name {
			kept = append(kept, pair)
			continue
		}
		if !found {
			value = unescape(v)
			found = true
		}
	}
	if len(kept) > 0 {
		rest = "?" + strings.Join(kept, "&")
	}
	return rest, value, found
}

func unescape(s string) string {
	out, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return out
}
