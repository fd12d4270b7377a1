// Package navigation keeps the control UI's tab and base path in sync with
// the browser location through an injected Port.
package navigation

import (
	"context"
	"strings"
)

// Location is the addressable part of the current URL.
type Location struct {
	Pathname string `json:"pathname"`
	Search   string `json:"search"`
	// Origin is scheme://host[:port]; empty when the port has no notion of one.
	Origin string `json:"origin,omitempty"`
	// Hash is the fragment including its leading "#", or empty.
	Hash string `json:"hash,omitempty"`
}

// URL returns pathname and search joined, without the origin or fragment.
func (l Location) URL() string {
	return l.Pathname + l.Search
}

// HistoryURL is URL with the fragment appended: the form written back to
// history when only the query changes.
func (l Location) HistoryURL() string {
	return l.URL() + l.Hash
}

// SetOptions controls how SetLocation updates history.
type SetOptions struct {
	// Push adds a history entry; otherwise the current entry is replaced.
	Push bool
}

// Port is the controller's view of the browser: reading the location,
// rewriting it without a reload, and hearing about history traversal.
type Port interface {
	Location(ctx context.Context) (Location, error)
	// SetLocation accepts "path?query#fragment". It must not trigger the location
	// change callbacks (pushState semantics).
	SetLocation(ctx context.Context, path string, opts SetOptions) error
	// OnLocationChange registers fn for back/forward traversal.
	OnLocationChange(fn func(Location)) (unsubscribe func())
}

// ParseLocation splits "path?query#fragment" into a Location.
func ParseLocation(raw string) Location {
	var hash string
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		raw, hash = raw[:i], raw[i:]
	}
	if hash == "#" {
		hash = ""
	}
	loc := Location{Pathname: raw, Hash: hash}
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		loc.Pathname = raw[:i]
		loc.Search = raw[i:]
	}
	if loc.Pathname == "" {
		loc.Pathname = "/"
	}
	if loc.Search == "?" {
		loc.Search = ""
	}
	return loc
}
