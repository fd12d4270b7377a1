package navigation

import (
	"context"
	"sync"
)

// MemoryPort is an in-process history stack. SetLocation behaves like
// history.pushState/replaceState; Back and Forward behave like the browser
// buttons and notify listeners.
type MemoryPort struct {
	origin string

	mu        sync.Mutex
	entries   []Location
	index     int
	listeners map[int]func(Location)
	nextID    int
}

// NewMemoryPort starts a history with a single entry for initial
// ("path?query").
func NewMemoryPort(initial, origin string) *MemoryPort {
	loc := ParseLocation(initial)
	loc.Origin = origin
	return &MemoryPort{
		origin:    origin,
		entries:   []Location{loc},
		listeners: make(map[int]func(Location)),
	}
}

func (p *MemoryPort) Location(_ context.Context) (Location, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries[p.index], nil
}

func (p *MemoryPort) SetLocation(_ context.Context, path string, opts SetOptions) error {
	loc := ParseLocation(path)
	loc.Origin = p.origin

	p.mu.Lock()
	defer p.mu.Unlock()
	if !opts.Push {
		p.entries[p.index] = loc
		return nil
	}
	p.entries = append(p.entries[:p.index+1], loc)
	p.index++
	return nil
}

func (p *MemoryPort) OnLocationChange(fn func(Location)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

// Back moves one entry back. It reports false at the start of history.
func (p *MemoryPort) Back() bool {
	return p.traverse(-1)
}

// Forward moves one entry forward. It reports false at the end of history.
func (p *MemoryPort) Forward() bool {
	return p.traverse(1)
}

// Entries returns a copy of the history stack and the current index.
func (p *MemoryPort) Entries() ([]Location, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Location, len(p.entries))
	copy(out, p.entries)
	return out, p.index
}

func (p *MemoryPort) traverse(delta int) bool {
	p.mu.Lock()
	next := p.index + delta
	if next < 0 || next >= len(p.entries) {
		p.mu.Unlock()
		return false
	}
	p.index = next
	loc := p.entries[next]
	listeners := make([]func(Location), 0, len(p.listeners))
	for id := 0; id < p.nextID; id++ {
		if fn, ok := p.listeners[id]; ok {
			listeners = append(listeners, fn)
		}
	}
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(loc)
	}
	return true
}
