package navigation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"controlnav/internal/routing"

	"pkt.systems/pslog"
)

var (
	// ErrAlreadyHydrated is returned by a second Hydrate call.
	ErrAlreadyHydrated = errors.New("navigation: controller already hydrated")
	// ErrNotHydrated is returned by operations that need a hydrated controller.
	ErrNotHydrated = errors.New("navigation: controller not hydrated")
)

// DefaultTokenParam is the query parameter carrying the bootstrap token.
const DefaultTokenParam = "token"

// Cause names the event that produced a Change.
type Cause string

const (
	CauseHydrate Cause = "hydrate"
	CauseHistory Cause = "history"
	CauseClick   Cause = "click"
)

// Settings holds values lifted out of the URL during hydration.
type Settings struct {
	// Token is the one-time bootstrap token. It is never serialized.
	Token string `json:"-"`
}

// HasToken reports whether a token was hydrated.
func (s Settings) HasToken() bool {
	return s.Token != ""
}

// Change is published after every state recomputation.
type Change struct {
	From     routing.State `json:"from"`
	To       routing.State `json:"to"`
	Cause    Cause         `json:"cause"`
	Location Location      `json:"location"`
	At       time.Time     `json:"at"`
	// TokenHydrated is set on the hydrate change when a token was lifted.
	TokenHydrated bool `json:"token_hydrated,omitempty"`
}

// TabChanged reports whether the change moved to a different tab.
func (c Change) TabChanged() bool {
	return c.From.Tab != c.To.Tab
}

// Options configures a Controller. Override is read once here and never
// re-read.
type Options struct {
	Tabs       *routing.TabSet
	Override   string
	Fallback   routing.Fallback
	TokenParam string
	Logger     pslog.Logger
}

// Controller binds the resolver to a Port. Navigation events (Hydrate,
// OnHistoryChange, OnNavItemClick) are serialized: each one finishes its
// history write, resolution and listener fan-out before the next starts.
type Controller struct {
	port       Port
	resolver   routing.Resolver
	override   string
	tokenParam string
	log        pslog.Logger

	eventMu sync.Mutex

	mu       sync.RWMutex
	state    routing.State
	location Location
	settings Settings
	hydrated bool
	detach   func()

	listenersMu  sync.Mutex
	listeners    map[int]func(Change)
	nextListener int
}

// New creates a controller. Nothing touches the port until Hydrate.
func New(port Port, opts Options) *Controller {
	tabs := opts.Tabs
	if tabs == nil {
		tabs = routing.DefaultTabSet()
	}
	param := strings.TrimSpace(opts.TokenParam)
	if param == "" {
		param = DefaultTokenParam
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Controller{
		port:       port,
		resolver:   routing.Resolver{Tabs: tabs, Fallback: opts.Fallback},
		override:   routing.NormalizeBasePath(opts.Override),
		tokenParam: param,
		log:        logger,
		listeners:  make(map[int]func(Change)),
	}
}

// Tabs returns the tab set the controller resolves against.
func (c *Controller) Tabs() *routing.TabSet {
	return c.resolver.Tabs
}

// Hydrate reads the current location, lifts the token parameter into
// Settings and strips it from the visible URL, resolves the initial state
// and starts listening for history traversal. It runs once.
func (c *Controller) Hydrate(ctx context.Context) error {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	if c.Hydrated() {
		return ErrAlreadyHydrated
	}

	loc, err := c.port.Location(ctx)
	if err != nil {
		return fmt.Errorf("read location: %w", err)
	}

	var settings Settings
	if search, value, found := extractQueryParam(loc.Search, c.tokenParam); found {
		settings.Token = strings.TrimSpace(value)
		loc.Search = search
		if err := c.port.SetLocation(ctx, loc.HistoryURL(), SetOptions{Push: false}); err != nil {
			return fmt.Errorf("strip %s parameter: %w", c.tokenParam, err)
		}
		c.log.Info("navigation token hydrated", "param", c.tokenParam, "present", settings.HasToken())
	}

	state, matched := c.resolver.Match(loc.Pathname, c.override)
	if !matched {
		if c.override != "" {
			c.log.Warn("navigation base path override does not address a known tab",
				"override", c.override, "pathname", loc.Pathname, "tab", state.Tab)
		} else {
			c.log.Debug("navigation path matched no tab", "pathname", loc.Pathname, "tab", state.Tab)
		}
	}

	c.mu.Lock()
	c.state = state
	c.location = loc
	c.settings = settings
	c.hydrated = true
	c.mu.Unlock()

	detach := c.port.OnLocationChange(c.OnHistoryChange)
	c.mu.Lock()
	c.detach = detach
	c.mu.Unlock()

	c.log.Info("navigation hydrated", "base_path", state.BasePath, "tab", state.Tab)
	c.publish(Change{
		To:            state,
		Cause:         CauseHydrate,
		Location:      loc,
		At:            time.Now(),
		TokenHydrated: settings.HasToken(),
	})
	return nil
}

// OnHistoryChange re-resolves after back/forward traversal. Calls before
// Hydrate are ignored.
func (c *Controller) OnHistoryChange(loc Location) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	if !c.Hydrated() {
		return
	}

	state := c.resolver.Resolve(loc.Pathname, c.override)
	prev := c.commit(state, loc)
	c.log.Debug("navigation history change", "pathname", loc.Pathname, "tab", state.Tab)
	c.publish(Change{From: prev, To: state, Cause: CauseHistory, Location: loc, At: time.Now()})
}

// OnNavItemClick handles activation of an in-app anchor. It reports true
// when the click was intercepted: the caller must then suppress the default
// navigation. Modified or non-primary clicks, non-self targets and links
// leaving the app are left alone.
func (c *Controller) OnNavItemClick(ctx context.Context, href string, ev ClickEvent) (bool, error) {
	if !ev.Interceptable() {
		return false, nil
	}

	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	if !c.Hydrated() {
		return false, ErrNotHydrated
	}

	current := c.CurrentState()
	loc := c.Location()

	path, ok := inAppPath(href, loc)
	if !ok || !underBase(path, current.BasePath) {
		return false, nil
	}
	tab, ok := routing.TabFromPath(path, current.BasePath, c.resolver.Tabs)
	if !ok {
		return false, nil
	}

	next := Location{
		Pathname: routing.PathForTab(tab, current.BasePath),
		Search:   loc.Search,
		Origin:   loc.Origin,
	}
	// The href's own query and fragment are dropped; the current query
	// carries over to the new tab.
	if next.URL() == loc.URL() {
		next = loc
	} else if err := c.port.SetLocation(ctx, next.URL(), SetOptions{Push: true}); err != nil {
		return false, fmt.Errorf("push %s: %w", next.Pathname, err)
	}

	state := c.resolver.Resolve(next.Pathname, current.BasePath)
	prev := c.commit(state, next)
	c.log.Debug("navigation click", "href", href, "from", prev.Tab, "to", state.Tab)
	c.publish(Change{From: prev, To: state, Cause: CauseClick, Location: next, At: time.Now()})
	return true, nil
}

// CurrentState returns the last published state.
func (c *Controller) CurrentState() routing.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Location returns the location the current state was derived from.
func (c *Controller) Location() Location {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.location
}

// Settings returns the hydrated settings.
func (c *Controller) Settings() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// Hydrated reports whether Hydrate has completed.
func (c *Controller) Hydrated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hydrated
}

// Subscribe registers fn for every published Change. Listeners run
// synchronously, in subscription order, and must not call back into the
// controller's navigation methods.
func (c *Controller) Subscribe(fn func(Change)) (unsubscribe func()) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		delete(c.listeners, id)
	}
}

// Close stops listening to the port.
func (c *Controller) Close() {
	c.mu.Lock()
	detach := c.detach
	c.detach = nil
	c.mu.Unlock()
	if detach != nil {
		detach()
	}
}

func (c *Controller) commit(state routing.State, loc Location) routing.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.state
	c.state = state
	c.location = loc
	return prev
}

func (c *Controller) publish(change Change) {
	c.listenersMu.Lock()
	fns := make([]func(Change), 0, len(c.listeners))
	for id := 0; id < c.nextListener; id++ {
		if fn, ok := c.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	c.listenersMu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}
