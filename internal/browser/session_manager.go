package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"controlnav/internal/config"
	"controlnav/internal/mangle"
	"controlnav/internal/navigation"
	"controlnav/internal/routing"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"pkt.systems/pslog"
)

var (
	ErrNotConnected   = errors.New("browser not connected")
	ErrUnknownSession = errors.New("unknown session")
)

// Session describes the public metadata for a tracked control UI page.
type Session struct {
	ID            string    `json:"id"`
	TargetID      string    `json:"target_id,omitempty"`
	URL           string    `json:"url,omitempty"`
	BasePath      string    `json:"base_path"`
	Tab           string    `json:"tab"`
	Hydrations    int       `json:"hydrations"`
	TokenHydrated bool      `json:"token_hydrated"`
	Status        string    `json:"status,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastActive    time.Time `json:"last_active"`
	TracePath     string    `json:"trace_path,omitempty"`
}

// ClickResult reports what a simulated nav item click did.
type ClickResult struct {
	Intercepted bool          `json:"intercepted"`
	Navigated   bool          `json:"navigated"`
	State       routing.State `json:"state"`
	URL         string        `json:"url"`
}

// EngineSink defines the minimal interface we need from the logic layer.
type EngineSink interface {
	AddFacts(ctx context.Context, facts []mangle.Fact) error
}

// Tracer records per-session navigation traces.
type Tracer interface {
	Start(sessionID string) (string, error)
	Log(eventType, sessionID string, data interface{}) error
	End(sessionID string) error
}

// Options configures a SessionManager. Sink, Tracer and Logger are optional.
type Options struct {
	Browser    config.BrowserConfig
	Navigation navigation.Options
	Sink       EngineSink
	Tracer     Tracer
	Logger     pslog.Logger
}

type sessionRecord struct {
	meta        Session
	page        *rod.Page
	port        *PagePort
	ctrl        *navigation.Controller
	unsubscribe func()
	stopEvents  context.CancelFunc
	waiters     []chan navigation.Change
}

// SessionManager owns the browser connection and one navigation controller
// per tracked page.
type SessionManager struct {
	cfg    config.BrowserConfig
	nav    navigation.Options
	sink   EngineSink
	tracer Tracer
	log    pslog.Logger

	mu         sync.RWMutex
	browser    *rod.Browser
	sessions   map[string]*sessionRecord
	controlURL string
}

func NewSessionManager(opts Options) *SessionManager {
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &SessionManager{
		cfg:      opts.Browser,
		nav:      opts.Navigation,
		sink:     opts.Sink,
		tracer:   opts.Tracer,
		log:      logger,
		sessions: make(map[string]*sessionRecord),
	}
}

// Tabs returns the tab set new controllers resolve against.
func (m *SessionManager) Tabs() *routing.TabSet {
	if m.nav.Tabs == nil {
		return routing.DefaultTabSet()
	}
	return m.nav.Tabs
}

// Start connects to an existing Chrome or launches a new one using Rod's launcher.
func (m *SessionManager) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		m.log.Warn("stale browser connection, reconnecting", "control_url", m.controlURL)
		_ = m.browser.Close()
		m.browser = nil
		m.controlURL = ""
		m.dropSessionsLocked()
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" {
		launched, err := m.launch()
		if err != nil {
			return err
		}
		controlURL = launched
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = browser
	m.controlURL = controlURL
	m.log.Info("browser connected", "control_url", controlURL)
	return nil
}

func (m *SessionManager) launch() (string, error) {
	launch := launcher.New().Headless(m.cfg.IsHeadless())
	if len(m.cfg.Launch) > 0 {
		launch = launch.Bin(m.cfg.Launch[0])
		for _, rawFlag := range m.cfg.Launch[1:] {
			name, val, hasVal := strings.Cut(strings.TrimLeft(rawFlag, "-"), "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
	}
	controlURL, err := launch.Launch()
	if err != nil {
		return "", fmt.Errorf("launch chrome: %w", err)
	}
	return controlURL, nil
}

// ControlURL returns the WebSocket debugger URL for the connected browser.
func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// IsConnected returns whether the browser is currently connected.
func (m *SessionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Shutdown closes tracked pages and the underlying browser.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dropSessionsLocked()

	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	m.controlURL = ""
	m.log.Info("browser shutdown complete")
	return err
}

func (m *SessionManager) dropSessionsLocked() {
	for id, rec := range m.sessions {
		m.releaseRecord(id, rec)
		if rec.page != nil {
			_ = rec.page.Close()
		}
		delete(m.sessions, id)
	}
}

func (m *SessionManager) releaseRecord(id string, rec *sessionRecord) {
	if rec.stopEvents != nil {
		rec.stopEvents()
	}
	if rec.unsubscribe != nil {
		rec.unsubscribe()
	}
	if rec.ctrl != nil {
		rec.ctrl.Close()
	}
	if rec.port != nil {
		_ = rec.port.Close()
	}
	if m.tracer != nil {
		_ = m.tracer.End(id)
	}
}

// List returns metadata for all known sessions, oldest first.
func (m *SessionManager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		results = append(results, rec.meta)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	return results
}

// GetSession returns the current session metadata when available.
func (m *SessionManager) GetSession(sessionID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return rec.meta, true
}

// Controller returns the navigation controller currently bound to a session.
// A full document load replaces it.
func (m *SessionManager) Controller(sessionID string) (*navigation.Controller, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok || rec.ctrl == nil {
		return nil, false
	}
	return rec.ctrl, true
}

// Port returns the page port of a session.
func (m *SessionManager) Port(sessionID string) (*PagePort, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return rec.port, true
}

// OpenSession loads rawURL in a fresh incognito page and hydrates a
// navigation controller against it. Later full document loads re-hydrate.
func (m *SessionManager) OpenSession(ctx context.Context, rawURL string) (*Session, error) {
	m.mu.RLock()
	browser := m.browser
	m.mu.RUnlock()
	if browser == nil {
		return nil, ErrNotConnected
	}

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
	}).Call(page); err != nil {
		m.log.Warn("set viewport failed", "error", err)
	}

	port, err := NewPagePort(page, m.cfg.GetPortTimeout())
	if err != nil {
		_ = page.Close()
		return nil, err
	}

	nav := page.Context(ctx).Timeout(m.cfg.NavigationTimeout())
	if err := nav.Navigate(rawURL); err != nil {
		_ = port.Close()
		_ = page.Close()
		return nil, fmt.Errorf("navigate to %s: %w", redactURL(rawURL), err)
	}
	if err := nav.WaitLoad(); err != nil {
		m.log.Warn("page load did not complete", "url", redactURL(rawURL), "error", err)
	}

	id := uuid.NewString()
	now := time.Now()
	rec := &sessionRecord{
		meta: Session{
			ID:         id,
			TargetID:   string(page.TargetID),
			Status:     "active",
			CreatedAt:  now,
			LastActive: now,
		},
		page: page,
		port: port,
	}
	if m.tracer != nil {
		if path, err := m.tracer.Start(id); err != nil {
			m.log.Warn("trace start failed", "session", id, "error", err)
		} else {
			rec.meta.TracePath = path
		}
	}

	m.mu.Lock()
	m.sessions[id] = rec
	m.mu.Unlock()

	if err := m.hydrate(ctx, id); err != nil {
		_ = m.CloseSession(id)
		return nil, err
	}

	port.OnClick(func(href string, ev navigation.ClickEvent) {
		m.handlePageClick(id, href, ev)
	})
	m.startEventStream(id, page)

	meta, _ := m.GetSession(id)
	m.log.Info("control ui session opened", "session", id, "base_path", meta.BasePath, "tab", meta.Tab)
	return &meta, nil
}

// CloseSession closes the page of a session and stops tracking it.
func (m *SessionManager) CloseSession(sessionID string) error {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	m.releaseRecord(sessionID, rec)
	if rec.page != nil {
		return rec.page.Close()
	}
	return nil
}

// ClickNavItem activates href in a session as if the user clicked a nav
// anchor. An intercepted click updates history in place. A plain click the
// controller leaves alone performs a full load and waits for re-hydration.
func (m *SessionManager) ClickNavItem(ctx context.Context, sessionID, href string, ev navigation.ClickEvent) (ClickResult, error) {
	ctrl, ok := m.Controller(sessionID)
	if !ok {
		return ClickResult{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	port, _ := m.Port(sessionID)

	intercepted, err := ctrl.OnNavItemClick(ctx, href, ev)
	if err != nil {
		return ClickResult{}, err
	}
	if intercepted {
		return m.clickResult(sessionID, true, true), nil
	}
	if !ev.Interceptable() {
		return m.clickResult(sessionID, false, false), nil
	}

	if _, err := m.waitForChange(ctx, sessionID, func() error {
		return port.Assign(ctx, href)
	}); err != nil {
		return ClickResult{}, err
	}
	return m.clickResult(sessionID, false, true), nil
}

func (m *SessionManager) clickResult(sessionID string, intercepted, navigated bool) ClickResult {
	res := ClickResult{Intercepted: intercepted, Navigated: navigated}
	if ctrl, ok := m.Controller(sessionID); ok {
		res.State = ctrl.CurrentState()
		res.URL = ctrl.Location().URL()
	}
	return res
}

// Back traverses one history entry backwards and returns the resulting change.
func (m *SessionManager) Back(ctx context.Context, sessionID string) (navigation.Change, error) {
	port, ok := m.Port(sessionID)
	if !ok {
		return navigation.Change{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return m.waitForChange(ctx, sessionID, func() error { return port.Back(ctx) })
}

// Forward traverses one history entry forwards and returns the resulting change.
func (m *SessionManager) Forward(ctx context.Context, sessionID string) (navigation.Change, error) {
	port, ok := m.Port(sessionID)
	if !ok {
		return navigation.Change{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return m.waitForChange(ctx, sessionID, func() error { return port.Forward(ctx) })
}

func (m *SessionManager) waitForChange(ctx context.Context, sessionID string, trigger func() error) (navigation.Change, error) {
	ch := make(chan navigation.Change, 1)

	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return navigation.Change{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	rec.waiters = append(rec.waiters, ch)
	m.mu.Unlock()
	defer m.dropWaiter(sessionID, ch)

	if err := trigger(); err != nil {
		return navigation.Change{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.NavigationTimeout())
	defer cancel()
	select {
	case change := <-ch:
		return change, nil
	case <-ctx.Done():
		return navigation.Change{}, fmt.Errorf("wait for navigation: %w", ctx.Err())
	}
}

func (m *SessionManager) dropWaiter(sessionID string, ch chan navigation.Change) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	for i, w := range rec.waiters {
		if w == ch {
			rec.waiters = append(rec.waiters[:i], rec.waiters[i+1:]...)
			return
		}
	}
}

// hydrate binds a fresh controller to the session's current document.
func (m *SessionManager) hydrate(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if rec.unsubscribe != nil {
		rec.unsubscribe()
	}
	if rec.ctrl != nil {
		rec.ctrl.Close()
	}

	opts := m.nav
	opts.Logger = m.log.With("session", sessionID)
	ctrl := navigation.New(rec.port, opts)
	rec.ctrl = ctrl
	rec.unsubscribe = ctrl.Subscribe(m.onChange(sessionID, rec.port))
	m.mu.Unlock()

	if err := ctrl.Hydrate(ctx); err != nil {
		return fmt.Errorf("hydrate session %s: %w", sessionID, err)
	}
	return nil
}

func (m *SessionManager) onChange(sessionID string, port *PagePort) func(navigation.Change) {
	return func(ch navigation.Change) {
		ctx := context.Background()
		if m.sink != nil {
			if err := m.sink.AddFacts(ctx, navigation.FactsForChange(sessionID, ch)); err != nil {
				m.log.Warn("navigation facts rejected", "session", sessionID, "error", err)
			}
		}
		if m.tracer != nil {
			if err := m.tracer.Log("navigation", sessionID, ch); err != nil {
				m.log.Debug("trace write failed", "session", sessionID, "error", err)
			}
		}
		if port != nil {
			if err := port.SetRoutes(ctx, routesFor(ch.To, m.Tabs())); err != nil {
				m.log.Debug("publish routes failed", "session", sessionID, "error", err)
			}
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		rec, ok := m.sessions[sessionID]
		if !ok {
			return
		}
		rec.meta.BasePath = ch.To.BasePath
		rec.meta.Tab = ch.To.Tab
		rec.meta.LastActive = ch.At
		if ch.Location.Origin != "" {
			rec.meta.URL = ch.Location.Origin + ch.Location.URL()
		} else {
			rec.meta.URL = ch.Location.URL()
		}
		if ch.Cause == navigation.CauseHydrate {
			rec.meta.Hydrations++
			rec.meta.TokenHydrated = rec.meta.TokenHydrated || ch.TokenHydrated
		}
		for _, w := range rec.waiters {
			select {
			case w <- ch:
			default:
			}
		}
		rec.waiters = nil
	}
}

// handlePageClick runs for anchors the page hooks intercepted. The default
// action was already prevented, so a click the controller declines becomes
// a full load.
func (m *SessionManager) handlePageClick(sessionID, href string, ev navigation.ClickEvent) {
	ctrl, ok := m.Controller(sessionID)
	if !ok {
		return
	}
	port, _ := m.Port(sessionID)
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.GetPortTimeout())
	defer cancel()

	intercepted, err := ctrl.OnNavItemClick(ctx, href, ev)
	if err != nil {
		m.log.Warn("nav item click failed", "session", sessionID, "href", href, "error", err)
	}
	if intercepted {
		return
	}
	if err := port.Assign(ctx, href); err != nil {
		m.log.Warn("fallback navigation failed", "session", sessionID, "href", href, "error", err)
	}
}

// startEventStream re-hydrates the session whenever the main frame commits a
// new document.
func (m *SessionManager) startEventStream(sessionID string, page *rod.Page) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if rec, ok := m.sessions[sessionID]; ok {
		rec.stopEvents = cancel
	}
	m.mu.Unlock()

	go page.Context(ctx).EachEvent(func(e *proto.PageFrameNavigated) {
		if e.Frame == nil || e.Frame.ParentID != "" {
			return
		}
		hctx, hcancel := context.WithTimeout(ctx, m.cfg.NavigationTimeout())
		defer hcancel()
		if err := m.hydrate(hctx, sessionID); err != nil && !errors.Is(err, ErrUnknownSession) {
			m.log.Warn("re-hydrate after document load failed", "session", sessionID, "error", err)
		}
	})()
}

// redactURL drops the query and fragment so bootstrap tokens stay out of logs.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	return u.String()
}
