package browser

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"controlnav/internal/config"
	"controlnav/internal/mangle"
	"controlnav/internal/navigation"
	"controlnav/internal/routing"

	"github.com/ysmood/gson"
)

type mockEngineSink struct {
	mu    sync.Mutex
	facts []mangle.Fact
}

func (m *mockEngineSink) AddFacts(ctx context.Context, facts []mangle.Fact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.facts = append(m.facts, facts...)
	return nil
}

func (m *mockEngineSink) byPredicate(predicate string) []mangle.Fact {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mangle.Fact
	for _, f := range m.facts {
		if f.Predicate == predicate {
			out = append(out, f)
		}
	}
	return out
}

type traceLine struct {
	eventType string
	sessionID string
	data      interface{}
}

type mockTracer struct {
	mu      sync.Mutex
	started []string
	ended   []string
	lines   []traceLine
}

func (m *mockTracer) Start(sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, sessionID)
	return "/tmp/" + sessionID + ".jsonl", nil
}

func (m *mockTracer) Log(eventType, sessionID string, data interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append(m.lines, traceLine{eventType, sessionID, data})
	return nil
}

func (m *mockTracer) End(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended = append(m.ended, sessionID)
	return nil
}

func boolPtr(b bool) *bool {
	return &b
}

func TestNewSessionManager(t *testing.T) {
	manager := NewSessionManager(Options{Browser: config.BrowserConfig{Headless: boolPtr(true)}})

	if manager.IsConnected() {
		t.Error("expected new manager to be disconnected")
	}
	if manager.ControlURL() != "" {
		t.Errorf("expected empty control URL, got %q", manager.ControlURL())
	}
	if len(manager.List()) != 0 {
		t.Error("expected no sessions")
	}
	if got := strings.Join(manager.Tabs().IDs(), ","); got != strings.Join(routing.DefaultTabSet().IDs(), ",") {
		t.Errorf("expected builtin tabs, got %s", got)
	}
}

func TestSessionManagerWithoutBrowser(t *testing.T) {
	manager := NewSessionManager(Options{})
	ctx := context.Background()

	if _, err := manager.OpenSession(ctx, "http://localhost/chat"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if _, err := manager.ClickNavItem(ctx, "missing", "/chat", navigation.ClickEvent{}); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession from click, got %v", err)
	}
	if _, err := manager.Back(ctx, "missing"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession from back, got %v", err)
	}
	if _, err := manager.Forward(ctx, "missing"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession from forward, got %v", err)
	}
	if err := manager.CloseSession("missing"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession from close, got %v", err)
	}
	if _, ok := manager.GetSession("missing"); ok {
		t.Error("expected unknown session lookup to fail")
	}
	if err := manager.Shutdown(ctx); err != nil {
		t.Errorf("shutdown without browser should succeed, got %v", err)
	}
}

func TestStartHonorsCancelledContext(t *testing.T) {
	manager := NewSessionManager(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := manager.Start(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestOnChangeUpdatesSession(t *testing.T) {
	sink := &mockEngineSink{}
	tracer := &mockTracer{}
	manager := NewSessionManager(Options{Sink: sink, Tracer: tracer})

	created := time.Now().Add(-time.Minute)
	manager.sessions["s1"] = &sessionRecord{meta: Session{ID: "s1", CreatedAt: created}}
	waiter := make(chan navigation.Change, 1)
	manager.sessions["s1"].waiters = []chan navigation.Change{waiter}

	at := time.Now()
	listener := manager.onChange("s1", nil)
	listener(navigation.Change{
		To:            routing.State{BasePath: "/ui", Tab: "overview"},
		Cause:         navigation.CauseHydrate,
		Location:      navigation.Location{Pathname: "/ui/overview", Origin: "http://localhost:18789"},
		At:            at,
		TokenHydrated: true,
	})
	listener(navigation.Change{
		From:     routing.State{BasePath: "/ui", Tab: "overview"},
		To:       routing.State{BasePath: "/ui", Tab: "chat"},
		Cause:    navigation.CauseClick,
		Location: navigation.Location{Pathname: "/ui/chat", Search: "?x=1", Origin: "http://localhost:18789"},
		At:       at.Add(time.Second),
	})

	meta, ok := manager.GetSession("s1")
	if !ok {
		t.Fatal("expected session s1")
	}
	if meta.BasePath != "/ui" || meta.Tab != "chat" {
		t.Errorf("expected /ui chat, got %q %q", meta.BasePath, meta.Tab)
	}
	if meta.URL != "http://localhost:18789/ui/chat?x=1" {
		t.Errorf("unexpected URL %q", meta.URL)
	}
	if meta.Hydrations != 1 {
		t.Errorf("expected 1 hydration, got %d", meta.Hydrations)
	}
	if !meta.TokenHydrated {
		t.Error("expected token hydrated to stick after later changes")
	}

	select {
	case ch := <-waiter:
		if ch.Cause != navigation.CauseHydrate {
			t.Errorf("expected waiter to see the first change, got %s", ch.Cause)
		}
	default:
		t.Error("expected waiter to be notified")
	}

	if got := len(sink.byPredicate("nav_state")); got != 2 {
		t.Errorf("expected 2 nav_state facts, got %d", got)
	}
	if got := len(sink.byPredicate("token_hydrated")); got != 1 {
		t.Errorf("expected 1 token_hydrated fact, got %d", got)
	}
	if len(tracer.lines) != 2 || tracer.lines[0].eventType != "navigation" || tracer.lines[0].sessionID != "s1" {
		t.Errorf("unexpected trace lines: %+v", tracer.lines)
	}
}

func TestCloseSessionEndsTrace(t *testing.T) {
	tracer := &mockTracer{}
	manager := NewSessionManager(Options{Tracer: tracer})
	manager.sessions["s1"] = &sessionRecord{meta: Session{ID: "s1"}}

	if err := manager.CloseSession("s1"); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}
	if len(tracer.ended) != 1 || tracer.ended[0] != "s1" {
		t.Errorf("expected trace for s1 to end, got %v", tracer.ended)
	}
	if len(manager.List()) != 0 {
		t.Error("expected session to be removed")
	}
}

func TestWaitForChange(t *testing.T) {
	manager := NewSessionManager(Options{Browser: config.BrowserConfig{DefaultNavigationTimeout: "50ms"}})
	manager.sessions["s1"] = &sessionRecord{meta: Session{ID: "s1"}}

	t.Run("delivers the next change", func(t *testing.T) {
		change, err := manager.waitForChange(context.Background(), "s1", func() error {
			go manager.onChange("s1", nil)(navigation.Change{
				To:    routing.State{Tab: "logs"},
				Cause: navigation.CauseHistory,
				At:    time.Now(),
			})
			return nil
		})
		if err != nil {
			t.Fatalf("waitForChange failed: %v", err)
		}
		if change.To.Tab != "logs" || change.Cause != navigation.CauseHistory {
			t.Errorf("unexpected change %+v", change)
		}
	})

	t.Run("times out without a change", func(t *testing.T) {
		_, err := manager.waitForChange(context.Background(), "s1", func() error { return nil })
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
		if n := len(manager.sessions["s1"].waiters); n != 0 {
			t.Errorf("expected waiter to be dropped, %d left", n)
		}
	})

	t.Run("trigger error is returned", func(t *testing.T) {
		boom := errors.New("boom")
		if _, err := manager.waitForChange(context.Background(), "s1", func() error { return boom }); !errors.Is(err, boom) {
			t.Errorf("expected trigger error, got %v", err)
		}
	})
}

func TestRoutesFor(t *testing.T) {
	tabs, err := routing.NewTabSet([]routing.Tab{{ID: "chat"}, {ID: "logs"}}, "chat")
	if err != nil {
		t.Fatalf("NewTabSet failed: %v", err)
	}

	cases := []struct {
		name  string
		state routing.State
		want  string
	}{
		{"root", routing.State{Tab: "chat"}, "/,/chat,/logs"},
		{"mounted", routing.State{BasePath: "/apps/clawdis", Tab: "logs"}, "/apps/clawdis,/apps/clawdis/chat,/apps/clawdis/logs"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := strings.Join(routesFor(tc.state, tabs), ","); got != tc.want {
				t.Errorf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestDecodePayloads(t *testing.T) {
	loc := decodeLocation(gson.New(map[string]interface{}{
		"pathname": "/ui/chat",
		"search":   "?",
		"origin":   "null",
		"hash":     "#latest",
	}))
	want := navigation.Location{Pathname: "/ui/chat", Hash: "#latest"}
	if loc != want {
		t.Errorf("expected %+v, got %+v", want, loc)
	}

	if empty := decodeLocation(gson.New(nil)); empty != (navigation.Location{Pathname: "/"}) {
		t.Errorf("expected empty payload to decode to /, got %+v", empty)
	}

	partial := decodeLocation(gson.New(map[string]interface{}{"pathname": "/cron"}))
	if partial != (navigation.Location{Pathname: "/cron"}) {
		t.Errorf("expected missing fields to decode empty, got %+v", partial)
	}

	wrongType := decodeLocation(gson.New(map[string]interface{}{"pathname": 42, "search": nil}))
	if wrongType != (navigation.Location{Pathname: "/"}) {
		t.Errorf("expected non-string fields to decode empty, got %+v", wrongType)
	}

	click := decodeClick(gson.New(map[string]interface{}{"button": 0, "target": "_self"}))
	if !click.Interceptable() {
		t.Errorf("expected forwarded click to be interceptable: %+v", click)
	}

	bare := decodeClick(gson.New(map[string]interface{}{"type": "click", "href": "/ui/cron"}))
	if bare.Target != "" || bare.Button != 0 || !bare.Interceptable() {
		t.Errorf("expected click without target to be interceptable: %+v", bare)
	}

	middle := decodeClick(gson.New(map[string]interface{}{"button": 1}))
	if middle.Interceptable() {
		t.Errorf("expected middle click not to be interceptable: %+v", middle)
	}
}

func TestRedactURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:18789/ui/chat?token=abc#x": "http://localhost:18789/ui/chat",
		"https://user:pw@example.com/a":              "https://example.com/a",
		"/relative?token=1":                          "/relative",
	}
	for in, want := range cases {
		if got := redactURL(in); got != want {
			t.Errorf("redactURL(%q) = %q, want %q", in, got, want)
		}
	}
	if got := redactURL("http://[::1"); got != "<invalid url>" {
		t.Errorf("expected invalid marker, got %q", got)
	}
}
