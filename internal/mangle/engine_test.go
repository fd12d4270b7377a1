package mangle

import (
	"context"
	"errors"
	"testing"
	"time"

	"controlnav/internal/config"
)

const schemaPath = "../../schemas/navigation.mg"

func newTestEngine(t *testing.T, limit int) *Engine {
	t.Helper()
	engine, err := NewEngine(config.MangleConfig{
		Enable:          true,
		SchemaPath:      schemaPath,
		FactBufferLimit: limit,
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine
}

func navState(session, base, tab string, ts time.Time) Fact {
	return Fact{Predicate: "nav_state", Args: []interface{}{session, base, tab}, Timestamp: ts}
}

func transition(session, from, to, cause string, ts time.Time) Fact {
	return Fact{
		Predicate: "nav_transition",
		Args:      []interface{}{session, from, to, cause, ts.UnixMilli()},
		Timestamp: ts,
	}
}

func TestEngineLoadSchema(t *testing.T) {
	engine := newTestEngine(t, 1000)
	if !engine.Ready() {
		t.Fatal("Engine not ready after schema load")
	}
}

func TestEngineLoadSchemaError(t *testing.T) {
	_, err := NewEngine(config.MangleConfig{Enable: true, SchemaPath: "/nonexistent/schema.mg"})
	if err == nil {
		t.Error("expected error for missing schema")
	}
}

func TestEngineAddFacts(t *testing.T) {
	engine := newTestEngine(t, 1000)
	now := time.Now()

	facts := []Fact{
		navState("s1", "/ui", "chat", now),
		transition("s1", "", "chat", "hydrate", now),
		{Predicate: "current_url", Args: []interface{}{"s1", "/ui/chat"}, Timestamp: now},
	}
	if err := engine.AddFacts(context.Background(), facts); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	if got := len(engine.Facts()); got != len(facts) {
		t.Errorf("expected %d facts in buffer, got %d", len(facts), got)
	}
	if got := len(engine.FactsByPredicate("nav_state")); got != 1 {
		t.Errorf("expected 1 nav_state fact, got %d", got)
	}
	if got := len(engine.FactsByPredicate("missing")); got != 0 {
		t.Errorf("expected no facts for unknown predicate, got %d", got)
	}
}

func TestEngineDerivedNavigation(t *testing.T) {
	engine := newTestEngine(t, 1000)
	ctx := context.Background()
	now := time.Now()

	facts := []Fact{
		navState("s1", "/ui", "chat", now),
		transition("s1", "", "chat", "hydrate", now),
		{Predicate: "token_hydrated", Args: []interface{}{"s1", now.UnixMilli()}, Timestamp: now},
		navState("s1", "/ui", "cron", now.Add(time.Second)),
		transition("s1", "chat", "cron", "click", now.Add(time.Second)),
		navState("s1", "/ui", "chat", now.Add(2*time.Second)),
		transition("s1", "cron", "chat", "history", now.Add(2*time.Second)),
		navState("s2", "", "overview", now),
		transition("s2", "", "overview", "hydrate", now),
	}
	if err := engine.AddFacts(ctx, facts); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	tests := []struct {
		predicate string
		want      int
	}{
		{"tab_visited", 3},    // s1 chat, s1 cron, s2 overview
		{"mounted_under", 2},  // s1 /ui, s2 ""
		{"tab_switch", 4},     // both hydrates start from "", plus two real switches
		{"history_return", 1}, // s1 chat
		{"entry_tab", 2},
		{"token_session", 1},
	}
	for _, tt := range tests {
		t.Run(tt.predicate, func(t *testing.T) {
			results, err := engine.Evaluate(ctx, tt.predicate)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if len(results) != tt.want {
				t.Errorf("expected %d %s facts, got %d: %v", tt.want, tt.predicate, len(results), results)
			}
		})
	}

	results, err := engine.Evaluate(ctx, "history_return")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 1 && (results[0].Args[0] != "s1" || results[0].Args[1] != "chat") {
		t.Errorf("unexpected history_return args %v", results[0].Args)
	}
}

func TestEngineQuery(t *testing.T) {
	engine := newTestEngine(t, 1000)
	ctx := context.Background()
	now := time.Now()

	_ = engine.AddFacts(ctx, []Fact{
		navState("s1", "/ui", "chat", now),
		navState("s1", "/ui", "cron", now),
		navState("s2", "", "sessions", now),
	})

	results, err := engine.Query(ctx, `nav_state("s1", Base, Tab).`)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d: %v", len(results), results)
	}
	for _, r := range results {
		if r["Base"] != "/ui" {
			t.Errorf("expected Base '/ui', got %v", r["Base"])
		}
		if _, ok := r["Tab"]; !ok {
			t.Errorf("expected Tab binding in %v", r)
		}
	}

	results, err = engine.Query(ctx, `tab_visited(S, "sessions").`)
	if err != nil {
		t.Fatalf("Query on derived predicate failed: %v", err)
	}
	if len(results) != 1 || results[0]["S"] != "s2" {
		t.Errorf("expected s2 to have visited sessions, got %v", results)
	}
}

func TestEngineQueryErrors(t *testing.T) {
	engine := newTestEngine(t, 1000)
	ctx := context.Background()

	if _, err := engine.Query(ctx, "invalid query syntax (("); err == nil {
		t.Error("expected parse error")
	}
	if _, err := engine.Query(ctx, ""); err == nil {
		t.Error("expected error for empty query")
	}

	noSchema, err := NewEngine(config.MangleConfig{Enable: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := noSchema.Query(ctx, "nav_state(S, B, T)."); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
	if _, err := noSchema.Evaluate(ctx, "tab_visited"); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady from Evaluate, got %v", err)
	}
}

func TestEngineAddRule(t *testing.T) {
	engine := newTestEngine(t, 1000)
	ctx := context.Background()
	now := time.Now()

	rule := `
Decl clicked_to(Session, Tab).
clicked_to(S, Tab) :- nav_transition(S, _, Tab, "click", _).
`
	if err := engine.AddRule(rule); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}

	_ = engine.AddFacts(ctx, []Fact{
		transition("s1", "chat", "cron", "click", now),
		transition("s1", "cron", "chat", "history", now),
	})

	results, err := engine.Evaluate(ctx, "clicked_to")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(results) != 1 || results[0].Args[1] != "cron" {
		t.Errorf("expected clicked_to(s1, cron), got %v", results)
	}

	// Schema rules keep working alongside the added rule.
	if visited, _ := engine.Evaluate(ctx, "entry_tab"); len(visited) != 0 {
		t.Errorf("expected no entry_tab facts, got %v", visited)
	}
}

func TestEngineAddRuleErrors(t *testing.T) {
	engine := newTestEngine(t, 1000)

	if err := engine.AddRule("this is not valid mangle ((("); err == nil {
		t.Error("expected parse error")
	}
	if err := engine.AddRule("bad(X) :- nav_state(Y, _, _)."); err == nil {
		t.Error("expected analysis error for unbound head variable")
	}
	if !engine.Ready() {
		t.Error("failed rules must not unload the schema")
	}
}

func TestEngineAddRuleWithoutSchema(t *testing.T) {
	engine, err := NewEngine(config.MangleConfig{Enable: true, FactBufferLimit: 100})
	if err != nil {
		t.Fatal(err)
	}
	if engine.Ready() {
		t.Fatal("expected engine without program not to be ready")
	}

	rule := `
Decl seen(Session).
Decl visit(Session).
seen(S) :- visit(S).
`
	if err := engine.AddRule(rule); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}
	if !engine.Ready() {
		t.Error("expected engine to be ready after a rule is loaded")
	}

	ctx := context.Background()
	_ = engine.AddFacts(ctx, []Fact{{Predicate: "visit", Args: []interface{}{"s1"}, Timestamp: time.Now()}})
	results, err := engine.Evaluate(ctx, "seen")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Errorf("expected 1 seen fact, got %d", len(results))
	}
}

func TestEngineDisabled(t *testing.T) {
	engine, err := NewEngine(config.MangleConfig{Enable: false, SchemaPath: schemaPath})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if !engine.Ready() {
		t.Error("disabled engine should report ready")
	}
	if err := engine.AddFacts(context.Background(), []Fact{navState("s1", "", "chat", time.Now())}); err != nil {
		t.Errorf("AddFacts on disabled engine: %v", err)
	}
	if len(engine.Facts()) != 0 {
		t.Error("disabled engine should not buffer facts")
	}
	if err := engine.AddRule("not even parsed"); err != nil {
		t.Errorf("AddRule on disabled engine should be a no-op, got %v", err)
	}
}

func TestEngineTemporalQuery(t *testing.T) {
	engine := newTestEngine(t, 1000)
	base := time.Now()

	_ = engine.AddFacts(context.Background(), []Fact{
		navState("s1", "", "chat", base.Add(-2*time.Minute)),
		navState("s1", "", "cron", base.Add(-30*time.Second)),
		navState("s1", "", "sessions", base),
	})

	tests := []struct {
		name          string
		after, before time.Time
		want          int
	}{
		{"open window", time.Time{}, time.Time{}, 3},
		{"last minute", base.Add(-time.Minute), time.Time{}, 2},
		{"exclusive bounds", base.Add(-30 * time.Second), base, 0},
		{"before only", time.Time{}, base.Add(-time.Minute), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(engine.QueryTemporal("nav_state", tt.after, tt.before)); got != tt.want {
				t.Errorf("expected %d facts, got %d", tt.want, got)
			}
		})
	}

	if got := engine.QueryTemporal("missing", time.Time{}, time.Time{}); len(got) != 0 {
		t.Errorf("expected empty result, got %v", got)
	}
}

func TestEngineBufferLimit(t *testing.T) {
	engine := newTestEngine(t, 5)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 8; i++ {
		_ = engine.AddFacts(ctx, []Fact{
			{Predicate: "current_url", Args: []interface{}{"s1", "/chat"}, Timestamp: now.Add(time.Duration(i) * time.Second)},
		})
	}
	_ = engine.AddFacts(ctx, []Fact{navState("s1", "", "chat", now)})

	if got := len(engine.Facts()); got != 5 {
		t.Fatalf("expected buffer trimmed to 5, got %d", got)
	}
	if got := len(engine.FactsByPredicate("current_url")); got != 4 {
		t.Errorf("expected 4 current_url facts after trim, got %d", got)
	}
	if got := len(engine.FactsByPredicate("nav_state")); got != 1 {
		t.Errorf("expected index to point at the newest fact, got %d", got)
	}
	// Oldest facts are the ones evicted.
	first := engine.FactsByPredicate("current_url")[0]
	if !first.Timestamp.Equal(now.Add(4 * time.Second)) {
		t.Errorf("expected oldest surviving fact at +4s, got %v", first.Timestamp.Sub(now))
	}
}

func TestEngineBufferLimitEvictsFromStore(t *testing.T) {
	engine := newTestEngine(t, 3)
	ctx := context.Background()
	now := time.Now()

	for i, session := range []string{"a", "b", "c", "d"} {
		if err := engine.AddFacts(ctx, []Fact{navState(session, "/ui", "chat", now.Add(time.Duration(i)*time.Second))}); err != nil {
			t.Fatalf("AddFacts failed: %v", err)
		}
	}

	visited, err := engine.Evaluate(ctx, "tab_visited")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(visited) != 3 {
		t.Errorf("expected 3 derived facts after eviction, got %d", len(visited))
	}
	for _, f := range visited {
		if f.Args[0] == "a" {
			t.Errorf("expected evicted session a to be gone, got %+v", f)
		}
	}

	results, err := engine.Query(ctx, `nav_state("a", Base, Tab).`)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no store rows for evicted fact, got %v", results)
	}

	results, err = engine.Query(ctx, `nav_state("d", Base, Tab).`)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected newest fact to stay queryable, got %v", results)
	}
}

func TestEngineNoBufferLimit(t *testing.T) {
	engine := newTestEngine(t, 0)
	for i := 0; i < 100; i++ {
		_ = engine.AddFacts(context.Background(), []Fact{navState("s1", "", "chat", time.Now())})
	}
	if got := len(engine.Facts()); got != 100 {
		t.Errorf("expected all 100 facts kept, got %d", got)
	}
}

func TestEngineCancelledContext(t *testing.T) {
	engine := newTestEngine(t, 100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := engine.AddFacts(ctx, []Fact{navState("s1", "", "chat", time.Now())}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if _, err := engine.Evaluate(ctx, "tab_visited"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled from Evaluate, got %v", err)
	}
}

func TestEngineSubscription(t *testing.T) {
	engine := newTestEngine(t, 1000)

	ch := make(chan WatchEvent, 10)
	if id := engine.Subscribe("nav_state", ch); id == "" {
		t.Error("expected non-empty subscription ID")
	}

	found := false
	for _, p := range engine.WatchPredicates() {
		found = found || p == "nav_state"
	}
	if !found {
		t.Fatal("expected nav_state in watched predicates")
	}

	now := time.Now()
	_ = engine.AddFacts(context.Background(), []Fact{
		navState("s1", "/ui", "cron", now),
		transition("s1", "chat", "cron", "click", now),
	})

	select {
	case ev := <-ch:
		if ev.Predicate != "nav_state" || len(ev.Facts) != 1 {
			t.Errorf("unexpected event %+v", ev)
		}
		if ev.Facts[0].Args[2] != "cron" {
			t.Errorf("expected new fact for cron, got %v", ev.Facts[0].Args)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a watch event")
	}

	engine.Unsubscribe("nav_state", ch)
	for _, p := range engine.WatchPredicates() {
		if p == "nav_state" {
			t.Error("expected nav_state to be removed from watched predicates")
		}
	}
}

func TestEngineSubscriptionDerived(t *testing.T) {
	engine := newTestEngine(t, 1000)
	ch := make(chan WatchEvent, 10)
	engine.Subscribe("history_return", ch)
	defer engine.Unsubscribe("history_return", ch)

	_ = engine.AddFacts(context.Background(), []Fact{
		transition("s1", "cron", "chat", "history", time.Now()),
	})

	select {
	case ev := <-ch:
		if len(ev.Facts) != 1 || ev.Facts[0].Args[1] != "chat" {
			t.Errorf("unexpected derived event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a derived watch event")
	}
}

func TestEngineSubscriptionFullChannel(t *testing.T) {
	engine := newTestEngine(t, 1000)
	ch := make(chan WatchEvent) // unbuffered, nobody reading
	engine.Subscribe("nav_state", ch)
	defer engine.Unsubscribe("nav_state", ch)

	done := make(chan struct{})
	go func() {
		_ = engine.AddFacts(context.Background(), []Fact{navState("s1", "", "chat", time.Now())})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AddFacts blocked on a full subscriber")
	}
}

func TestConstantConversion(t *testing.T) {
	tests := []struct {
		in   interface{}
		want interface{}
	}{
		{"chat", "chat"},
		{42, int64(42)},
		{int64(1700000000000), int64(1700000000000)},
		{2.5, 2.5},
		{true, "true"},
		{false, "false"},
		{[]byte("x"), "[120]"},
	}
	for _, tt := range tests {
		if got := fromTerm(toConstant(tt.in)); got != tt.want {
			t.Errorf("round trip of %#v: expected %#v, got %#v", tt.in, tt.want, got)
		}
	}

	atom := toAtom(navState("s1", "/ui", "chat", time.Now()))
	if atom.Predicate.Symbol != "nav_state" || atom.Predicate.Arity != 3 {
		t.Errorf("unexpected predicate %v", atom.Predicate)
	}
	fact := toFact(atom, time.Unix(0, 0))
	if fact.Args[1] != "/ui" || !fact.Timestamp.Equal(time.Unix(0, 0)) {
		t.Errorf("unexpected fact %+v", fact)
	}
}
