package mangle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"controlnav/internal/config"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
)

// ErrNotReady is returned by queries when no program has been loaded.
var ErrNotReady = errors.New("engine not ready")

// Fact is a timestamped ground atom recorded from a navigation session.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// QueryResult binds query variables to values.
type QueryResult map[string]interface{}

// WatchEvent is delivered to subscribers of a predicate after facts for it
// are added or derived.
type WatchEvent struct {
	Predicate string    `json:"predicate"`
	Facts     []Fact    `json:"facts"`
	Timestamp time.Time `json:"timestamp"`
}

// Engine keeps a bounded buffer of navigation facts for temporal lookups and
// a Mangle fact store that the loaded program is evaluated against.
type Engine struct {
	cfg config.MangleConfig

	mu      sync.RWMutex
	sources []string
	program *analysis.ProgramInfo
	store   factstore.FactStore

	facts []Fact
	index map[string][]int

	subMu         sync.RWMutex
	subscriptions map[string][]chan WatchEvent
}

func NewEngine(cfg config.MangleConfig) (*Engine, error) {
	e := &Engine{
		cfg:           cfg,
		facts:         make([]Fact, 0, max(cfg.FactBufferLimit, 0)),
		index:         make(map[string][]int),
		store:         factstore.NewSimpleInMemoryStore(),
		subscriptions: make(map[string][]chan WatchEvent),
	}

	if cfg.Enable && cfg.SchemaPath != "" {
		if err := e.LoadSchema(cfg.SchemaPath); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// LoadSchema parses and analyzes a schema file. It replaces any previously
// loaded program, including rules added with AddRule.
func (e *Engine) LoadSchema(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}

	program, err := analyze([]string{string(data)})
	if err != nil {
		return fmt.Errorf("schema %s: %w", path, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources = []string{string(data)}
	e.program = program
	return nil
}

// AddRule extends the loaded program with ruleSource. The combined program
// is re-analyzed; on error the previous program stays in place.
func (e *Engine) AddRule(ruleSource string) error {
	if !e.cfg.Enable {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	sources := append(append([]string(nil), e.sources...), ruleSource)
	program, err := analyze(sources)
	if err != nil {
		return fmt.Errorf("rule: %w", err)
	}
	e.sources = sources
	e.program = program
	return nil
}

func analyze(sources []string) (*analysis.ProgramInfo, error) {
	unit, err := parse.Unit(strings.NewReader(strings.Join(sources, "\n")))
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	program, err := analysis.AnalyzeOneUnit(unit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}
	return program, nil
}

// AddFacts appends facts to the temporal buffer and the fact store, then
// re-evaluates the program and notifies subscribers. When FactBufferLimit
// trims the buffer, the store is rebuilt from the surviving facts so that
// evicted facts and everything derived from them are forgotten too.
func (e *Engine) AddFacts(ctx context.Context, facts []Fact) error {
	if !e.cfg.Enable || len(facts) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()

	baseIdx := len(e.facts)
	e.facts = append(e.facts, facts...)
	if e.cfg.FactBufferLimit > 0 && len(e.facts) > e.cfg.FactBufferLimit {
		trim := len(e.facts) - e.cfg.FactBufferLimit
		e.facts = append([]Fact(nil), e.facts[trim:]...)
		e.rebuildIndex()
		e.rebuildStore()
	} else {
		for i, f := range facts {
			e.index[f.Predicate] = append(e.index[f.Predicate], baseIdx+i)
			e.store.Add(toAtom(f))
		}
	}

	var evalErr error
	if e.program != nil {
		if err := engine.EvalProgram(e.program, e.store); err != nil {
			evalErr = fmt.Errorf("eval program after fact insertion: %w", err)
		}
	}
	events := e.watchEvents(facts)
	e.mu.Unlock()

	for _, ev := range events {
		e.notify(ev)
	}
	return evalErr
}

// watchEvents collects, per watched predicate, the new base facts or the
// current derived set. Callers hold e.mu.
func (e *Engine) watchEvents(added []Fact) []WatchEvent {
	watched := e.WatchPredicates()
	if len(watched) == 0 {
		return nil
	}

	now := time.Now()
	events := make([]WatchEvent, 0, len(watched))
	for _, predicate := range watched {
		var matched []Fact
		for _, f := range added {
			if f.Predicate == predicate {
				matched = append(matched, f)
			}
		}
		if len(matched) == 0 && e.program != nil && e.isDerived(predicate) {
			matched = e.storeFacts(predicate)
		}
		if len(matched) > 0 {
			events = append(events, WatchEvent{Predicate: predicate, Facts: matched, Timestamp: now})
		}
	}
	return events
}

func (e *Engine) isDerived(predicate string) bool {
	for _, clause := range e.program.Rules {
		if clause.Head.Predicate.Symbol == predicate {
			return true
		}
	}
	return false
}

// Subscribe registers ch for events about predicate. Sends never block: a
// full channel misses the event.
func (e *Engine) Subscribe(predicate string, ch chan WatchEvent) string {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.subscriptions[predicate] = append(e.subscriptions[predicate], ch)
	return fmt.Sprintf("%s:%p", predicate, ch)
}

// Unsubscribe removes ch from predicate's subscribers.
func (e *Engine) Unsubscribe(predicate string, ch chan WatchEvent) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	channels := e.subscriptions[predicate]
	for i, c := range channels {
		if c == ch {
			e.subscriptions[predicate] = append(channels[:i:i], channels[i+1:]...)
			break
		}
	}
	if len(e.subscriptions[predicate]) == 0 {
		delete(e.subscriptions, predicate)
	}
}

// WatchPredicates lists predicates with at least one subscriber.
func (e *Engine) WatchPredicates() []string {
	e.subMu.RLock()
	defer e.subMu.RUnlock()

	predicates := make([]string, 0, len(e.subscriptions))
	for p, chs := range e.subscriptions {
		if len(chs) > 0 {
			predicates = append(predicates, p)
		}
	}
	return predicates
}

func (e *Engine) notify(ev WatchEvent) {
	e.subMu.RLock()
	channels := append([]chan WatchEvent(nil), e.subscriptions[ev.Predicate]...)
	e.subMu.RUnlock()

	for _, ch := range channels {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Query runs a single-atom query such as `tab_visited("s1", Tab).` against
// the fact store and returns one binding per matching fact.
func (e *Engine) Query(ctx context.Context, queryStr string) ([]QueryResult, error) {
	unit, err := parse.Unit(bytes.NewReader([]byte(queryStr)))
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	if len(unit.Clauses) == 0 {
		return nil, errors.New("no query found")
	}
	query := unit.Clauses[0].Head

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.program == nil {
		return nil, ErrNotReady
	}

	results := make([]QueryResult, 0)
	err = e.store.GetFacts(query, func(atom ast.Atom) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !matchesConstants(query, atom) {
			return nil
		}
		result := make(QueryResult)
		for i, arg := range query.Args {
			if v, ok := arg.(ast.Variable); ok && v.Symbol != "_" && i < len(atom.Args) {
				result[v.Symbol] = fromTerm(atom.Args[i])
			}
		}
		results = append(results, result)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}
	return results, nil
}

func matchesConstants(query, atom ast.Atom) bool {
	if len(query.Args) != len(atom.Args) {
		return false
	}
	for i, arg := range query.Args {
		if c, ok := arg.(ast.Constant); ok && !c.Equals(atom.Args[i]) {
			return false
		}
	}
	return true
}

// Evaluate runs the program to fixpoint and returns every fact of predicate.
func (e *Engine) Evaluate(ctx context.Context, predicate string) ([]Fact, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.program == nil {
		return nil, ErrNotReady
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := engine.EvalProgram(e.program, e.store); err != nil {
		return nil, fmt.Errorf("eval program: %w", err)
	}
	return e.storeFacts(predicate), nil
}

// storeFacts returns all facts of predicate in the store. The arity comes
// from the program's declarations or, failing that, from buffered facts.
func (e *Engine) storeFacts(predicate string) []Fact {
	arity := -1
	if e.program != nil {
		for sym := range e.program.Decls {
			if sym.Symbol == predicate {
				arity = sym.Arity
				break
			}
		}
		for _, clause := range e.program.Rules {
			if arity >= 0 {
				break
			}
			if clause.Head.Predicate.Symbol == predicate {
				arity = clause.Head.Predicate.Arity
			}
		}
	}
	if arity < 0 {
		if idx, ok := e.index[predicate]; ok && len(idx) > 0 {
			arity = len(e.facts[idx[0]].Args)
		}
	}
	if arity < 0 {
		return []Fact{}
	}

	args := make([]ast.BaseTerm, arity)
	for i := range args {
		args[i] = ast.Variable{Symbol: fmt.Sprintf("V%d", i)}
	}
	query := ast.Atom{Predicate: ast.PredicateSym{Symbol: predicate, Arity: arity}, Args: args}

	now := time.Now()
	facts := make([]Fact, 0)
	_ = e.store.GetFacts(query, func(atom ast.Atom) error {
		facts = append(facts, toFact(atom, now))
		return nil
	})
	return facts
}

// QueryTemporal returns buffered facts of predicate strictly inside
// (after, before). A zero bound is open.
func (e *Engine) QueryTemporal(predicate string, after, before time.Time) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]Fact, 0)
	for _, idx := range e.index[predicate] {
		f := e.facts[idx]
		if (after.IsZero() || f.Timestamp.After(after)) &&
			(before.IsZero() || f.Timestamp.Before(before)) {
			results = append(results, f)
		}
	}
	return results
}

// FactsByPredicate returns buffered facts of predicate in insertion order.
func (e *Engine) FactsByPredicate(predicate string) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	indices := e.index[predicate]
	results := make([]Fact, 0, len(indices))
	for _, idx := range indices {
		results = append(results, e.facts[idx])
	}
	return results
}

// Facts returns a copy of the buffer.
func (e *Engine) Facts() []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Fact, len(e.facts))
	copy(out, e.facts)
	return out
}

// Ready reports whether queries can run. A disabled engine is trivially ready.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.program != nil || !e.cfg.Enable
}

func (e *Engine) rebuildIndex() {
	e.index = make(map[string][]int)
	for i, f := range e.facts {
		e.index[f.Predicate] = append(e.index[f.Predicate], i)
	}
}

// rebuildStore replaces the fact store with the buffered base facts.
// Derived facts come back on the next evaluation.
func (e *Engine) rebuildStore() {
	store := factstore.NewSimpleInMemoryStore()
	for _, f := range e.facts {
		store.Add(toAtom(f))
	}
	e.store = store
}

func toAtom(f Fact) ast.Atom {
	args := make([]ast.BaseTerm, len(f.Args))
	for i, arg := range f.Args {
		args[i] = toConstant(arg)
	}
	return ast.Atom{
		Predicate: ast.PredicateSym{Symbol: f.Predicate, Arity: len(f.Args)},
		Args:      args,
	}
}

func toFact(atom ast.Atom, ts time.Time) Fact {
	args := make([]interface{}, len(atom.Args))
	for i, arg := range atom.Args {
		args[i] = fromTerm(arg)
	}
	return Fact{Predicate: atom.Predicate.Symbol, Args: args, Timestamp: ts}
}

func toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case float64:
		return ast.Float64(val)
	case bool:
		if val {
			return ast.String("true")
		}
		return ast.String("false")
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func fromTerm(t ast.BaseTerm) interface{} {
	switch term := t.(type) {
	case ast.Constant:
		switch term.Type {
		case ast.StringType:
			if s, err := term.StringValue(); err == nil {
				return s
			}
		case ast.NumberType:
			if n, err := term.NumberValue(); err == nil {
				return n
			}
		case ast.Float64Type:
			if f, err := term.Float64Value(); err == nil {
				return f
			}
		}
		return term.String()
	case ast.Variable:
		return term.Symbol
	case nil:
		return nil
	default:
		return fmt.Sprintf("%v", t)
	}
}
