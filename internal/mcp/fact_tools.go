package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"controlnav/internal/mangle"
)

const (
	defaultFactLimit = 25
	maxFactLimit     = 500

	defaultAwaitTimeout = 5 * time.Second
	maxAwaitTimeout     = 60 * time.Second
)

// ReadFactsTool returns a slice of the buffered navigation facts.
type ReadFactsTool struct {
	engine *mangle.Engine
}

func (t *ReadFactsTool) Name() string { return "read-facts" }
func (t *ReadFactsTool) Description() string {
	return `Read recent navigation facts from the fact buffer, oldest first.

FACTS WRITTEN PER NAVIGATION CHANGE:
- nav_state(Session, BasePath, Tab)
- nav_transition(Session, FromTab, ToTab, Cause, Ts)   Cause: hydrate|history|click
- current_url(Session, Url)
- token_hydrated(Session, Ts)                          only when a token was lifted

Filter by predicate and/or session_id. Default limit 25, max 500.

Returns: {count, facts: [{predicate, args, timestamp}]}`
}
func (t *ReadFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Only facts of this predicate",
			},
			"session_id": sessionIDSchema(),
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum facts to return (default 25, max 500)",
			},
		},
	}
}
func (t *ReadFactsTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	predicate := getStringArg(args, "predicate")
	limit := clampLimit(getIntArg(args, "limit", defaultFactLimit), defaultFactLimit, maxFactLimit)

	var source []mangle.Fact
	if predicate != "" {
		source = t.engine.FactsByPredicate(predicate)
	} else {
		source = t.engine.Facts()
	}
	facts := recentFacts(source, getStringArg(args, "session_id"), limit)

	return map[string]interface{}{
		"count": len(facts),
		"facts": facts,
	}, nil
}

// EvaluateRuleTool evaluates derived navigation predicates, optionally after
// adding a rule, or runs a single-atom query.
type EvaluateRuleTool struct {
	engine *mangle.Engine
}

func (t *EvaluateRuleTool) Name() string { return "evaluate-rule" }
func (t *EvaluateRuleTool) Description() string {
	return `Evaluate a Mangle predicate over the navigation facts.

BUILT-IN DERIVED PREDICATES:
- tab_visited(S, Tab)        every tab a session showed
- mounted_under(S, Base)     base paths a session resolved under
- tab_switch(S, From, To)    transitions that changed the tab
- history_return(S, Tab)     tabs reached by back/forward
- entry_tab(S, Tab)          tab a document was hydrated on
- token_session(S)           sessions opened with a bootstrap token

OPTIONS:
- rule: add a rule first, e.g. "cron_seen(S) :- tab_visited(S, \"cron\")."
- query: run a single atom query instead, e.g. "tab_visited(\"<session>\", Tab)."

Returns: {predicate, count, facts} or {query, count, results}`
}
func (t *EvaluateRuleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Predicate to evaluate",
			},
			"rule": map[string]interface{}{
				"type":        "string",
				"description": "Optional rule to add before evaluating",
			},
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Optional single-atom query; replaces predicate evaluation",
			},
		},
		"required": []string{"predicate"},
	}
}
func (t *EvaluateRuleTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	predicate := getStringArg(args, "predicate")
	query := getStringArg(args, "query")
	if predicate == "" && query == "" {
		return nil, fmt.Errorf("predicate is required")
	}

	if rule := getStringArg(args, "rule"); rule != "" {
		if err := t.engine.AddRule(rule); err != nil {
			return nil, fmt.Errorf("add rule: %w", err)
		}
	}

	if query != "" {
		results, err := t.engine.Query(ctx, query)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"query":   query,
			"count":   len(results),
			"results": results,
		}, nil
	}

	facts, err := t.engine.Evaluate(ctx, predicate)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"predicate": predicate,
		"count":     len(facts),
		"facts":     facts,
	}, nil
}

// AwaitFactTool blocks until a matching fact exists or the timeout passes.
type AwaitFactTool struct {
	engine *mangle.Engine
}

func (t *AwaitFactTool) Name() string { return "await-fact" }
func (t *AwaitFactTool) Description() string {
	return `Wait until a fact matching predicate (and optional leading args) exists.

Use after actions that navigate asynchronously, e.g. wait for
nav_state with session_id and the expected base path and tab.

Matching compares the leading arguments; session_id is prepended to args.
Default timeout 5000ms, max 60000ms. A timeout is not an error.

Returns: {matched, waited_ms, facts}`
}
func (t *AwaitFactTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Predicate to wait for",
			},
			"session_id": sessionIDSchema(),
			"args": map[string]interface{}{
				"type":        "array",
				"description": "Leading argument values the fact must carry",
			},
			"timeout_ms": map[string]interface{}{
				"type":        "integer",
				"description": "How long to wait (default 5000, max 60000)",
			},
		},
		"required": []string{"predicate"},
	}
}
func (t *AwaitFactTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	predicate := getStringArg(args, "predicate")
	if predicate == "" {
		return nil, fmt.Errorf("predicate is required")
	}

	var want []interface{}
	if sessionID := getStringArg(args, "session_id"); sessionID != "" {
		want = append(want, sessionID)
	}
	if raw, ok := args["args"].([]interface{}); ok {
		want = append(want, raw...)
	}

	timeout := time.Duration(getIntArg(args, "timeout_ms", 0)) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultAwaitTimeout
	}
	if timeout > maxAwaitTimeout {
		timeout = maxAwaitTimeout
	}

	events := make(chan mangle.WatchEvent, 16)
	t.engine.Subscribe(predicate, events)
	defer t.engine.Unsubscribe(predicate, events)

	start := time.Now()
	current, err := t.currentFacts(ctx, predicate)
	if err != nil {
		return nil, err
	}
	if matches := matchingFacts(current, want); len(matches) > 0 {
		return awaitResult(true, start, matches), nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-events:
			if matches := matchingFacts(ev.Facts, want); len(matches) > 0 {
				return awaitResult(true, start, matches), nil
			}
		case <-timer.C:
			return awaitResult(false, start, []mangle.Fact{}), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (t *AwaitFactTool) currentFacts(ctx context.Context, predicate string) ([]mangle.Fact, error) {
	facts, err := t.engine.Evaluate(ctx, predicate)
	if errors.Is(err, mangle.ErrNotReady) {
		return t.engine.FactsByPredicate(predicate), nil
	}
	return facts, err
}

func matchingFacts(facts []mangle.Fact, want []interface{}) []mangle.Fact {
	out := make([]mangle.Fact, 0)
	for _, f := range facts {
		if factHasPrefix(f, want) {
			out = append(out, f)
		}
	}
	return out
}

func awaitResult(matched bool, start time.Time, facts []mangle.Fact) map[string]interface{} {
	return map[string]interface{}{
		"matched":   matched,
		"waited_ms": time.Since(start).Milliseconds(),
		"facts":     facts,
	}
}
