package navigation

import "controlnav/internal/mangle"

// FactsForChange converts a published change into navigation facts for
// sessionID. The token value itself never becomes a fact.
func FactsForChange(sessionID string, ch Change) []mangle.Fact {
	ts := ch.At.UnixMilli()
	facts := []mangle.Fact{
		{
			Predicate: "nav_state",
			Args:      []interface{}{sessionID, ch.To.BasePath, ch.To.Tab},
			Timestamp: ch.At,
		},
		{
			Predicate: "nav_transition",
			Args:      []interface{}{sessionID, ch.From.Tab, ch.To.Tab, string(ch.Cause), ts},
			Timestamp: ch.At,
		},
		{
			Predicate: "current_url",
			Args:      []interface{}{sessionID, ch.Location.URL()},
			Timestamp: ch.At,
		},
	}
	if ch.TokenHydrated {
		facts = append(facts, mangle.Fact{
			Predicate: "token_hydrated",
			Args:      []interface{}{sessionID, ts},
			Timestamp: ch.At,
		})
	}
	return facts
}
