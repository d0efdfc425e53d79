package rules

// Completion decides when a rule is exhausted, per §3/§4.5.
type Completion int

const (
	// CompletionAlways never completes: the rule can repeat forever.
	CompletionAlways Completion = iota
	// CompletionCount completes once handled >= N (N set via Rule.CompletionCount).
	CompletionCount
	// CompletionDeferred has no explicit checker: completeness is decided
	// by the list-position heuristic in engine.go step 3.
	CompletionDeferred
)

// IsComplete reports whether handled requests satisfy this completion
// policy. For CompletionDeferred, a rule that hasn't handled anything yet
// is never complete (ok=true, complete=false), so a fresh deferred rule is
// picked by step 2 like any other rule; only once it has handled at least
// one request does the decision defer to the engine's list-position
// heuristic (ok=false), per §3's "no checker set, handled >= 1, and a
// later rule also matches" completeness definition.
func (c Completion) IsComplete(handled, count uint32) (complete, ok bool) {
	switch c {
	case CompletionAlways:
		return false, true
	case CompletionCount:
		return handled >= count, true
	case CompletionDeferred:
		if handled == 0 {
			return false, true
		}
		return false, false
	default:
		return false, false
	}
}

// Once, Twice, Thrice are the named N-times shorthands from §3.
func Once() (Completion, uint32)   { return CompletionCount, 1 }
func Twice() (Completion, uint32)  { return CompletionCount, 2 }
func Thrice() (Completion, uint32) { return CompletionCount, 3 }
func NTimes(n uint32) (Completion, uint32) { return CompletionCount, n }
