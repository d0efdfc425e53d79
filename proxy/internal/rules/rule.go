package rules

import (
	"go.uber.org/atomic"

	"github.com/httptoolkit/mockproxy/proxy/internal/request"
	"github.com/httptoolkit/mockproxy/proxy/internal/steps"
)

// Rule pairs a matcher with an ordered step list and a completion policy
// (§3, §4.5). Rules are immutable once built except for the handled
// counter, which every matched request increments.
type Rule struct {
	ID       string
	Priority int
	// seq is the insertion order, used to break priority ties (§4.5.5).
	seq int

	Matcher    Matcher
	Steps      []steps.Step
	Completion Completion
	// CompletionCount is the N for Completion == CompletionCount.
	CompletionCount uint32

	handled atomic.Uint32
}

// NewRule constructs a Rule. seq is assigned by the Engine on Add/SetRules,
// not here, since it reflects list position rather than construction order.
func NewRule(id string, priority int, matcher Matcher, stepList []steps.Step, completion Completion, count uint32) *Rule {
	return &Rule{
		ID:              id,
		Priority:        priority,
		Matcher:         matcher,
		Steps:           stepList,
		Completion:      completion,
		CompletionCount: count,
	}
}

// Matches reports whether r's matcher accepts req. It does not consult
// completion state; that's the Engine's job per the two-phase algorithm.
func (r *Rule) Matches(req *request.OngoingRequest) bool {
	return r.Matcher.Matches(req)
}

// IsComplete reports this rule's completion state for its current handled
// count. ok is false when the policy defers to the engine's heuristic.
func (r *Rule) IsComplete() (complete, ok bool) {
	return r.Completion.IsComplete(r.handled.Load(), r.CompletionCount)
}

// Handled returns the number of requests this rule has served so far.
func (r *Rule) Handled() uint32 { return r.handled.Load() }

// MarkHandled increments the handled counter; called once per request that
// this rule is chosen to serve.
func (r *Rule) MarkHandled() { r.handled.Inc() }

// Explain describes the rule's matcher for the admin-facing endpoint
// listing (§GLOSSARY "pending endpoints").
func (r *Rule) Explain() string { return r.Matcher.Explain() }
