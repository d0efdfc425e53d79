package rules

import (
	"sort"
	"sync"

	"github.com/httptoolkit/mockproxy/proxy/internal/request"
)

// Engine holds the live rule list and implements the matching algorithm of
// §4.5. All list mutations (SetRules, AddRules, Reset) are serialised
// behind a single mutex, matching the teacher's flow-state locking
// discipline; Match takes a snapshot of the list under that mutex and
// evaluates matchers outside it.
type Engine struct {
	mu    sync.Mutex
	rules []*Rule
	seq   int
}

func NewEngine() *Engine {
	return &Engine{}
}

// SetRules atomically replaces the whole rule list. The previous rules are
// dropped from the list; no per-rule dispose or cleanup runs for them.
// Rules are re-sorted by priority (descending) then insertion order.
func (e *Engine) SetRules(newRules []*Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = nil
	e.seq = 0
	e.appendLocked(newRules)
}

// AddRules appends to the existing list, preserving previously-assigned
// sequence numbers.
func (e *Engine) AddRules(newRules []*Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.appendLocked(newRules)
}

func (e *Engine) appendLocked(newRules []*Rule) {
	for _, r := range newRules {
		r.seq = e.seq
		e.seq++
		e.rules = append(e.rules, r)
	}
	sort.SliceStable(e.rules, func(i, j int) bool {
		if e.rules[i].Priority != e.rules[j].Priority {
			return e.rules[i].Priority > e.rules[j].Priority
		}
		return e.rules[i].seq < e.rules[j].seq
	})
}

// Reset clears the rule list (§4.5.5).
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = nil
}

// Rules returns a snapshot of the current list in matching order, for the
// admin-facing "mocked/pending endpoints" surfaces.
func (e *Engine) Rules() []*Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// ErrNoRuleMatched is a sentinel, not an error type, since "no rule
// matched" is an expected outcome (§4.5.3) rather than a failure.
type noMatchError struct{}

func (noMatchError) Error() string { return "rules: no rule matched" }

var ErrNoRuleMatched error = noMatchError{}

// Match implements the algorithm in §4.5: matchers are evaluated
// concurrently, but the rule list is walked and consumed in order so the
// chosen rule is deterministic regardless of evaluation latency.
func (e *Engine) Match(req *request.OngoingRequest) (*Rule, error) {
	snapshot := e.Rules()
	if len(snapshot) == 0 {
		return nil, ErrNoRuleMatched
	}

	results := make([]bool, len(snapshot))
	var wg sync.WaitGroup
	wg.Add(len(snapshot))
	for i, r := range snapshot {
		go func(i int, r *Rule) {
			defer wg.Done()
			results[i] = r.Matches(req)
		}(i, r)
	}
	wg.Wait()

	// Step 2: first rule that matches and is not yet complete.
	for i, r := range snapshot {
		if !results[i] {
			continue
		}
		if complete, ok := r.IsComplete(); ok && !complete {
			return r, nil
		}
	}

	// Step 3: last rule that matches and has a deferred ("null") checker,
	// provided it has handled at least one request already.
	for i := len(snapshot) - 1; i >= 0; i-- {
		if !results[i] {
			continue
		}
		if _, ok := snapshot[i].IsComplete(); !ok && snapshot[i].Handled() >= 1 {
			return snapshot[i], nil
		}
	}

	return nil, ErrNoRuleMatched
}
