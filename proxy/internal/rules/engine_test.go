package rules_test

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/httptoolkit/mockproxy/proxy/internal/rules"
)

func TestEngineMatchesHigherPriorityFirst(t *testing.T) {
	c := qt.New(t)

	e := rules.NewEngine()
	low := rules.NewRule("low", 0, rules.AnyMethodMatcher{}, nil, rules.CompletionAlways, 0)
	high := rules.NewRule("high", 10, rules.AnyMethodMatcher{}, nil, rules.CompletionAlways, 0)
	e.SetRules([]*rules.Rule{low, high})

	chosen, err := e.Match(newReq("GET", "/"))
	c.Assert(err, qt.IsNil)
	c.Assert(chosen.ID, qt.Equals, "high")
}

func TestEngineSkipsCompletedRule(t *testing.T) {
	c := qt.New(t)

	e := rules.NewEngine()
	completion, count := rules.Once()
	onceOnly := rules.NewRule("once", 0, rules.AnyMethodMatcher{}, nil, completion, count)
	fallback := rules.NewRule("fallback", 0, rules.AnyMethodMatcher{}, nil, rules.CompletionAlways, 0)
	e.SetRules([]*rules.Rule{onceOnly, fallback})

	chosen, err := e.Match(newReq("GET", "/"))
	c.Assert(err, qt.IsNil)
	c.Assert(chosen.ID, qt.Equals, "once")
	chosen.MarkHandled()

	chosen2, err := e.Match(newReq("GET", "/"))
	c.Assert(err, qt.IsNil)
	c.Assert(chosen2.ID, qt.Equals, "fallback")
}

func TestEngineNoMatchReportsSentinel(t *testing.T) {
	c := qt.New(t)

	e := rules.NewEngine()
	_, err := e.Match(newReq("GET", "/"))
	c.Assert(err, qt.Equals, rules.ErrNoRuleMatched)
}

func TestEngineMatchesDeferredRuleOnFirstRequest(t *testing.T) {
	c := qt.New(t)

	e := rules.NewEngine()
	deferred := rules.NewRule("deferred", 0, rules.AnyMethodMatcher{}, nil, rules.CompletionDeferred, 0)
	e.SetRules([]*rules.Rule{deferred})

	chosen, err := e.Match(newReq("GET", "/hi"))
	c.Assert(err, qt.IsNil)
	c.Assert(chosen.ID, qt.Equals, "deferred")
}

func TestEngineDeferredRuleRepeatsWhenLastMatching(t *testing.T) {
	c := qt.New(t)

	e := rules.NewEngine()
	deferred := rules.NewRule("deferred", 0, rules.AnyMethodMatcher{}, nil, rules.CompletionDeferred, 0)
	e.SetRules([]*rules.Rule{deferred})

	for i := 0; i < 3; i++ {
		chosen, err := e.Match(newReq("GET", "/hi"))
		c.Assert(err, qt.IsNil)
		c.Assert(chosen.ID, qt.Equals, "deferred")
		chosen.MarkHandled()
	}
}

func TestEngineDeferredRuleYieldsToLaterMatchingRule(t *testing.T) {
	c := qt.New(t)

	e := rules.NewEngine()
	deferred := rules.NewRule("deferred", 0, rules.AnyMethodMatcher{}, nil, rules.CompletionDeferred, 0)
	later := rules.NewRule("later", 0, rules.AnyMethodMatcher{}, nil, rules.CompletionAlways, 0)
	e.SetRules([]*rules.Rule{deferred, later})

	// Step 2 picks "deferred" fresh (handled == 0); once it has handled one
	// request, a later matching rule takes over per §3/step 3.
	chosen, err := e.Match(newReq("GET", "/hi"))
	c.Assert(err, qt.IsNil)
	c.Assert(chosen.ID, qt.Equals, "deferred")
	chosen.MarkHandled()

	chosen2, err := e.Match(newReq("GET", "/hi"))
	c.Assert(err, qt.IsNil)
	c.Assert(chosen2.ID, qt.Equals, "later")
}

func TestEngineResetClearsRules(t *testing.T) {
	c := qt.New(t)

	e := rules.NewEngine()
	e.SetRules([]*rules.Rule{rules.NewRule("r", 0, rules.AnyMethodMatcher{}, nil, rules.CompletionAlways, 0)})
	e.Reset()

	_, err := e.Match(newReq("GET", "/"))
	c.Assert(err, qt.Equals, rules.ErrNoRuleMatched)
}
