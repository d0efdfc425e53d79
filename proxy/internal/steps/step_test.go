package steps_test

import (
	"context"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/httptoolkit/mockproxy/proxy/internal/request"
	"github.com/httptoolkit/mockproxy/proxy/internal/steps"
)

func TestRunStopsAtFirstTerminalStep(t *testing.T) {
	c := qt.New(t)

	req := request.New()
	calls := 0
	tracker := &trackerStep{onHandle: func() { calls++ }}
	fixed := &steps.FixedResponse{Status: 200, Body: []byte("ok")}
	unreached := &trackerStep{onHandle: func() { c.Fatal("should not run after a Done step") }}

	resp, result, err := steps.Run(context.Background(), []steps.Step{tracker, fixed, unreached}, req)
	c.Assert(err, qt.IsNil)
	c.Assert(result.Outcome, qt.Equals, steps.Done)
	c.Assert(resp.StatusCode, qt.Equals, 200)
	c.Assert(calls, qt.Equals, 1)
}

func TestRunPropagatesAbort(t *testing.T) {
	c := qt.New(t)

	req := request.New()
	closeStep := &steps.CloseConnection{}
	_, result, err := steps.Run(context.Background(), []steps.Step{closeStep}, req)
	c.Assert(err, qt.IsNil)
	c.Assert(result.Outcome, qt.Equals, steps.Aborted)
	c.Assert(result.Code, qt.Equals, "close")
}

type trackerStep struct {
	onHandle func()
}

func (s *trackerStep) Handle(context.Context, *request.OngoingRequest, **request.OngoingResponse) (steps.Result, error) {
	s.onHandle()
	return steps.ContinueResult(), nil
}

func (s *trackerStep) Explain() string { return "tracker" }
