package steps_test

import (
	"context"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/httptoolkit/mockproxy/proxy/internal/passthrough"
	"github.com/httptoolkit/mockproxy/proxy/internal/request"
	"github.com/httptoolkit/mockproxy/proxy/internal/steps"
)

type fakePassthroughEngine struct {
	result passthrough.Result
}

func (f fakePassthroughEngine) Execute(context.Context, passthrough.Config, *request.OngoingRequest, bool, string) passthrough.Result {
	return f.result
}

func TestPassthroughStepReturnsUpstreamResponse(t *testing.T) {
	c := qt.New(t)
	req := request.New()
	resp := request.NewResponse(req)
	resp.StatusCode = 200

	step := steps.NewPassthrough(fakePassthroughEngine{result: passthrough.Result{Response: resp}}, passthrough.Config{})
	var out *request.OngoingResponse
	result, err := step.Handle(context.Background(), req, &out)

	c.Assert(err, qt.IsNil)
	c.Assert(result.Outcome, qt.Equals, steps.Done)
	c.Assert(out, qt.Equals, resp)
}

func TestPassthroughStepAbortsOnUpstreamFailure(t *testing.T) {
	c := qt.New(t)
	req := request.New()

	step := steps.NewPassthrough(fakePassthroughEngine{result: passthrough.Result{
		Aborted: true,
		Failure: &passthrough.FailureReason{Code: "passthrough-error:dial-failed", Message: "boom"},
	}}, passthrough.Config{})
	var out *request.OngoingResponse
	result, err := step.Handle(context.Background(), req, &out)

	c.Assert(err, qt.IsNil)
	c.Assert(result.Outcome, qt.Equals, steps.Aborted)
	c.Assert(result.Code, qt.Equals, "passthrough-error:dial-failed")
}
