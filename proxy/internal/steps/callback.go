package steps

import (
	"context"

	"github.com/httptoolkit/mockproxy/proxy/internal/request"
)

// CallbackResult is what a user callback hands back to drive the response,
// or a close/reset instruction per §4.7's beforeResponse contract reused
// here for request-time callbacks.
type CallbackResult struct {
	Status   int
	Headers  request.Headers
	Body     []byte
	Close    bool
	Reset    bool
}

// Callback invokes a user function with the request and lets it decide the
// response (§4.6 callback response).
type Callback struct {
	Fn func(ctx context.Context, req *request.OngoingRequest) (CallbackResult, error)
}

func (s *Callback) Handle(ctx context.Context, req *request.OngoingRequest, resp **request.OngoingResponse) (Result, error) {
	out, err := s.Fn(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if out.Reset {
		return AbortResult("reset", "callback requested reset"), nil
	}
	if out.Close {
		return AbortResult("close", "callback requested close"), nil
	}

	r := request.NewResponse(req)
	r.StatusCode = out.Status
	r.Headers = out.Headers
	r.Body = request.NewBody(out.Body, out.Headers.Get("content-encoding"), int64(len(out.Body))+1)
	*resp = r
	return DoneResult(), nil
}

func (s *Callback) Explain() string { return "respond via callback" }
