package steps

import (
	"context"
	"time"

	"github.com/httptoolkit/mockproxy/proxy/internal/request"
)

// Delay sleeps before continuing to the next step (§4.6 continuing step).
// It is a suspension point per §5 and is cancelled by ctx (downstream close).
type Delay struct {
	Duration time.Duration
}

func (s *Delay) Handle(ctx context.Context, _ *request.OngoingRequest, _ **request.OngoingResponse) (Result, error) {
	timer := time.NewTimer(s.Duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return ContinueResult(), nil
	case <-ctx.Done():
		return AbortResult("close", "connection closed during delay"), nil
	}
}

func (s *Delay) Explain() string { return "delay" }

// WaitForRequestBody blocks until the full request body has been read,
// forcing non-streaming steps after it to see the complete body (§4.6).
type WaitForRequestBody struct{}

func (s *WaitForRequestBody) Handle(_ context.Context, req *request.OngoingRequest, _ **request.OngoingResponse) (Result, error) {
	if req.Body != nil {
		_, _ = req.Body.Decoded() // force materialisation; ignore decode errors, raw is always available
	}
	return ContinueResult(), nil
}

func (s *WaitForRequestBody) Explain() string { return "wait for request body" }

// Timeout never responds; it is cancelled only by downstream close (§4.6,
// §5). Handle blocks until ctx is done and then reports Aborted so the
// executor knows not to attempt a reply.
type Timeout struct{}

func (s *Timeout) Handle(ctx context.Context, _ *request.OngoingRequest, _ **request.OngoingResponse) (Result, error) {
	<-ctx.Done()
	return AbortResult("timeout", "connection closed while timeout step held the request open"), nil
}

func (s *Timeout) Explain() string { return "never respond" }
