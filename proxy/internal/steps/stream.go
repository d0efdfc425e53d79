package steps

import (
	"context"
	"errors"
	"io"

	"go.uber.org/atomic"

	"github.com/httptoolkit/mockproxy/proxy/internal/request"
)

// ErrStreamAlreadyConsumed is returned when a Stream step is run a second
// time. Streams read from a single reader that cannot be rewound, so the
// step is explicitly single-shot per §4.6.
var ErrStreamAlreadyConsumed = errors.New("steps: stream response already consumed")

// Stream responds with the bytes read from Source. Source is read to EOF
// and the whole body is buffered before the response is produced; bytes
// are not passed on as they arrive. It is single-shot: a second Handle
// call on the same Stream fails (§4.6).
type Stream struct {
	Status  int
	Headers request.Headers
	Source  io.Reader

	consumed atomic.Bool
}

func (s *Stream) Handle(_ context.Context, req *request.OngoingRequest, resp **request.OngoingResponse) (Result, error) {
	if !s.consumed.CompareAndSwap(false, true) {
		return Result{}, ErrStreamAlreadyConsumed
	}

	body, err := io.ReadAll(s.Source)
	if err != nil {
		return Result{}, err
	}

	r := request.NewResponse(req)
	r.StatusCode = s.Status
	r.Headers = s.Headers
	r.Body = request.NewBody(body, s.Headers.Get("content-encoding"), int64(len(body))+1)
	*resp = r
	return DoneResult(), nil
}

func (s *Stream) Explain() string { return "respond by streaming a source" }
