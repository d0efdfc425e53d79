package steps

import (
	"context"

	"github.com/httptoolkit/mockproxy/proxy/internal/passthrough"
	"github.com/httptoolkit/mockproxy/proxy/internal/request"
)

// PassthroughEngine is the subset of *passthrough.Engine this step needs;
// narrowed to an interface so step-level tests can substitute a fake
// upstream without a real dial.
type PassthroughEngine interface {
	Execute(ctx context.Context, cfg passthrough.Config, req *request.OngoingRequest, downstreamIsH2 bool, peerIP string) passthrough.Result
}

// Passthrough forwards the request upstream unmodified (or transformed per
// cfg) rather than returning a mock response — the rule-engine's escape
// hatch into the C7 upstream engine (§4.7).
type Passthrough struct {
	Engine PassthroughEngine
	Config passthrough.Config
}

func NewPassthrough(engine PassthroughEngine, cfg passthrough.Config) *Passthrough {
	return &Passthrough{Engine: engine, Config: cfg}
}

func (s *Passthrough) Handle(ctx context.Context, req *request.OngoingRequest, resp **request.OngoingResponse) (Result, error) {
	result := s.Engine.Execute(ctx, s.Config, req, req.Proto == "HTTP/2.0", req.PeerIP)
	if result.Aborted {
		code := "passthrough-error"
		msg := "upstream connection failed"
		if result.Failure != nil {
			code, msg = result.Failure.Code, result.Failure.Message
		}
		return AbortResult(code, msg), nil
	}
	*resp = result.Response
	return DoneResult(), nil
}

func (s *Passthrough) Explain() string { return "pass the request through to its original destination" }
