package steps

import (
	"context"

	"github.com/httptoolkit/mockproxy/proxy/internal/request"
)

// CloseConnection forcibly closes the downstream connection without a reply.
type CloseConnection struct{}

func (s *CloseConnection) Handle(context.Context, *request.OngoingRequest, **request.OngoingResponse) (Result, error) {
	return AbortResult("close", "rule requested connection close"), nil
}

func (s *CloseConnection) Explain() string { return "close the connection" }

// ResetConnection sends a TCP RST. Per §5, platforms without RST support
// must fail rule construction, not silently degrade to a close.
type ResetConnection struct {
	// Supported is resolved at rule-build time from the platform's net.Conn
	// capabilities; constructing a ResetConnection step on an unsupported
	// platform is a config-error (§5).
	Supported bool
}

func NewResetConnection(platformSupportsRST bool) (*ResetConnection, error) {
	if !platformSupportsRST {
		return nil, &ConfigError{Step: "reset-connection", Err: errUnsupportedReset}
	}
	return &ResetConnection{Supported: true}, nil
}

func (s *ResetConnection) Handle(context.Context, *request.OngoingRequest, **request.OngoingResponse) (Result, error) {
	return AbortResult("reset", "rule requested connection reset"), nil
}

func (s *ResetConnection) Explain() string { return "reset the connection" }

var errUnsupportedReset = resetUnsupportedError{}

type resetUnsupportedError struct{}

func (resetUnsupportedError) Error() string {
	return "platform does not support sending a TCP RST"
}
