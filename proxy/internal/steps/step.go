// Package steps implements the step executor (C6): the ordered list of
// actions a matched rule runs against a request/response pair.
package steps

import (
	"context"
	"fmt"

	"github.com/httptoolkit/mockproxy/proxy/internal/request"
)

// Outcome is the sum-type result of a step, replacing the exception-based
// control flow ("AbortError") of the original implementation per spec §9.
type Outcome int

const (
	// Continue means the step mutated state and the next step should run.
	Continue Outcome = iota
	// Done means the step produced a terminal response; stop the chain.
	Done
	// Aborted means the connection was closed/reset; no response follows.
	Aborted
)

// Result is returned by every Step.Handle call.
type Result struct {
	Outcome Outcome
	Code    string // abort reason code, set when Outcome == Aborted
	Msg     string
}

func ContinueResult() Result { return Result{Outcome: Continue} }
func DoneResult() Result     { return Result{Outcome: Done} }
func AbortResult(code, msg string) Result {
	return Result{Outcome: Aborted, Code: code, Msg: msg}
}

// Step is a single unit of work inside a rule, run in order until one
// returns Done or Aborted (§4.6, GLOSSARY).
type Step interface {
	// Handle runs the step. resp is nil until a prior step (or this one)
	// has produced one; a terminal step must populate it before returning
	// Done.
	Handle(ctx context.Context, req *request.OngoingRequest, resp **request.OngoingResponse) (Result, error)
	Explain() string
}

// ConfigError is returned when a step's configuration is invalid at
// construction time (§7 config-error, fatal and never retried).
type ConfigError struct {
	Step string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("steps: invalid %s configuration: %v", e.Step, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Run executes rule steps in order against req, producing a response or an
// abort. Each step's idempotence (or lack thereof, for Stream) is the
// responsibility of the step implementation, not of Run (§4.6).
func Run(ctx context.Context, stepList []Step, req *request.OngoingRequest) (*request.OngoingResponse, Result, error) {
	var resp *request.OngoingResponse
	for _, s := range stepList {
		result, err := s.Handle(ctx, req, &resp)
		if err != nil {
			return resp, Result{Outcome: Done}, err
		}
		switch result.Outcome {
		case Continue:
			continue
		case Done, Aborted:
			return resp, result, nil
		}
	}
	// No terminal step: report Done with whatever response earlier steps
	// left (nil if none).
	return resp, Result{Outcome: Done}, nil
}
