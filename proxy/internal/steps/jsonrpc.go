package steps

import (
	"context"
	"encoding/json"

	"github.com/httptoolkit/mockproxy/proxy/internal/request"
)

// jsonRPCEnvelope is the JSON-RPC 2.0 response shape (§4.6 "JSON-RPC reply").
type jsonRPCEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// JSONRPCResponse wraps Result (or Error) into a JSON-RPC 2.0 envelope that
// echoes the request's "id" field, matching the caller's own request ID.
type JSONRPCResponse struct {
	Result     json.RawMessage
	ErrorCode  int
	ErrorMsg   string
	IDFallback json.RawMessage // used when the request body doesn't parse
}

func (s *JSONRPCResponse) Handle(_ context.Context, req *request.OngoingRequest, resp **request.OngoingResponse) (Result, error) {
	id := s.IDFallback
	if req.Body != nil {
		if raw, err := req.Body.Decoded(); err == nil {
			var incoming struct {
				ID json.RawMessage `json:"id"`
			}
			if json.Unmarshal(raw, &incoming) == nil && len(incoming.ID) > 0 {
				id = incoming.ID
			}
		}
	}

	envelope := jsonRPCEnvelope{JSONRPC: "2.0", ID: id}
	if s.ErrorMsg != "" {
		envelope.Error = &jsonRPCError{Code: s.ErrorCode, Message: s.ErrorMsg}
	} else {
		envelope.Result = s.Result
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return Result{}, err
	}

	r := request.NewResponse(req)
	r.StatusCode = 200
	r.Headers = request.Headers{{Name: "Content-Type", Value: "application/json"}}
	r.Body = request.NewBody(body, "", int64(len(body))+1)
	*resp = r
	return DoneResult(), nil
}

func (s *JSONRPCResponse) Explain() string { return "respond with a JSON-RPC envelope" }
