// Package request holds the canonical request/response value types that
// flow through the rule engine, step executor and passthrough engine (C4 of
// the design: request intake).
package request

import (
	"net/url"
	"strings"
	"time"

	uuid "github.com/satori/go.uuid"
)

// HeaderPair is a single header line, preserving the wire case of its name
// and allowing duplicate names, exactly as they arrived on the socket.
type HeaderPair struct {
	Name  string
	Value string
}

// Headers is an ordered list of HeaderPair preserving duplicates and case,
// with case-insensitive lookup helpers layered on top.
type Headers []HeaderPair

// Get returns the first value for name (case-insensitive), or "" if absent.
func (h Headers) Get(name string) string {
	for _, p := range h {
		if strings.EqualFold(p.Name, name) {
			return p.Value
		}
	}
	return ""
}

// Values returns every value for name (case-insensitive), in wire order.
func (h Headers) Values(name string) []string {
	var out []string
	for _, p := range h {
		if strings.EqualFold(p.Name, name) {
			out = append(out, p.Value)
		}
	}
	return out
}

// Set replaces all existing values for name with a single value, preserving
// the position of the first match (or appending if absent).
func (h Headers) Set(name, value string) Headers {
	out := make(Headers, 0, len(h)+1)
	set := false
	for _, p := range h {
		if strings.EqualFold(p.Name, name) {
			if !set {
				out = append(out, HeaderPair{Name: name, Value: value})
				set = true
			}
			continue
		}
		out = append(out, p)
	}
	if !set {
		out = append(out, HeaderPair{Name: name, Value: value})
	}
	return out
}

// Del removes every header named name (case-insensitive).
func (h Headers) Del(name string) Headers {
	out := make(Headers, 0, len(h))
	for _, p := range h {
		if !strings.EqualFold(p.Name, name) {
			out = append(out, p)
		}
	}
	return out
}

// Clone returns a deep-enough copy safe to hand to an event subscriber.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// Destination is the resolved connection target for a request: the
// hostname from the Host header / SNI / CONNECT target, plus port.
type Destination struct {
	Hostname string
	Port     int
}

// Timing captures the monotonic timing marks of §3's invariants.
type Timing struct {
	Start         time.Time
	HeadersSent   time.Time
	ResponseSent  time.Time
	Abort         time.Time
}

// OngoingRequest is the canonical, protocol-agnostic view of an inbound
// request as it travels through the rule engine, step executor and
// passthrough/websocket engines.
type OngoingRequest struct {
	ID uuid.UUID

	Tags []string

	Method  string
	URL     *url.URL // absolute URL per §4.1
	Path    string
	Scheme  string
	Proto   string // "HTTP/1.1", "HTTP/2.0"

	Headers     Headers
	Destination Destination
	PeerIP      string

	Body *Body

	MatchedRuleID string
	Trailers      Headers

	Timing Timing
}

// New creates an OngoingRequest with a fresh ID and start timing mark.
func New() *OngoingRequest {
	return &OngoingRequest{
		ID:     uuid.NewV4(),
		Timing: Timing{Start: time.Now()},
	}
}

// Tag appends a tag if not already present.
func (r *OngoingRequest) Tag(tag string) {
	for _, t := range r.Tags {
		if t == tag {
			return
		}
	}
	r.Tags = append(r.Tags, tag)
}

// OngoingResponse is the canonical response view, created once the
// downstream protocol handler has a response sink to write into.
type OngoingResponse struct {
	ID uuid.UUID // == OngoingRequest.ID

	StatusCode    int
	StatusMessage string
	Headers       Headers
	Body          *Body
	Trailers      Headers

	Timing Timing
}

// NewResponse creates an OngoingResponse paired with req.
func NewResponse(req *OngoingRequest) *OngoingResponse {
	return &OngoingResponse{ID: req.ID}
}
