// Package events implements the proxy's lifecycle event bus (C9): a typed
// fan-out that runs each subscriber callback on its own goroutine, so
// subscriber delivery is decoupled from the request critical path.
package events

import (
	"sync"

	"github.com/httptoolkit/mockproxy/proxy/internal/request"
)

// Kind names a lifecycle event, matching the names enumerated in spec §2/§6.
type Kind string

const (
	KindRequestInitiated  Kind = "request-initiated"
	KindRequest           Kind = "request"
	KindResponse          Kind = "response"
	KindAbort             Kind = "abort"
	KindTLSClientError    Kind = "tls-client-error"
	KindClientError       Kind = "client-error"
	KindPassthroughAbort  Kind = "passthrough-abort"
	KindPassthroughError  Kind = "passthrough-error"
)

// Event is a snapshot payload: timings and tags are cloned at emission time
// so a subscriber can never race the still-mutating OngoingRequest (§4.9).
type Event struct {
	Kind Kind

	RequestID string
	Request   *request.OngoingRequest  // nil for connection-level events
	Response  *request.OngoingResponse // nil unless Kind == response

	// Error carries the raw error code / recognised tag for error events.
	Error string
	Tags  []string
}

func snapshot(kind Kind, req *request.OngoingRequest, resp *request.OngoingResponse, errMsg string) Event {
	ev := Event{Kind: kind, Error: errMsg}
	if req != nil {
		ev.RequestID = req.ID.String()
		clone := *req
		clone.Headers = req.Headers.Clone()
		clone.Trailers = req.Trailers.Clone()
		clone.Tags = append([]string(nil), req.Tags...)
		ev.Request = &clone
		ev.Tags = clone.Tags
	}
	if resp != nil {
		clone := *resp
		clone.Headers = resp.Headers.Clone()
		clone.Trailers = resp.Trailers.Clone()
		ev.Response = &clone
	}
	return ev
}

// Subscriber receives events asynchronously: every call runs on a new
// goroutine, so a slow handler never blocks the request path or other
// subscribers.
type Subscriber func(Event)

// Bus is a process-wide (per-server) fan-out of events to subscribers.
// Each event is handed to each matching subscriber on a goroutine of its
// own, so a subscriber may see events out of emission order, including
// two events of the same request.
type Bus struct {
	mu   sync.RWMutex
	subs map[Kind][]Subscriber
	all  []Subscriber
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{subs: make(map[Kind][]Subscriber)}
}

// On subscribes cb to events of the given kind. Passing "" subscribes to
// every kind.
func (b *Bus) On(kind Kind, cb Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if kind == "" {
		b.all = append(b.all, cb)
		return
	}
	b.subs[kind] = append(b.subs[kind], cb)
}

func (b *Bus) subscribers(kind Kind) []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Subscriber, 0, len(b.subs[kind])+len(b.all))
	out = append(out, b.subs[kind]...)
	out = append(out, b.all...)
	return out
}

// emit dispatches ev to every matching subscriber on its own goroutine,
// non-blocking with respect to the caller (the request-handling path).
func (b *Bus) emit(ev Event) {
	for _, cb := range b.subscribers(ev.Kind) {
		go cb(ev)
	}
}

// RequestInitiated fires before any rule has run (§4.4).
func (b *Bus) RequestInitiated(req *request.OngoingRequest) {
	b.emit(snapshot(KindRequestInitiated, req, nil, ""))
}

// Request fires once the matched rule id is known (§3 invariant).
func (b *Bus) Request(req *request.OngoingRequest) {
	b.emit(snapshot(KindRequest, req, nil, ""))
}

// Response fires iff the terminal step produced bytes to the client.
func (b *Bus) Response(req *request.OngoingRequest, resp *request.OngoingResponse) {
	b.emit(snapshot(KindResponse, req, resp, ""))
}

// Abort fires exactly once for a request that never completed.
func (b *Bus) Abort(req *request.OngoingRequest, reason string) {
	b.emit(snapshot(KindAbort, req, nil, reason))
}

// ClientError reports downstream parser/framing failures (§7).
func (b *Bus) ClientError(req *request.OngoingRequest, err error) {
	b.emit(snapshot(KindClientError, req, nil, errString(err)))
}

// TLSClientError reports downstream TLS failures before setup completed (§4.3).
func (b *Bus) TLSClientError(req *request.OngoingRequest, err error) {
	b.emit(snapshot(KindTLSClientError, req, nil, errString(err)))
}

// PassthroughAbort reports an upstream failure per §4.7's one-event rule.
func (b *Bus) PassthroughAbort(req *request.OngoingRequest, tag string) {
	b.emit(snapshot(KindPassthroughAbort, req, nil, tag))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
