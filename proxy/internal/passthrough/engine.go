package passthrough

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/httptoolkit/mockproxy/proxy/internal/request"
)

// FailureReason tags an upstream failure for the passthrough-abort event
// (§4.7 "passthrough-error:<code>").
type FailureReason struct {
	Code    string
	Message string
}

// Result is what Engine.Execute produces: either a mirrored response or an
// abort instruction (close/reset) for the downstream connection.
type Result struct {
	Response *request.OngoingResponse
	Aborted  bool
	Reset    bool
	Failure  *FailureReason
}

// Config is the per-rule passthrough configuration (§4.7).
type Config struct {
	Transform             *Transform
	ProxyConfig           *ProxyConfig
	IgnoreHTTPSErrors     IgnoreHTTPSErrors
	SimulateConnErrors    bool
	BeforeResponse        func(*request.OngoingResponse) (*request.OngoingResponse, string, error)
	DialTimeout           time.Duration
}

// Engine dials upstream, relays the request and mirrors the response,
// grounded on the teacher's attacker.Attack pipeline (executeProxyRequest
// + readResponseBody + replyToClient) generalized to the rule-driven
// transform/proxy/TLS pipeline this spec requires.
type Engine struct {
	dns    *DNSCache
	agents *AgentPool

	mu         sync.Mutex
	localPorts map[int]struct{} // loop detection (§4.7)
}

func NewEngine() *Engine {
	return &Engine{
		dns:        NewDNSCache(nil, 10*time.Second, 10*time.Second),
		agents:     NewAgentPool(),
		localPorts: make(map[int]struct{}),
	}
}

// Execute resolves the destination, dials upstream (direct or via a
// resolved proxy agent), relays req and returns the mirrored response.
// peerIP is the downstream client's address, used for the client-relative
// hostname rewrite (§4.7): if the peer isn't itself localhost but the
// target resolves to localhost, the target is rewritten to peerIP so a
// containerised client can't accidentally reach the proxy host.
func (e *Engine) Execute(ctx context.Context, cfg Config, req *request.OngoingRequest, downstreamIsH2 bool, peerIP string) Result {
	var closeErrs error
	defer func() {
		if closeErrs != nil {
			zap.L().Debug("passthrough: error releasing upstream resources", zap.Error(closeErrs))
		}
	}()

	dest := Destination{
		Scheme: req.Scheme,
		Host:   req.Destination.Hostname,
		Port:   req.Destination.Port,
		Path:   req.URL.Path,
		Query:  req.URL.RawQuery,
	}

	if cfg.Transform != nil {
		resolved, err := cfg.Transform.Apply(dest)
		if err != nil {
			return e.fail(cfg, "config-error", err.Error())
		}
		dest = resolved
	}

	if !isLocalhost(peerIP) && isLocalhost(dest.Host) {
		dest.Host = peerIP
	}

	conn, tlsState, err := e.dial(ctx, cfg, dest, downstreamIsH2)
	if err != nil {
		return e.fail(cfg, classifyDialError(err), err.Error())
	}
	defer func() { closeErrs = multierr.Append(closeErrs, conn.Close()) }()
	defer e.releaseLocalPort(conn)

	client := e.buildClient(conn, dest, downstreamIsH2, tlsState)
	defer client.CloseIdleConnections()

	upstreamReq, err := e.buildUpstreamRequest(ctx, dest, req)
	if err != nil {
		return e.fail(cfg, "passthrough-error:request-build", err.Error())
	}

	upstreamResp, err := client.Do(upstreamReq)
	if err != nil {
		return e.fail(cfg, "passthrough-error:upstream-request", err.Error())
	}
	defer func() { closeErrs = multierr.Append(closeErrs, upstreamResp.Body.Close()) }()

	body, err := io.ReadAll(upstreamResp.Body)
	if err != nil {
		// mid-stream failure: always abort downstream (§4.7), regardless
		// of simulateConnectionErrors.
		return Result{Aborted: true}
	}

	resp := request.NewResponse(req)
	resp.StatusCode = upstreamResp.StatusCode
	resp.StatusMessage = upstreamResp.Status
	resp.Headers = headersFromHTTP(upstreamResp.Header)
	resp.Trailers = headersFromHTTP(upstreamResp.Trailer)

	isH1Response := !downstreamIsH2
	isHead := req.Method == http.MethodHead
	if isH1Response && !isHead {
		resp.Headers = FixFraming(resp.Headers, body)
	}
	resp.Body = request.NewBody(body, resp.Headers.Get("content-encoding"), int64(len(body))+1)

	if cfg.BeforeResponse != nil {
		overridden, action, err := cfg.BeforeResponse(resp)
		if err != nil {
			return e.fail(cfg, "passthrough-error:before-response", err.Error())
		}
		switch action {
		case "close":
			return Result{Aborted: true}
		case "reset":
			return Result{Aborted: true, Reset: true}
		default:
			resp = overridden
		}
	}

	return Result{Response: resp}
}

func (e *Engine) fail(cfg Config, code, message string) Result {
	zap.L().Warn("passthrough failure", zap.String("code", code), zap.String("message", message))
	if cfg.SimulateConnErrors {
		return Result{Aborted: true, Reset: true, Failure: &FailureReason{Code: code, Message: message}}
	}
	resp := &request.OngoingResponse{
		StatusCode:    http.StatusBadGateway,
		StatusMessage: "Bad Gateway",
		Headers:       request.Headers{{Name: "Content-Type", Value: "text/plain"}},
		Body:          request.NewBody([]byte("Error communicating with upstream server"), "", 1<<20),
	}
	return Result{Response: resp, Failure: &FailureReason{Code: code, Message: message}}
}

func (e *Engine) dial(ctx context.Context, cfg Config, dest Destination, downstreamIsH2 bool) (net.Conn, *tls.ConnectionState, error) {
	var setting *ProxySetting
	if cfg.ProxyConfig != nil {
		resolved, err := cfg.ProxyConfig.Resolve(dest.Host, dest.Port)
		if err != nil {
			return nil, nil, err
		}
		setting = resolved
	}

	address := net.JoinHostPort(dest.Host, strconv.Itoa(dest.Port))

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}

	var conn net.Conn
	var err error
	if setting != nil {
		conn, err = e.agents.Get(setting).Dial(dialCtx, address)
	} else {
		conn, err = (&net.Dialer{}).DialContext(dialCtx, "tcp", address)
	}
	if err != nil {
		return nil, nil, err
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	if isLocalhost(dest.Host) && e.isTrackedLocalPort(dest.Port) {
		conn.Close()
		return nil, nil, fmt.Errorf("passthrough loop detected")
	}
	e.trackLocalPort(conn)

	if isPlaintext(dest.Scheme) {
		return conn, nil, nil
	}

	tlsConfig := BuildUpstreamTLSConfig(dest.Host, dest.Port, nil, cfg.IgnoreHTTPSErrors, nil)
	tlsConfig.NextProtos = negotiatedALPN(downstreamIsH2, dest.Scheme)
	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		conn.Close()
		return nil, nil, err
	}
	state := tlsConn.ConnectionState()
	return tlsConn, &state, nil
}

// isTrackedLocalPort implements §4.7's loop detection: it reports whether
// port is currently the local port of one of our own outgoing sockets. A
// destination of localhost:port where port is tracked means this dial
// would loop back into the proxy itself.
func (e *Engine) isTrackedLocalPort(port int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, tracked := e.localPorts[port]
	return tracked
}

func (e *Engine) trackLocalPort(conn net.Conn) {
	localAddr, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.localPorts[localAddr.Port] = struct{}{}
}

// releaseLocalPort stops tracking conn's local port once the upstream
// connection it was dialled for has closed, so the OS is free to reuse
// the port for a later, unrelated dial.
func (e *Engine) releaseLocalPort(conn net.Conn) {
	localAddr, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.localPorts, localAddr.Port)
}

func (e *Engine) buildClient(conn net.Conn, dest Destination, downstreamIsH2 bool, tlsState *tls.ConnectionState) *http.Client {
	factory := ClientFactory{}
	if isPlaintext(dest.Scheme) {
		return factory.ForPlainHTTP(conn)
	}
	h2 := downstreamIsH2 && tlsState != nil && tlsState.NegotiatedProtocol == "h2"
	return factory.ForHTTPS(conn.(*tls.Conn), h2)
}

func (e *Engine) buildUpstreamRequest(ctx context.Context, dest Destination, req *request.OngoingRequest) (*http.Request, error) {
	var body io.Reader
	if req.Body != nil && len(req.Body.Raw()) > 0 {
		body = bytes.NewReader(req.Body.Raw())
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, req.Method, dest.URL().String(), body)
	if err != nil {
		return nil, err
	}

	for _, h := range req.Headers {
		if strings.EqualFold(h.Name, "host") {
			continue
		}
		upstreamReq.Header.Add(h.Name, h.Value)
	}

	host := dest.HostHeader
	if host == "" {
		host = hostPort(dest)
	}
	upstreamReq.Host = host

	return upstreamReq, nil
}

func headersFromHTTP(h http.Header) request.Headers {
	var out request.Headers
	for name, values := range h {
		for _, v := range values {
			out = append(out, request.HeaderPair{Name: name, Value: v})
		}
	}
	return out
}

func isLocalhost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func classifyDialError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "certificate"):
		return "passthrough-tls-error:cert-verify-failed"
	case strings.Contains(msg, "tls"):
		return "passthrough-tls-error:handshake-failed"
	case strings.Contains(msg, "no such host"):
		return "passthrough-error:dns-lookup-failed"
	case strings.Contains(msg, "refused"):
		return "passthrough-error:connection-refused"
	case strings.Contains(msg, "loop detected"):
		return "passthrough-error:loop-detected"
	default:
		return "passthrough-error:connect-failed"
	}
}
