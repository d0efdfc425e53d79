// Package proxy is the public surface of the mocking/intercepting proxy:
// a Server that accepts plain, TLS-MITM'd and SOCKS-fronted connections,
// demuxes their protocol, matches each request against the live rule list,
// and either returns a mocked response or passes the request upstream.
//
// This generalises the teacher's Proxy/entry/wrapListener trio: the same
// accept-wrap-dispatch shape, but routed through the rule engine (C5)
// instead of a single fixed attacker pipeline, and fronted by a protocol
// demux (C1/C2) instead of assuming every connection is HTTP-or-CONNECT.
package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/httptoolkit/mockproxy/cert"
	"github.com/httptoolkit/mockproxy/internal/helper"
	"github.com/httptoolkit/mockproxy/proxy/internal/combo"
	"github.com/httptoolkit/mockproxy/proxy/internal/events"
	"github.com/httptoolkit/mockproxy/proxy/internal/passthrough"
	"github.com/httptoolkit/mockproxy/proxy/internal/request"
	"github.com/httptoolkit/mockproxy/proxy/internal/rules"
	"github.com/httptoolkit/mockproxy/proxy/internal/socksfront"
	"github.com/httptoolkit/mockproxy/proxy/internal/steps"
	"github.com/httptoolkit/mockproxy/proxy/internal/wsproxy"
)

// config is the resolved, option-applied server configuration. It stays
// unexported; callers only ever see it through Option values, mirroring
// the teacher's exported Config struct but sized for SPEC_FULL's larger
// surface (SOCKS auth methods, proxy chain, stream threshold, HTTP/2).
type config struct {
	addr               string
	ca                 cert.CA
	streamLargeBodies  int64
	enableHTTP2        bool
	socksAuthMethods   []socksfront.AuthMethod
	proxyConfig        *passthrough.ProxyConfig
	ignoreHTTPSErrors  passthrough.IgnoreHTTPSErrors
	simulateConnErrors bool
	logger             *zap.Logger
	ignoreHosts        []string
	allowHosts         []string
}

// Option configures a Server at construction time.
type Option func(*config)

func WithAddr(addr string) Option { return func(c *config) { c.addr = addr } }
func WithCA(ca cert.CA) Option    { return func(c *config) { c.ca = ca } }

func WithStreamLargeBodies(bytes int64) Option {
	return func(c *config) { c.streamLargeBodies = bytes }
}

// WithHTTP2 enables downstream HTTP/2 (via ALPN over MITM'd TLS, or h2c
// preface detection over plaintext per §4.1). Off by default, matching the
// teacher's HTTP/1-only entry point.
func WithHTTP2(enabled bool) Option { return func(c *config) { c.enableHTTP2 = enabled } }

// WithSOCKSUsernamePasswordAuth offers SOCKS5 RFC 1929 username/password
// auth on the combo front-end (§4.2), with the password field parsed as a
// JSON {tags: [...]} metadata blob. The parsed tags are not attached to the
// requests later served over the connection.
func WithSOCKSUsernamePasswordAuth() Option {
	return func(c *config) {
		c.socksAuthMethods = append(c.socksAuthMethods, socksfront.UsernamePasswordMethod{})
	}
}

// WithSOCKSCustomMetadataAuth offers the proxy-specific SOCKS5 0xDA method:
// a length-prefixed JSON metadata blob (§4.2). As with
// WithSOCKSUsernamePasswordAuth, the parsed tags are not attached to the
// requests later served over the connection.
func WithSOCKSCustomMetadataAuth() Option {
	return func(c *config) {
		c.socksAuthMethods = append(c.socksAuthMethods, socksfront.CustomMetadataMethod{})
	}
}

// ProxySetting is a single named upstream proxy configuration (§4.7):
// http(s), socks4/4a/5/5h, or pac+http/pac+https.
type ProxySetting struct {
	ProxyURL             string
	NoProxy              []string
	TrustedCAs           []*x509.Certificate
	AdditionalTrustedCAs []*x509.Certificate
}

// ProxyConfig resolves to a ProxySetting for a given hostname: a single
// setting, a callback, or an ordered list where the first non-nil setting
// wins (§4.7).
type ProxyConfig struct {
	Single   *ProxySetting
	Callback func(hostname string) (*ProxySetting, error)
	List     []*ProxySetting
}

func (pc *ProxyConfig) toInternal() *passthrough.ProxyConfig {
	if pc == nil {
		return nil
	}
	out := &passthrough.ProxyConfig{Single: pc.Single.toInternal()}
	if pc.Callback != nil {
		out.Callback = func(hostname string) (*passthrough.ProxySetting, error) {
			s, err := pc.Callback(hostname)
			if err != nil {
				return nil, err
			}
			return s.toInternal(), nil
		}
	}
	for _, s := range pc.List {
		out.List = append(out.List, s.toInternal())
	}
	return out
}

func (s *ProxySetting) toInternal() *passthrough.ProxySetting {
	if s == nil {
		return nil
	}
	return &passthrough.ProxySetting{
		ProxyURL:             s.ProxyURL,
		NoProxy:              s.NoProxy,
		TrustedCAs:           s.TrustedCAs,
		AdditionalTrustedCAs: s.AdditionalTrustedCAs,
	}
}

// WithUpstreamProxy chains every request through the given upstream proxy
// configuration instead of dialing destinations directly (§4.7).
func WithUpstreamProxy(pc *ProxyConfig) Option {
	return func(c *config) { c.proxyConfig = pc.toInternal() }
}

// IgnoreHTTPSErrors controls whether upstream TLS verification is relaxed,
// for all hosts or a specific list (§4.7's `ignoreHostHttpsErrors`).
type IgnoreHTTPSErrors struct {
	All   bool
	Hosts []string
}

func WithIgnoreHTTPSErrors(ignore IgnoreHTTPSErrors) Option {
	return func(c *config) {
		c.ignoreHTTPSErrors = passthrough.IgnoreHTTPSErrors{All: ignore.All, Hosts: ignore.Hosts}
	}
}

func WithSimulateConnectionErrors(enabled bool) Option {
	return func(c *config) { c.simulateConnErrors = enabled }
}

func WithLogger(logger *zap.Logger) Option { return func(c *config) { c.logger = logger } }

// WithIgnoreHosts skips rule matching for hosts matching any of the given
// patterns (bare host, "host:port", or "*.domain" wildcard), sending their
// requests to the passthrough engine instead; mutually exclusive with
// WithAllowHosts. TLS to these hosts is still terminated with a minted
// certificate; the connection is not tunnelled untouched.
func WithIgnoreHosts(hosts ...string) Option {
	return func(c *config) { c.ignoreHosts = hosts }
}

// WithAllowHosts restricts rule matching to only the given host patterns,
// sending every other host's requests to the passthrough engine; mutually
// exclusive with WithIgnoreHosts. As with WithIgnoreHosts, TLS is still
// terminated for every host.
func WithAllowHosts(hosts ...string) Option {
	return func(c *config) { c.allowHosts = hosts }
}

// Server is the running proxy instance: one listener, one live rule list,
// one event bus, shared across every accepted connection.
type Server struct {
	cfg    config
	logger *zap.Logger

	listener net.Listener

	rules       *rules.Engine
	bus         *events.Bus
	passthrough *passthrough.Engine
	ws          *wsproxy.Handler
	socksFront  *socksfront.Front

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// New constructs a Server from opts, matching the teacher's
// NewProxy(config, ca) factory generalised into the options pattern
// SPEC_FULL.md's "Configuration" section calls for.
func New(opts ...Option) (*Server, error) {
	cfg := config{
		addr:              ":8080",
		streamLargeBodies: 5 * 1024 * 1024,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ca == nil {
		return nil, fmt.Errorf("proxy: WithCA is required")
	}
	if cfg.proxyConfig == nil {
		cfg.proxyConfig = &passthrough.ProxyConfig{}
	}
	if cfg.logger == nil {
		cfg.logger = NewInstanceLogger(cfg.addr, "").GetLogger()
	}

	s := &Server{
		cfg:         cfg,
		logger:      cfg.logger,
		rules:       rules.NewEngine(),
		bus:         events.New(),
		passthrough: passthrough.NewEngine(),
		ws:          wsproxy.NewHandler(),
		socksFront:  socksfront.NewFront(cfg.socksAuthMethods...),
	}
	return s, nil
}

// Start begins listening and serving connections until Stop is called.
// This is a blocking call, like the teacher's Proxy.Start/entry.start.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("proxy listening", zap.String("addr", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				s.wg.Wait()
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Stop closes the listener and returns without waiting; Start then waits
// for the connections it already accepted to finish before it returns.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// Reset clears the live rule list, matching mockttp's server.reset().
func (s *Server) Reset() { s.rules.Reset() }

// SetRules atomically replaces the live rule list (§4.5.5).
func (s *Server) SetRules(newRules []*rules.Rule) { s.rules.SetRules(newRules) }

// AddRules appends to the live rule list, preserving existing priority
// ordering for rules already present (§4.5.5).
func (s *Server) AddRules(newRules []*rules.Rule) { s.rules.AddRules(newRules) }

// EndpointStatus is one entry of the admin-facing rule listing (§6), an
// enrichment over a bare id list: it surfaces seenRequests/isPending the
// way mockttp's MockedEndpoint does.
type EndpointStatus struct {
	RuleID       string
	SeenRequests uint32
	IsPending    bool
}

// GetMockedEndpoints lists every live rule with its current handled count.
func (s *Server) GetMockedEndpoints() []EndpointStatus {
	return s.endpoints(false)
}

// GetPendingEndpoints lists only rules that haven't reached their
// completion threshold yet.
func (s *Server) GetPendingEndpoints() []EndpointStatus {
	return s.endpoints(true)
}

func (s *Server) endpoints(pendingOnly bool) []EndpointStatus {
	var out []EndpointStatus
	for _, r := range s.rules.Rules() {
		complete, ok := r.IsComplete()
		pending := !ok || !complete
		if pendingOnly && !pending {
			continue
		}
		out = append(out, EndpointStatus{RuleID: r.ID, SeenRequests: r.Handled(), IsPending: pending})
	}
	return out
}

// On subscribes to lifecycle events, per §4.9's "On(event, cb)" surface.
func (s *Server) On(kind events.Kind, cb events.Subscriber) { s.bus.On(kind, cb) }

// URL returns the proxy's own address as an http://-scheme URL, for wiring
// into a client's HTTP_PROXY setting.
func (s *Server) URL() string {
	if s.listener == nil {
		return ""
	}
	return "http://" + s.listener.Addr().String()
}

// Port returns the bound TCP port, 0 if not yet started.
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Certificate exposes the MITM root CA certificate, for client trust setup.
func (s *Server) Certificate() x509.Certificate { return *s.cfg.ca.GetRootCA() }

// handleConn demuxes one freshly-accepted connection and dispatches it to
// the matching front-end (§4.1).
func (s *Server) handleConn(raw net.Conn) {
	defer raw.Close()

	c := combo.Wrap(raw)
	proto, err := combo.Detect(c)
	if err != nil {
		s.logConnError("protocol detection failed", err)
		s.bus.ClientError(nil, err)
		return
	}

	peerIP, _, _ := net.SplitHostPort(raw.RemoteAddr().String())

	switch proto {
	case combo.ProtocolSOCKS:
		s.handleSOCKS(c, peerIP)
	case combo.ProtocolTLS:
		s.handleTLS(c, peerIP)
	case combo.ProtocolHTTP1, combo.ProtocolHTTP2:
		s.handleHTTP(c, peerIP, false, proto == combo.ProtocolHTTP2)
	}
}

// handleSOCKS runs the SOCKS front-end, then re-demuxes the same
// connection (reusing its existing peek buffer, not a freshly wrapped
// one, so bytes the client pipelined right after its handshake aren't
// stranded in a reader that's about to go out of scope) since most SOCKS
// clients tunnel HTTP or TLS through the CONNECT it just granted (§4.2
// "forwards ... to C1's post-SOCKS entry").
func (s *Server) handleSOCKS(c *combo.Conn, peerIP string) {
	target, _, err := s.socksFront.Handle(c.Reader(), c)
	if err != nil {
		s.bus.ClientError(nil, err)
		return
	}

	proto, err := combo.Detect(c)
	if err != nil {
		s.bus.ClientError(nil, err)
		return
	}

	switch proto {
	case combo.ProtocolTLS:
		s.handleTLS(c, peerIP)
	default:
		s.handleHTTP(c, peerIP, false, proto == combo.ProtocolHTTP2)
	}
	_ = target // the resolved CONNECT target is implicit in the tunnelled HTTP requests' Host header
}

// handleTLS performs the MITM handshake using the configured CA, then
// serves HTTP/1.1 or HTTP/2 depending on ALPN (§4.3, §4.1).
func (s *Server) handleTLS(c *combo.Conn, peerIP string) {
	tlsConn := tls.Server(c, &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			return s.cfg.ca.GetCert(hello.ServerName)
		},
		NextProtos:   s.alpnProtocols(),
		KeyLogWriter: helper.GetTLSKeyLogWriter(),
	})
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		s.logConnError("TLS handshake failed", err)
		s.bus.TLSClientError(nil, err)
		return
	}

	isH2 := tlsConn.ConnectionState().NegotiatedProtocol == "h2"
	s.handleHTTP(tlsConn, peerIP, true, isH2)
}

// logConnError logs err at Debug if it's routine connection teardown, Warn
// otherwise, grounded on the teacher's helper.logErr classification.
func (s *Server) logConnError(msg string, err error) {
	if isBenignConnError(err) {
		s.logger.Debug(msg, zap.Error(err))
		return
	}
	s.logger.Warn(msg, zap.Error(err))
}

func (s *Server) alpnProtocols() []string {
	if s.cfg.enableHTTP2 {
		return []string{"h2", "http/1.1"}
	}
	return []string{"http/1.1"}
}

// handleHTTP serves HTTP/1.1 or HTTP/2 requests off conn, routing each one
// through processRequest.
func (s *Server) handleHTTP(conn net.Conn, peerIP string, isEncrypted, isH2 bool) {
	if isH2 && !isEncrypted && !s.cfg.enableHTTP2 {
		s.bus.ClientError(nil, fmt.Errorf("proxy: plaintext HTTP/2 preface received with HTTP/2 disabled"))
		return
	}

	done := make(chan struct{})
	hijacked := false // set and read only on the connection's own serving goroutine
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.serveHTTPRequest(w, r, peerIP, isEncrypted, isH2)
		if hijacked {
			close(done)
		}
	})

	if isH2 {
		(&http2.Server{}).ServeConn(conn, &http2.ServeConnOpts{Handler: handler})
		return
	}

	srv := &http.Server{Handler: handler, ConnState: func(_ net.Conn, state http.ConnState) {
		if state == http.StateHijacked {
			hijacked = true
		} else if state == http.StateClosed {
			close(done)
		}
	}}
	_ = srv.Serve(&singleConnListener{conn: conn})
	<-done
}

// singleConnListener adapts a single already-accepted net.Conn into the
// net.Listener shape http.Server.Serve expects, since this server owns its
// own accept loop (combo/TLS/SOCKS demux) rather than handing the raw
// listener straight to http.Server like a conventional HTTP server would.
// Accept hands out conn exactly once, so Serve's keep-alive loop can still
// read further requests off it; the second call ends Serve's accept loop
// at once, and handleHTTP then waits until the connection itself is done.
type singleConnListener struct {
	conn net.Conn
	used bool
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	if l.used {
		return nil, net.ErrClosed
	}
	l.used = true
	return l.conn, nil
}
func (l *singleConnListener) Close() error   { return nil }
func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }

// serveHTTPRequest builds an OngoingRequest from r, runs it through the
// rule engine and step executor (or the passthrough engine as a
// fallback when no rule matches), and writes whatever response results.
func (s *Server) serveHTTPRequest(w http.ResponseWriter, r *http.Request, peerIP string, isEncrypted, isH2 bool) {
	if websocketUpgradeRequested(r) {
		s.serveWebSocket(w, r)
		return
	}

	req, err := s.buildRequest(r, peerIP, isEncrypted, isH2)
	if err != nil {
		s.bus.ClientError(nil, err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.bus.RequestInitiated(req)

	resp := s.dispatch(r.Context(), req)
	if resp == nil {
		s.bus.Abort(req, "no response produced")
		return
	}

	s.bus.Response(req, resp)
	writeResponse(w, resp)
}

// dispatch matches req against the live rule list and runs its step chain,
// falling back to a transparent passthrough when nothing matches (§4.5,
// §4.7), or unconditionally when the destination is excluded from
// mocking via WithIgnoreHosts/WithAllowHosts.
func (s *Server) dispatch(ctx context.Context, req *request.OngoingRequest) *request.OngoingResponse {
	if !s.shouldIntercept(req.Destination.Hostname + ":" + strconv.Itoa(req.Destination.Port)) {
		return s.passthroughResponse(ctx, req)
	}

	rule, err := s.rules.Match(req)
	if err != nil {
		return s.passthroughResponse(ctx, req)
	}

	req.MatchedRuleID = rule.ID
	s.bus.Request(req)

	resp, result, err := steps.Run(ctx, rule.Steps, req)
	rule.MarkHandled()
	if err != nil {
		s.bus.ClientError(req, err)
		return nil
	}
	if result.Outcome == steps.Aborted {
		s.bus.PassthroughAbort(req, result.Code)
		return nil
	}
	return resp
}

// shouldIntercept reports whether a request to address ("host:port")
// should be matched against the rule list at all, per the mutually
// exclusive WithIgnoreHosts/WithAllowHosts filters (unset means
// "intercept everything").
func (s *Server) shouldIntercept(address string) bool {
	if len(s.cfg.allowHosts) > 0 {
		return helper.MatchHost(address, s.cfg.allowHosts)
	}
	if len(s.cfg.ignoreHosts) > 0 {
		return !helper.MatchHost(address, s.cfg.ignoreHosts)
	}
	return true
}

func (s *Server) passthroughResponse(ctx context.Context, req *request.OngoingRequest) *request.OngoingResponse {
	cfg := passthrough.Config{
		ProxyConfig:        s.cfg.proxyConfig,
		IgnoreHTTPSErrors:  s.cfg.ignoreHTTPSErrors,
		SimulateConnErrors: s.cfg.simulateConnErrors,
	}
	result := s.passthrough.Execute(ctx, cfg, req, req.Proto == "HTTP/2.0", req.PeerIP)
	if result.Aborted {
		code := "passthrough-error"
		if result.Failure != nil {
			code = result.Failure.Code
		}
		s.bus.PassthroughAbort(req, code)
		return nil
	}
	return result.Response
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	upstreamURL := "ws://" + r.Host + r.URL.RequestURI()
	if r.TLS != nil {
		upstreamURL = "wss://" + r.Host + r.URL.RequestURI()
	}
	s.ws.Serve(w, r, upstreamURL)
}

func websocketUpgradeRequested(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// buildRequest converts an *http.Request into the canonical OngoingRequest
// shape, canonicalising origin-form targets per §4.1.
func (s *Server) buildRequest(r *http.Request, peerIP string, isEncrypted, isH2 bool) (*request.OngoingRequest, error) {
	target := r.RequestURI
	u, err := combo.Canonicalize(target, r.Host, isEncrypted)
	if err != nil {
		return nil, err
	}

	req := request.New()
	req.Method = r.Method
	req.URL = u
	req.Path = u.Path
	req.Scheme = u.Scheme
	req.PeerIP = peerIP
	if isH2 {
		req.Proto = "HTTP/2.0"
	} else {
		req.Proto = "HTTP/1.1"
	}

	for name, values := range r.Header {
		for _, v := range values {
			req.Headers = append(req.Headers, request.HeaderPair{Name: name, Value: v})
		}
	}

	hostname, portStr, splitErr := net.SplitHostPort(u.Host)
	if splitErr != nil {
		hostname = u.Host
		portStr = defaultPortForScheme(u.Scheme)
	}
	port, _ := strconv.Atoi(portStr)
	req.Destination = request.Destination{Hostname: hostname, Port: port}

	if r.Body != nil {
		limited := io.LimitReader(r.Body, s.cfg.streamLargeBodies+1)
		raw, readErr := io.ReadAll(limited)
		if readErr != nil {
			return nil, readErr
		}
		req.Body = request.NewBody(raw, r.Header.Get("Content-Encoding"), s.cfg.streamLargeBodies)
	}

	return req, nil
}

func defaultPortForScheme(scheme string) string {
	if scheme == "https" || scheme == "wss" {
		return "443"
	}
	return "80"
}

func writeResponse(w http.ResponseWriter, resp *request.OngoingResponse) {
	header := w.Header()
	for _, p := range resp.Headers {
		header.Add(p.Name, p.Value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != nil {
		_, _ = w.Write(resp.Body.Raw())
	}
}

