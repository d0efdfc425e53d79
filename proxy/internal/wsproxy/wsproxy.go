// Package wsproxy implements the WebSocket engine (C8): a frame-level
// bidirectional pipe between the downstream client and the upstream
// server, with subprotocol negotiation and close-code translation.
//
// This generalises the teacher's websocket.Handler, which only tunnels raw
// TLS bytes (HandleWSS dials upstream and pipes ciphertext through
// io.Copy). That blind-tunnel approach can't inspect or translate frames,
// so it doesn't meet §4.8's subprotocol-negotiation and close-code
// requirements; this package replaces it with a real gorilla/websocket
// proxy on both legs.
package wsproxy

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// upgrader is shared across connections; gorilla/websocket's Upgrader is
// safe for concurrent use once configured.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Dialer opens the upstream WebSocket connection; tests substitute a fake
// to avoid a real network dial.
type Dialer interface {
	DialContext(req *http.Request, upstreamURL string, subprotocols []string) (*websocket.Conn, *http.Response, error)
}

type defaultDialer struct{}

func (defaultDialer) DialContext(req *http.Request, upstreamURL string, subprotocols []string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		Subprotocols:     subprotocols,
		HandshakeTimeout: 45 * time.Second,
	}
	header := http.Header{}
	for k, v := range req.Header {
		if isHopByHopWSHeader(k) {
			continue
		}
		header[k] = v
	}
	return dialer.DialContext(req.Context(), upstreamURL, header)
}

func isHopByHopWSHeader(name string) bool {
	switch strings.ToLower(name) {
	case "connection", "upgrade", "sec-websocket-key", "sec-websocket-version",
		"sec-websocket-extensions", "sec-websocket-protocol":
		return true
	default:
		return false
	}
}

// Handler upgrades the downstream connection and pipes frames to/from the
// resolved upstream WebSocket (§4.8). SimulateConnErrors controls how the
// frame relay ends after an error: the downstream connection is dropped
// without a close frame instead of being closed cleanly. A failed upstream
// dial is always answered with 502 Bad Gateway, whatever its value.
type Handler struct {
	Dialer             Dialer
	SimulateConnErrors bool
}

func NewHandler() *Handler {
	return &Handler{Dialer: defaultDialer{}}
}

// Serve handles a single upgrade request, proxying to upstreamURL.
// Subprotocols present in req but empty or otherwise invalid are stripped
// before dialing upstream; if stripping removes every protocol the
// Sec-WebSocket-Protocol header is dropped entirely (§4.8).
func (h *Handler) Serve(w http.ResponseWriter, req *http.Request, upstreamURL string) {
	logger := zap.L().With(zap.String("in", "wsproxy.Handler.Serve"), zap.String("upstream", upstreamURL))

	subprotocols := cleanSubprotocols(websocket.Subprotocols(req))

	dialer := h.Dialer
	if dialer == nil {
		dialer = defaultDialer{}
	}

	upstreamConn, upstreamResp, err := dialer.DialContext(req, upstreamURL, subprotocols)
	if err != nil {
		if upstreamResp != nil {
			mirrorRejection(w, upstreamResp)
			return
		}
		logger.Warn("upstream websocket dial failed", zap.Error(err))
		http.Error(w, "upstream websocket unavailable", http.StatusBadGateway)
		return
	}
	defer upstreamConn.Close()

	responseHeader := http.Header{}
	if selected := upstreamConn.Subprotocol(); selected != "" {
		responseHeader.Set("Sec-WebSocket-Protocol", selected)
	}

	downstreamConn, err := upgrader.Upgrade(w, req, responseHeader)
	if err != nil {
		logger.Warn("downstream websocket upgrade failed", zap.Error(err))
		return
	}
	defer downstreamConn.Close()

	pipe(logger, downstreamConn, upstreamConn, h.SimulateConnErrors)
}

// cleanSubprotocols drops empty entries and entries that are not valid
// HTTP tokens (control characters, spaces or separators); an all-dropped
// result becomes nil so the Sec-WebSocket-Protocol header is omitted
// entirely (§4.8).
func cleanSubprotocols(protocols []string) []string {
	var out []string
	for _, p := range protocols {
		invalid := strings.IndexFunc(p, func(r rune) bool {
			return r <= ' ' || r >= 0x7f || strings.ContainsRune("()<>@,;:\\\"/[]?={}", r)
		}) >= 0
		if strings.TrimSpace(p) != "" && !invalid {
			out = append(out, p)
		}
	}
	return out
}

func mirrorRejection(w http.ResponseWriter, upstreamResp *http.Response) {
	for k, values := range upstreamResp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(upstreamResp.StatusCode)
	if upstreamResp.Body != nil {
		defer upstreamResp.Body.Close()
		buf := make([]byte, 4096)
		for {
			n, err := upstreamResp.Body.Read(buf)
			if n > 0 {
				_, _ = w.Write(buf[:n])
			}
			if err != nil {
				break
			}
		}
	}
}

// pipe runs both directions of the WebSocket frame relay until either
// side closes, translating invalid close codes into a clean 1011 on the
// other side (§4.8).
func pipe(logger *zap.Logger, downstream, upstream *websocket.Conn, simulateConnErrors bool) {
	errs := make(chan error, 2)

	go func() { errs <- relay(downstream, upstream) }()
	go func() { errs <- relay(upstream, downstream) }()

	err := <-errs
	if err != nil {
		logger.Debug("websocket relay ended", zap.Error(err))
	}

	closeCode := websocket.CloseNormalClosure
	if ce, ok := err.(*websocket.CloseError); ok && !isValidCloseCode(ce.Code) {
		closeCode = websocket.CloseInternalServerErr
	}

	if simulateConnErrors && err != nil {
		_ = downstream.Close()
		_ = upstream.Close()
		return
	}

	deadline := time.Now().Add(5 * time.Second)
	_ = downstream.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode, ""), deadline)
	_ = upstream.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode, ""), deadline)
}

func relay(dst, src *websocket.Conn) error {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			return err
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			return err
		}
	}
}

// isValidCloseCode reports whether code is one of the RFC 6455 defined or
// reserved-for-use close codes; anything else must be translated to 1011
// (Internal Error) per §4.8.
func isValidCloseCode(code int) bool {
	switch {
	case code >= 1000 && code <= 1015:
		return code != 1004 && code != 1005 && code != 1006
	case code >= 3000 && code <= 4999:
		return true
	default:
		return false
	}
}
