package passthrough

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"

	"golang.org/x/net/http2"
)

// ClientFactory builds the one-shot *http.Client used to relay a single
// upstream request, grounded on the teacher's types.ClientFactory /
// DefaultClientFactory (CreatePlainHTTPClient / CreateHTTPSClient), but
// parameterised per-dial rather than per-connection since passthrough
// dials fresh per destination.
type ClientFactory struct{}

// ForPlainHTTP builds a client that reuses conn directly (§4.7 "Plaintext
// is always H1").
func (ClientFactory) ForPlainHTTP(conn net.Conn) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return conn, nil
			},
			ForceAttemptHTTP2:  false,
			DisableCompression: true,
		},
		CheckRedirect: noRedirect,
	}
}

// ForHTTPS builds a client over an established TLS connection. If h2 is
// true the TLS connection already negotiated "h2" via ALPN and an
// http2.Transport is used to reuse it; otherwise it's treated as H1
// (§4.7 "attempt H2 upstream via ALPN; fall back to H1 on failure").
func (ClientFactory) ForHTTPS(tlsConn *tls.Conn, h2 bool) *http.Client {
	if h2 {
		return &http.Client{
			Transport: &http2.Transport{
				DialTLSContext: func(context.Context, string, string, *tls.Config) (net.Conn, error) {
					return tlsConn, nil
				},
				DisableCompression: true,
			},
			CheckRedirect: noRedirect,
		}
	}
	return &http.Client{
		Transport: &http.Transport{
			DialTLSContext: func(context.Context, string, string) (net.Conn, error) {
				return tlsConn, nil
			},
			ForceAttemptHTTP2:  false,
			DisableCompression: true,
		},
		CheckRedirect: noRedirect,
	}
}

func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}
