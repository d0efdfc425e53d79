// Package combo implements the socket protocol demux (C1): it peeks the
// first bytes off a freshly-accepted TCP connection, without consuming
// them, and decides whether the client is speaking SOCKS, TLS, HTTP/1 or
// HTTP/2, so the right front-end can take over the still-intact stream.
package combo

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Protocol names what combo.Detect decided the client is speaking.
type Protocol int

const (
	ProtocolUnknown Protocol = iota
	ProtocolSOCKS
	ProtocolTLS
	ProtocolHTTP1
	ProtocolHTTP2
)

func (p Protocol) String() string {
	switch p {
	case ProtocolSOCKS:
		return "socks"
	case ProtocolTLS:
		return "tls"
	case ProtocolHTTP1:
		return "http1"
	case ProtocolHTTP2:
		return "http2"
	default:
		return "unknown"
	}
}

// http2Preface is the fixed connection-preface string every HTTP/2 client
// sends before any frames, RFC 7540 §3.5.
const http2Preface = "PRI * HTTP/2.0\r\n"

// ErrAmbiguousProtocol is returned when the first byte doesn't match any
// recognised protocol; the caller must reset the socket (§4.1).
var ErrAmbiguousProtocol = errors.New("combo: ambiguous first byte, resetting socket")

// Conn wraps an accepted net.Conn with a peeking buffer so detection never
// consumes bytes the chosen front-end still needs to read.
type Conn struct {
	net.Conn
	r *bufio.Reader
}

// Wrap buffers conn for peek-based protocol detection.
func Wrap(conn net.Conn) *Conn {
	return &Conn{Conn: conn, r: bufio.NewReaderSize(conn, 4096)}
}

// Read satisfies net.Conn by reading through the peeking buffer, so bytes
// already peeked (but not consumed) are still delivered to later readers.
func (c *Conn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Peek returns the next n bytes without advancing the read position.
func (c *Conn) Peek(n int) ([]byte, error) {
	return c.r.Peek(n)
}

// Reader exposes the underlying buffered reader so a front-end (e.g.
// socksfront) can consume the handshake through the same buffer Detect
// peeked from, rather than wrapping the connection in a second bufio.Reader
// that could swallow bytes the client pipelined right after its handshake.
func (c *Conn) Reader() *bufio.Reader {
	return c.r
}

// Detect peeks enough of the stream to classify its protocol without
// consuming any bytes, so the chosen front-end parser sees the full
// stream from byte zero (§4.1 "peeked bytes must be re-injected").
func Detect(c *Conn) (Protocol, error) {
	first, err := c.Peek(1)
	if err != nil {
		return ProtocolUnknown, err
	}

	switch first[0] {
	case 0x04, 0x05:
		return ProtocolSOCKS, nil
	case 0x16:
		return ProtocolTLS, nil
	}

	if isHTTPVerbByte(first[0]) {
		preface, err := c.Peek(len(http2Preface))
		if err == nil && string(preface) == http2Preface {
			return ProtocolHTTP2, nil
		}
		return ProtocolHTTP1, nil
	}

	return ProtocolUnknown, ErrAmbiguousProtocol
}

// isHTTPVerbByte reports whether b could start an HTTP/1.x request line;
// every standard verb (GET, POST, PUT, ...) starts with an uppercase ASCII
// letter.
func isHTTPVerbByte(b byte) bool {
	return b >= 'A' && b <= 'Z'
}

// NegotiatedProtocol maps a TLS ALPN selection to the post-handshake
// protocol to dispatch to: "h2" is HTTP/2, anything else (including no
// ALPN at all) is HTTP/1. Plaintext HTTP/2 is recognised separately, by
// Detect's connection-preface check.
func NegotiatedProtocol(alpn string) Protocol {
	if alpn == "h2" {
		return ProtocolHTTP2
	}
	return ProtocolHTTP1
}

// Canonicalize turns either an absolute-URL-form request target (explicit
// proxy use, e.g. "http://example.com/path") or an origin-form target
// (transparent intercept, e.g. "/path" plus a Host header) into a single
// absolute URL, inferring the scheme from whether the socket itself is
// encrypted (§4.1).
func Canonicalize(requestTarget, hostHeader string, isEncrypted bool) (*url.URL, error) {
	scheme := "http"
	if isEncrypted {
		scheme = "https"
	}

	if looksAbsolute(requestTarget) {
		u, err := url.Parse(requestTarget)
		if err != nil {
			return nil, fmt.Errorf("combo: invalid absolute-form target: %w", err)
		}
		return u, nil
	}

	if hostHeader == "" {
		return nil, errors.New("combo: origin-form request missing Host header")
	}
	u, err := url.Parse(scheme + "://" + hostHeader + requestTarget)
	if err != nil {
		return nil, fmt.Errorf("combo: invalid origin-form target: %w", err)
	}
	return u, nil
}

func looksAbsolute(target string) bool {
	if i := strings.Index(target, "://"); i > 0 {
		return isValidScheme(target[:i])
	}
	return false
}

func isValidScheme(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.'):
		default:
			return false
		}
	}
	return true
}
