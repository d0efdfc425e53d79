// Package socksfront implements the SOCKS4/4a/5 front-end (C2): it reads
// the client's handshake off a freshly-accepted connection and resolves
// the requested CONNECT target, with pluggable SOCKS5 auth methods.
package socksfront

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
)

// AddrType identifies how Target.Addr should be interpreted.
type AddrType int

const (
	AddrHostname AddrType = iota
	AddrIPv4
	AddrIPv6
)

// Target is the resolved CONNECT destination (§4.2).
type Target struct {
	Type AddrType
	Addr string
	Port uint16
}

// AuthResult carries whatever metadata a SOCKS5 auth method parsed out of
// the handshake (§4.2 "attach the parsed {tags: [...]} to the connection").
type AuthResult struct {
	Tags []string
}

// AuthMethod is a pluggable SOCKS5 authentication method.
type AuthMethod interface {
	// Code is the SOCKS5 method byte this implementation handles.
	Code() byte
	// Negotiate runs the method-specific exchange after it was selected.
	Negotiate(rw io.ReadWriter) (AuthResult, error)
}

const (
	methodNoAuth         byte = 0x00
	methodUsernamePass   byte = 0x02
	methodCustomMetadata byte = 0xDA
	methodNoAcceptable   byte = 0xFF
)

// NoAuthMethod implements SOCKS5 "no authentication required".
type NoAuthMethod struct{}

func (NoAuthMethod) Code() byte { return methodNoAuth }
func (NoAuthMethod) Negotiate(io.ReadWriter) (AuthResult, error) {
	return AuthResult{}, nil
}

// UsernamePasswordMethod implements SOCKS5 RFC 1929, reading the password
// field as a JSON blob per §4.2 ("as the password field, ≤255 bytes").
type UsernamePasswordMethod struct{}

func (UsernamePasswordMethod) Code() byte { return methodUsernamePass }

func (UsernamePasswordMethod) Negotiate(rw io.ReadWriter) (AuthResult, error) {
	var header [2]byte
	if _, err := io.ReadFull(rw, header[:]); err != nil {
		return AuthResult{}, err
	}
	if header[0] != 0x01 {
		return AuthResult{}, fmt.Errorf("socksfront: unsupported username/password subnegotiation version %d", header[0])
	}
	userLen := int(header[1])
	user := make([]byte, userLen)
	if _, err := io.ReadFull(rw, user); err != nil {
		return AuthResult{}, err
	}

	var passLenBuf [1]byte
	if _, err := io.ReadFull(rw, passLenBuf[:]); err != nil {
		return AuthResult{}, err
	}
	passLen := int(passLenBuf[0])
	if passLen > 255 {
		return AuthResult{}, errors.New("socksfront: password field exceeds 255 bytes")
	}
	pass := make([]byte, passLen)
	if _, err := io.ReadFull(rw, pass); err != nil {
		return AuthResult{}, err
	}

	result, err := parseMetadataBlob(pass)
	if err != nil {
		_, _ = rw.Write([]byte{0x01, 0x01}) // version 1, failure
		return AuthResult{}, err
	}
	_, _ = rw.Write([]byte{0x01, 0x00}) // version 1, success
	return result, nil
}

// CustomMetadataMethod implements the proxy-specific 0xDA method: a
// length-prefixed JSON blob attaching arbitrary tags to the connection.
type CustomMetadataMethod struct{}

func (CustomMetadataMethod) Code() byte { return methodCustomMetadata }

func (CustomMetadataMethod) Negotiate(rw io.ReadWriter) (AuthResult, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(rw, lenBuf[:]); err != nil {
		return AuthResult{}, err
	}
	length := binary.BigEndian.Uint16(lenBuf[:])
	if length > 255 {
		return AuthResult{}, errors.New("socksfront: custom-metadata blob exceeds 255 bytes")
	}
	blob := make([]byte, length)
	if _, err := io.ReadFull(rw, blob); err != nil {
		return AuthResult{}, err
	}
	return parseMetadataBlob(blob)
}

func parseMetadataBlob(blob []byte) (AuthResult, error) {
	var parsed struct {
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal(blob, &parsed); err != nil {
		return AuthResult{}, fmt.Errorf("socksfront: invalid metadata blob: %w", err)
	}
	return AuthResult{Tags: parsed.Tags}, nil
}

// Front runs the SOCKS state machine against conn. Methods lists the
// SOCKS5 auth methods offered, in server preference order (§4.2 "picks
// the first client-offered method in its own preference order").
type Front struct {
	Methods []AuthMethod
}

func NewFront(methods ...AuthMethod) *Front {
	if len(methods) == 0 {
		methods = []AuthMethod{NoAuthMethod{}}
	}
	return &Front{Methods: methods}
}

// ErrRejected is returned when the client requested something other than
// CONNECT; Handle has already written the version-specific failure reply
// by then, so the caller only closes (§4.2 "only CONNECT is accepted").
var ErrRejected = errors.New("socksfront: only CONNECT is supported")

// Handle reads the version byte and dispatches to the V4 or V5 state
// machine, returning the resolved target and any auth metadata. r must be
// the same buffered reader the caller used to peek the version byte during
// protocol detection, so any bytes already buffered past the handshake
// (e.g. a pipelined request) survive into whatever is served next.
func (f *Front) Handle(r *bufio.Reader, w io.Writer) (Target, AuthResult, error) {
	version, err := r.ReadByte()
	if err != nil {
		return Target{}, AuthResult{}, err
	}
	switch version {
	case 0x04:
		return f.handleV4(r, w)
	case 0x05:
		return f.handleV5(r, w)
	default:
		return Target{}, AuthResult{}, fmt.Errorf("socksfront: unsupported version byte 0x%02x", version)
	}
}

// handleV4 implements SOCKS4/4a CONNECT (§4.2 "V4_CONNECT").
func (f *Front) handleV4(r *bufio.Reader, w io.Writer) (Target, AuthResult, error) {
	var header [7]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Target{}, AuthResult{}, err
	}
	cmd := header[0]
	port := binary.BigEndian.Uint16(header[1:3])
	ip := net.IP(header[3:7])

	if cmd != 0x01 {
		_ = writeV4Reply(w, 0x5B)
		return Target{}, AuthResult{}, ErrRejected
	}

	userID, err := readNullTerminated(r)
	if err != nil {
		return Target{}, AuthResult{}, err
	}
	_ = userID

	isV4a := ip[0] == 0 && ip[1] == 0 && ip[2] == 0 && ip[3] != 0
	var target Target
	if isV4a {
		hostname, err := readNullTerminated(r)
		if err != nil {
			return Target{}, AuthResult{}, err
		}
		target = Target{Type: AddrHostname, Addr: hostname, Port: port}
	} else {
		target = Target{Type: AddrIPv4, Addr: ip.String(), Port: port}
	}

	if err := writeV4Reply(w, 0x5A); err != nil {
		return Target{}, AuthResult{}, err
	}
	return target, AuthResult{}, nil
}

func writeV4Reply(w io.Writer, code byte) error {
	reply := []byte{0x00, code, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	_, err := w.Write(reply)
	return err
}

func readNullTerminated(r *bufio.Reader) (string, error) {
	s, err := r.ReadString(0x00)
	if err != nil {
		return "", err
	}
	return s[:len(s)-1], nil
}

// handleV5 implements the SOCKS5 METHODS → AUTH → REQUEST sequence.
func (f *Front) handleV5(r *bufio.Reader, conn io.Writer) (Target, AuthResult, error) {
	nmethods, err := r.ReadByte()
	if err != nil {
		return Target{}, AuthResult{}, err
	}
	offered := make([]byte, nmethods)
	if _, err := io.ReadFull(r, offered); err != nil {
		return Target{}, AuthResult{}, err
	}

	var chosen AuthMethod
	for _, m := range f.Methods {
		for _, o := range offered {
			if o == m.Code() {
				chosen = m
				break
			}
		}
		if chosen != nil {
			break
		}
	}
	if chosen == nil {
		_, _ = conn.Write([]byte{0x05, methodNoAcceptable})
		return Target{}, AuthResult{}, errors.New("socksfront: no acceptable auth method")
	}
	if _, err := conn.Write([]byte{0x05, chosen.Code()}); err != nil {
		return Target{}, AuthResult{}, err
	}

	auth, err := chosen.Negotiate(readWriter{r: r, w: conn})
	if err != nil {
		_ = writeV5Reply(conn, 0x01, Target{}) // general failure
		return Target{}, AuthResult{}, err
	}

	target, err := f.readV5Request(r, conn)
	if err != nil {
		return Target{}, auth, err
	}
	return target, auth, nil
}

func (f *Front) readV5Request(r *bufio.Reader, w io.Writer) (Target, error) {
	var header [3]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Target{}, err
	}
	version, cmd := header[0], header[1]
	if version != 0x05 {
		return Target{}, fmt.Errorf("socksfront: unexpected v5 request version 0x%02x", version)
	}
	if cmd != 0x01 {
		_ = writeV5Reply(w, 0x07, Target{}) // command not supported
		return Target{}, ErrRejected
	}

	addrType, err := r.ReadByte()
	if err != nil {
		return Target{}, err
	}

	var target Target
	switch addrType {
	case 0x01: // IPv4
		var ip [4]byte
		if _, err := io.ReadFull(r, ip[:]); err != nil {
			return Target{}, err
		}
		target = Target{Type: AddrIPv4, Addr: net.IP(ip[:]).String()}
	case 0x03: // domain name
		lenByte, err := r.ReadByte()
		if err != nil {
			return Target{}, err
		}
		host := make([]byte, lenByte)
		if _, err := io.ReadFull(r, host); err != nil {
			return Target{}, err
		}
		target = Target{Type: AddrHostname, Addr: string(host)}
	case 0x04: // IPv6
		var ip [16]byte
		if _, err := io.ReadFull(r, ip[:]); err != nil {
			return Target{}, err
		}
		target = Target{Type: AddrIPv6, Addr: net.IP(ip[:]).String()}
	default:
		_ = writeV5Reply(w, 0x08, Target{}) // address type not supported
		return Target{}, fmt.Errorf("socksfront: unsupported address type 0x%02x", addrType)
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(r, portBuf[:]); err != nil {
		return Target{}, err
	}
	target.Port = binary.BigEndian.Uint16(portBuf[:])

	if err := writeV5Reply(w, 0x00, target); err != nil {
		return Target{}, err
	}
	return target, nil
}

// readWriter adapts a split reader/writer pair (the shared handshake
// bufio.Reader plus the raw connection) into the io.ReadWriter an
// AuthMethod.Negotiate expects.
type readWriter struct {
	r io.Reader
	w io.Writer
}

func (rw readWriter) Read(p []byte) (int, error)  { return rw.r.Read(p) }
func (rw readWriter) Write(p []byte) (int, error) { return rw.w.Write(p) }

func writeV5Reply(w io.Writer, code byte, target Target) error {
	reply := []byte{0x05, code, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	_, err := w.Write(reply)
	return err
}
