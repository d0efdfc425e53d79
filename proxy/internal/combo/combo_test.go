package combo_test

import (
	"net"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/httptoolkit/mockproxy/proxy/internal/combo"
)

func serve(t *testing.T, payload []byte) *combo.Conn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	go func() {
		_, _ = client.Write(payload)
	}()
	return combo.Wrap(server)
}

func TestDetectSOCKS(t *testing.T) {
	c := qt.New(t)
	conn := serve(t, []byte{0x05, 0x01, 0x00})
	proto, err := combo.Detect(conn)
	c.Assert(err, qt.IsNil)
	c.Assert(proto, qt.Equals, combo.ProtocolSOCKS)
}

func TestDetectTLS(t *testing.T) {
	c := qt.New(t)
	conn := serve(t, []byte{0x16, 0x03, 0x01, 0x00, 0x10})
	proto, err := combo.Detect(conn)
	c.Assert(err, qt.IsNil)
	c.Assert(proto, qt.Equals, combo.ProtocolTLS)
}

func TestDetectHTTP1(t *testing.T) {
	c := qt.New(t)
	conn := serve(t, []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	proto, err := combo.Detect(conn)
	c.Assert(err, qt.IsNil)
	c.Assert(proto, qt.Equals, combo.ProtocolHTTP1)

	// peeked bytes must still be readable afterwards
	buf := make([]byte, 3)
	n, err := conn.Read(buf)
	c.Assert(err, qt.IsNil)
	c.Assert(string(buf[:n]), qt.Equals, "GET")
}

func TestDetectHTTP2Preface(t *testing.T) {
	c := qt.New(t)
	conn := serve(t, []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"))
	proto, err := combo.Detect(conn)
	c.Assert(err, qt.IsNil)
	c.Assert(proto, qt.Equals, combo.ProtocolHTTP2)
}

func TestDetectAmbiguousByte(t *testing.T) {
	c := qt.New(t)
	conn := serve(t, []byte{0x00, 0x01})
	_, err := combo.Detect(conn)
	c.Assert(err, qt.Equals, combo.ErrAmbiguousProtocol)
}

func TestCanonicalizeAbsoluteForm(t *testing.T) {
	c := qt.New(t)
	u, err := combo.Canonicalize("http://example.com/path?q=1", "", false)
	c.Assert(err, qt.IsNil)
	c.Assert(u.String(), qt.Equals, "http://example.com/path?q=1")
}

func TestCanonicalizeOriginFormInfersSchemeFromEncryption(t *testing.T) {
	c := qt.New(t)
	u, err := combo.Canonicalize("/path?q=1", "example.com:8443", true)
	c.Assert(err, qt.IsNil)
	c.Assert(u.String(), qt.Equals, "https://example.com:8443/path?q=1")
}

func TestCanonicalizeOriginFormMissingHost(t *testing.T) {
	c := qt.New(t)
	_, err := combo.Canonicalize("/path", "", false)
	c.Assert(err, qt.IsNotNil)
}
