package request_test

import (
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/andybalholm/brotli"
	qt "github.com/frankban/quicktest"
	"github.com/klauspost/compress/zstd"

	"github.com/httptoolkit/mockproxy/proxy/internal/request"
)

func TestBodyDecodedGzip(t *testing.T) {
	c := qt.New(t)

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write([]byte("hello world"))
	c.Assert(err, qt.IsNil)
	c.Assert(gw.Close(), qt.IsNil)

	b := request.NewBody(buf.Bytes(), "gzip", 1024)
	decoded, err := b.Decoded()
	c.Assert(err, qt.IsNil)
	c.Assert(string(decoded), qt.Equals, "hello world")
	c.Assert(b.Raw(), qt.DeepEquals, buf.Bytes())
}

func TestBodyDecodedExceedsCap(t *testing.T) {
	c := qt.New(t)

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write(bytes.Repeat([]byte("x"), 100))
	c.Assert(err, qt.IsNil)
	c.Assert(gw.Close(), qt.IsNil)

	b := request.NewBody(buf.Bytes(), "gzip", 10)
	_, err = b.Decoded()
	c.Assert(err, qt.ErrorMatches, ".*exceeds max size.*")
	// raw view remains available even though decode failed.
	c.Assert(b.Raw(), qt.DeepEquals, buf.Bytes())
}

func TestBodyDecodedBrotli(t *testing.T) {
	c := qt.New(t)

	var buf bytes.Buffer
	bw := brotli.NewWriter(&buf)
	_, err := bw.Write([]byte("hello brotli"))
	c.Assert(err, qt.IsNil)
	c.Assert(bw.Close(), qt.IsNil)

	b := request.NewBody(buf.Bytes(), "br", 1024)
	decoded, err := b.Decoded()
	c.Assert(err, qt.IsNil)
	c.Assert(string(decoded), qt.Equals, "hello brotli")
}

func TestBodyDecodedZstd(t *testing.T) {
	c := qt.New(t)

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	c.Assert(err, qt.IsNil)
	_, err = zw.Write([]byte("hello zstd"))
	c.Assert(err, qt.IsNil)
	c.Assert(zw.Close(), qt.IsNil)

	b := request.NewBody(buf.Bytes(), "zstd", 1024)
	decoded, err := b.Decoded()
	c.Assert(err, qt.IsNil)
	c.Assert(string(decoded), qt.Equals, "hello zstd")
}

func TestBodyDecodedUnsupportedEncoding(t *testing.T) {
	c := qt.New(t)

	b := request.NewBody([]byte("raw"), "compress", 1024)
	_, err := b.Decoded()
	c.Assert(err, qt.ErrorMatches, ".*unsupported content-encoding.*")
}

func TestHeadersCaseInsensitiveGet(t *testing.T) {
	c := qt.New(t)

	h := request.Headers{
		{Name: "Content-Type", Value: "text/plain"},
		{Name: "X-Foo", Value: "a"},
		{Name: "X-Foo", Value: "b"},
	}
	c.Assert(h.Get("content-type"), qt.Equals, "text/plain")
	c.Assert(h.Values("x-foo"), qt.DeepEquals, []string{"a", "b"})

	h2 := h.Set("Content-Type", "application/json")
	c.Assert(h2.Get("Content-Type"), qt.Equals, "application/json")
	c.Assert(len(h2), qt.Equals, 3)
}
