package request

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Body is a lazily-decoded, size-capped body handle. The raw bytes are
// always available; the decoded view is computed on first access and
// fails (without poisoning the raw view) once it would exceed maxSize,
// per §4.4.
type Body struct {
	raw      []byte
	encoding string // content-encoding as declared by the headers
	maxSize  int64

	once      sync.Once
	decoded   []byte
	decodeErr error
}

// NewBody wraps raw bytes read off the wire, tagged with their declared
// content-encoding and the configured decode cap.
func NewBody(raw []byte, encoding string, maxSize int64) *Body {
	return &Body{raw: raw, encoding: encoding, maxSize: maxSize}
}

// Raw returns the untouched wire bytes, regardless of encoding or size.
func (b *Body) Raw() []byte {
	if b == nil {
		return nil
	}
	return b.raw
}

// Decoded returns the body with content-encoding reversed, decoding lazily
// and memoizing the result. If decoding would exceed maxSize the error is
// returned and Raw() remains the only available view, as §4.4 requires.
func (b *Body) Decoded() ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	b.once.Do(func() {
		b.decoded, b.decodeErr = decodeBody(b.raw, b.encoding, b.maxSize)
	})
	return b.decoded, b.decodeErr
}

// Len returns the raw wire length.
func (b *Body) Len() int {
	if b == nil {
		return 0
	}
	return len(b.raw)
}

func decodeBody(raw []byte, encoding string, maxSize int64) ([]byte, error) {
	var r io.Reader
	switch encoding {
	case "", "identity":
		if int64(len(raw)) > maxSize {
			return nil, fmt.Errorf("request: decoded body exceeds max size %d", maxSize)
		}
		return raw, nil
	case "gzip":
		gr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("request: gzip decode: %w", err)
		}
		defer gr.Close()
		r = gr
	case "deflate":
		fr := flate.NewReader(bytes.NewReader(raw))
		defer fr.Close()
		r = fr
	case "br":
		r = brotli.NewReader(bytes.NewReader(raw))
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("request: zstd decode: %w", err)
		}
		defer zr.Close()
		r = zr
	default:
		return nil, fmt.Errorf("request: unsupported content-encoding %q", encoding)
	}

	limited := io.LimitReader(r, maxSize+1)
	out, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("request: %s decode: %w", encoding, err)
	}
	if int64(len(out)) > maxSize {
		return nil, fmt.Errorf("request: decoded body exceeds max size %d", maxSize)
	}
	return out, nil
}
