package steps

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"strconv"

	"github.com/andybalholm/brotli"

	"github.com/httptoolkit/mockproxy/proxy/internal/request"
)

// FixedResponse synthesises a fixed status/headers/body, per §4.6.
type FixedResponse struct {
	Status        int
	StatusMessage string
	Headers       request.Headers // nil means "use the default set"
	Body          []byte
	Trailers      request.Headers
}

// Handle implements Step. If Headers is non-nil the caller has opted out of
// the default header set entirely, per §4.6 ("default set is dropped
// first"). The body is encoded to match a gzip, deflate or br
// content-encoding declared by the headers; with any other declared
// encoding (zstd, for example) the body is sent as given.
func (s *FixedResponse) Handle(_ context.Context, req *request.OngoingRequest, resp **request.OngoingResponse) (Result, error) {
	r := request.NewResponse(req)
	r.StatusCode = s.Status
	r.StatusMessage = s.StatusMessage

	headers := s.Headers
	if headers == nil {
		headers = defaultResponseHeaders()
	}

	body := s.Body
	if enc := headers.Get("content-encoding"); enc != "" {
		encoded, err := encodeBody(body, enc)
		if err != nil {
			return Result{}, err
		}
		body = encoded
	}
	headers = headers.Set("content-length", strconv.Itoa(len(body)))

	r.Headers = headers
	r.Body = request.NewBody(body, headers.Get("content-encoding"), int64(len(body))+1)
	r.Trailers = s.Trailers
	*resp = r
	return DoneResult(), nil
}

func (s *FixedResponse) Explain() string { return "respond with a fixed status/body" }

func defaultResponseHeaders() request.Headers {
	return request.Headers{{Name: "Content-Type", Value: "text/plain"}}
}

func encodeBody(body []byte, encoding string) ([]byte, error) {
	var buf bytes.Buffer
	switch encoding {
	case "", "identity":
		return body, nil
	case "gzip":
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case "deflate":
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case "br":
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	default:
		return body, nil
	}
	return buf.Bytes(), nil
}
