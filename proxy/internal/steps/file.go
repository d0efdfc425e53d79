package steps

import (
	"context"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/httptoolkit/mockproxy/proxy/internal/request"
)

// FromFile responds by serving a single local file or, when Path names a
// directory, the request path joined onto it (§4.6 "respond from file"),
// grounded on the teacher's addon.MapLocal directory-vs-file resolution.
type FromFile struct {
	Path    string
	Headers request.Headers
}

func (s *FromFile) Handle(_ context.Context, req *request.OngoingRequest, resp **request.OngoingResponse) (Result, error) {
	target := s.Path
	stat, err := os.Stat(target)
	if err == nil && stat.IsDir() {
		target = path.Join(target, filepath.ToSlash(req.URL.Path))
		stat, err = os.Stat(target)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return s.respondStatus(req, resp, http.StatusNotFound), nil
		}
		return Result{}, err
	}
	if stat.IsDir() {
		return s.respondStatus(req, resp, http.StatusForbidden), nil
	}

	body, err := readFile(target)
	if err != nil {
		return Result{}, err
	}

	r := request.NewResponse(req)
	r.StatusCode = http.StatusOK
	headers := s.Headers
	if headers.Get("content-type") == "" {
		if ct := mime.TypeByExtension(filepath.Ext(target)); ct != "" {
			headers = headers.Set("content-type", ct)
		}
	}
	r.Headers = headers
	r.Body = request.NewBody(body, headers.Get("content-encoding"), int64(len(body))+1)
	*resp = r
	return DoneResult(), nil
}

func (s *FromFile) respondStatus(req *request.OngoingRequest, resp **request.OngoingResponse, status int) Result {
	r := request.NewResponse(req)
	r.StatusCode = status
	r.Body = request.NewBody(nil, "", 0)
	*resp = r
	return DoneResult()
}

func (s *FromFile) Explain() string { return "respond with a local file" }

func readFile(name string) ([]byte, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
