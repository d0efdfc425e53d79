package passthrough_test

import (
	"encoding/json"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/httptoolkit/mockproxy/proxy/internal/passthrough"
	"github.com/httptoolkit/mockproxy/proxy/internal/request"
)

func TestFixFramingSetsContentLength(t *testing.T) {
	c := qt.New(t)

	headers := request.Headers{{Name: "Content-Type", Value: "text/plain"}}
	out := passthrough.FixFraming(headers, []byte("hello"))
	c.Assert(out.Get("content-length"), qt.Equals, "5")
}

func TestFixFramingSkipsChunked(t *testing.T) {
	c := qt.New(t)

	headers := request.Headers{{Name: "Transfer-Encoding", Value: "chunked"}}
	out := passthrough.FixFraming(headers, []byte("hello"))
	c.Assert(out.Get("content-length"), qt.Equals, "")
}

func TestUpdateJSONBodyMergesAndRemoves(t *testing.T) {
	c := qt.New(t)

	body := []byte(`{"a":1,"b":2}`)
	patch := map[string]json.RawMessage{
		"b": json.RawMessage("null"),
		"c": json.RawMessage("3"),
	}
	out, err := passthrough.UpdateJSONBody(body, patch)
	c.Assert(err, qt.IsNil)

	var doc map[string]int
	c.Assert(json.Unmarshal(out, &doc), qt.IsNil)
	c.Assert(doc, qt.DeepEquals, map[string]int{"a": 1, "c": 3})
}

func TestPatchJSONBodyReplacesKey(t *testing.T) {
	c := qt.New(t)

	body := []byte(`{"status":"pending"}`)
	ops := []passthrough.JSONPatchOp{{Op: "replace", Path: "/status", Value: json.RawMessage(`"done"`)}}
	out, err := passthrough.PatchJSONBody(body, ops)
	c.Assert(err, qt.IsNil)

	var doc map[string]string
	c.Assert(json.Unmarshal(out, &doc), qt.IsNil)
	c.Assert(doc["status"], qt.Equals, "done")
}
