package passthrough

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/httptoolkit/mockproxy/proxy/internal/request"
)

// FixFraming applies §4.7's "Body & framing" rule for HTTP/1 responses: if
// neither `transfer-encoding: chunked` nor a correct `content-length` is
// present, set content-length to the exact body length. HEAD responses and
// all HTTP/2 traffic are left untouched by the caller before this is
// invoked (isH1 && !isHead is the caller's job to check).
func FixFraming(headers request.Headers, body []byte) request.Headers {
	if headers.Get("transfer-encoding") == "chunked" {
		return headers
	}
	want := strconv.Itoa(len(body))
	if existing := headers.Get("content-length"); existing == want {
		return headers
	}
	return headers.Set("content-length", want)
}

// UpdateJSONBody merges patch into the decoded JSON body: keys set to
// JSON null in patch are always removed from the body, standing in for
// `updateJsonBody`'s "undefined in patch removes the key" (§4.7) — callers
// pass JSON `null` for removal since Go's encoding/json can't distinguish
// `undefined` from absent.
func UpdateJSONBody(body []byte, patch map[string]json.RawMessage) ([]byte, error) {
	var doc map[string]json.RawMessage
	if len(body) > 0 {
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("passthrough: updateJsonBody: body is not a JSON object: %w", err)
		}
	}
	if doc == nil {
		doc = make(map[string]json.RawMessage)
	}
	for k, v := range patch {
		if string(v) == "null" {
			delete(doc, k)
			continue
		}
		doc[k] = v
	}
	return json.Marshal(doc)
}

// JSONPatchOp is a single RFC 6902 JSON-Patch operation. PatchJSONBody
// supports the common subset (add/remove/replace) since no JSON-Patch
// library appears anywhere in the retrieved example corpus; this is a
// deliberately minimal implementation rather than a full RFC 6902 engine.
type JSONPatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// PatchJSONBody applies ops to the decoded JSON body in place, mutating a
// single top-level key per op (`/key` paths only — matching the proxy's
// own rule-config surface, which never needs nested JSON-Pointer paths).
func PatchJSONBody(body []byte, ops []JSONPatchOp) ([]byte, error) {
	var doc map[string]json.RawMessage
	if len(body) > 0 {
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("passthrough: patchJsonBody: body is not a JSON object: %w", err)
		}
	}
	if doc == nil {
		doc = make(map[string]json.RawMessage)
	}
	for _, op := range ops {
		key, err := topLevelKey(op.Path)
		if err != nil {
			return nil, err
		}
		switch op.Op {
		case "add", "replace":
			doc[key] = op.Value
		case "remove":
			delete(doc, key)
		default:
			return nil, fmt.Errorf("passthrough: patchJsonBody: unsupported op %q", op.Op)
		}
	}
	return json.Marshal(doc)
}

func topLevelKey(path string) (string, error) {
	if len(path) < 2 || path[0] != '/' {
		return "", fmt.Errorf("passthrough: patchJsonBody: unsupported path %q", path)
	}
	return path[1:], nil
}
