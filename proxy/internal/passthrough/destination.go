// Package passthrough implements the upstream engine (C7): destination
// resolution, proxy/agent selection, DNS caching, TLS fingerprinting,
// HTTP version negotiation, body/framing correction and response relay
// (the upstream response body is read in full before it is returned, not
// streamed), grounded on the teacher's attacker.Attack / upstream.Manager
// pipeline.
package passthrough

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Destination is the resolved upstream target after any transforms.
type Destination struct {
	Scheme string
	Host   string // hostname only
	Port   int
	Path   string
	Query  string

	// HostHeader, when non-empty, overrides the Host/:authority header the
	// passthrough engine would otherwise derive from Host/Port (§4.7
	// "updateHostHeader").
	HostHeader string
}

func (d Destination) URL() *url.URL {
	host := d.Host
	if !defaultPortFor(d.Scheme, d.Port) {
		host = fmt.Sprintf("%s:%d", d.Host, d.Port)
	}
	return &url.URL{Scheme: d.Scheme, Host: host, Path: d.Path, RawQuery: d.Query}
}

func defaultPortFor(scheme string, port int) bool {
	switch scheme {
	case "http":
		return port == 80
	case "https":
		return port == 443
	default:
		return false
	}
}

// MatchReplace is a single (pattern, replacement) pair applied against a
// string, with `$1`…`$9` back-references in replacement (§4.7). Only the
// first match is replaced unless Global is set (§8: "applyMatchReplace"
// replaces one occurrence per rule by default, mirroring a regex literal
// without its `/g` flag).
type MatchReplace struct {
	Pattern     string
	IsRegex     bool
	Replacement string
	Global      bool

	regex *regexp.Regexp
}

// Compile validates and pre-compiles the pattern if it is a regex. Called
// once at rule-build time so a bad pattern surfaces as a config-error.
func (mr *MatchReplace) Compile() error {
	if !mr.IsRegex {
		return nil
	}
	re, err := regexp.Compile(mr.Pattern)
	if err != nil {
		return fmt.Errorf("passthrough: invalid match-replace regex %q: %w", mr.Pattern, err)
	}
	mr.regex = re
	return nil
}

func (mr *MatchReplace) apply(s string) string {
	if mr.IsRegex {
		if mr.Global {
			return mr.regex.ReplaceAllString(s, mr.Replacement)
		}
		return mr.replaceFirstRegex(s)
	}
	if mr.Global {
		return strings.ReplaceAll(s, mr.Pattern, mr.Replacement)
	}
	return strings.Replace(s, mr.Pattern, mr.Replacement, 1)
}

// replaceFirstRegex replaces only the leftmost match, expanding `$1`…`$9`
// back-references the same way ReplaceAllString would.
func (mr *MatchReplace) replaceFirstRegex(s string) string {
	loc := mr.regex.FindStringSubmatchIndex(s)
	if loc == nil {
		return s
	}
	expanded := mr.regex.ExpandString(nil, mr.Replacement, s, loc)
	return s[:loc[0]] + string(expanded) + s[loc[1]:]
}

func applyAll(s string, rules []MatchReplace) string {
	for i := range rules {
		s = rules[i].apply(s)
	}
	return s
}

// UpdateHostHeader controls how the Host/:authority header is set after a
// host rewrite (§4.7).
type UpdateHostHeader struct {
	// Mode is one of "default" (true), "never" (false) or "custom".
	Mode   string
	Custom string
}

// Transform is the ordered set of destination rewrites a rule may apply,
// applied in the fixed order the spec names: setProtocol, then exactly one
// of replaceHost/matchReplaceHost, then matchReplacePath, matchReplaceQuery.
type Transform struct {
	SetProtocol string // "http" or "https", empty = no change

	ReplaceHost      string // exact replacement, mutually exclusive with MatchReplaceHost
	MatchReplaceHost []MatchReplace
	UpdateHostHeader UpdateHostHeader

	MatchReplacePath  []MatchReplace
	MatchReplaceQuery []MatchReplace
}

// Apply resolves dest against t, in the spec's fixed transform order.
func (t *Transform) Apply(dest Destination) (Destination, error) {
	if t.ReplaceHost != "" && len(t.MatchReplaceHost) > 0 {
		return dest, fmt.Errorf("passthrough: replaceHost and matchReplaceHost are mutually exclusive")
	}

	originalWasDefaultPort := defaultPortFor(dest.Scheme, dest.Port)

	if t.SetProtocol != "" && t.SetProtocol != dest.Scheme {
		if originalWasDefaultPort {
			dest.Port = defaultPortForScheme(t.SetProtocol)
		}
		dest.Scheme = t.SetProtocol
	}

	hostChanged := false
	switch {
	case t.ReplaceHost != "":
		host, port, err := splitHostPort(t.ReplaceHost, dest.Port)
		if err != nil {
			return dest, err
		}
		dest.Host, dest.Port = host, port
		hostChanged = true
	case len(t.MatchReplaceHost) > 0:
		original := hostPort(dest)
		replaced := applyAll(original, t.MatchReplaceHost)
		if replaced != original {
			host, port, err := splitHostPort(replaced, dest.Port)
			if err != nil {
				return dest, err
			}
			dest.Host, dest.Port = host, port
			hostChanged = true
		}
	}

	if hostChanged {
		switch t.UpdateHostHeader.Mode {
		case "never":
			// leave dest.HostHeader as the caller set it (untouched)
		case "custom":
			dest.HostHeader = t.UpdateHostHeader.Custom
		default: // "default" or unset: true
			dest.HostHeader = hostPort(dest)
		}
	}

	dest.Path = applyAll(dest.Path, t.MatchReplacePath)
	dest.Query = applyAll(dest.Query, t.MatchReplaceQuery)

	return dest, nil
}

func defaultPortForScheme(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

func hostPort(d Destination) string {
	if defaultPortFor(d.Scheme, d.Port) {
		return d.Host
	}
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

func splitHostPort(s string, fallbackPort int) (string, int, error) {
	host, portStr, err := splitHostPortString(s)
	if err != nil {
		return s, fallbackPort, nil // no port in replacement: keep existing port
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, fallbackPort, fmt.Errorf("passthrough: invalid port in %q: %w", s, err)
	}
	return host, port, nil
}

func splitHostPortString(s string) (host, port string, err error) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return s, "", fmt.Errorf("no port")
	}
	return s[:i], s[i+1:], nil
}
