// Package rules implements the matcher/completion state machine (C5): it
// picks which rule, if any, handles an incoming request.
package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/samber/lo"
	"github.com/tidwall/match"

	"github.com/httptoolkit/mockproxy/proxy/internal/request"
)

// Matcher is a pure predicate over a request, with a human explanation for
// diagnostics and the admin-facing "pending endpoints" surface (§GLOSSARY).
type Matcher interface {
	Matches(req *request.OngoingRequest) bool
	Explain() string
}

// MethodMatcher matches an exact HTTP method, case-insensitively.
type MethodMatcher struct{ Method string }

func (m MethodMatcher) Matches(req *request.OngoingRequest) bool {
	return strings.EqualFold(req.Method, m.Method)
}
func (m MethodMatcher) Explain() string { return fmt.Sprintf("method is %s", m.Method) }

// AnyMethodMatcher always matches, used for `any(path)` style rules.
type AnyMethodMatcher struct{}

func (AnyMethodMatcher) Matches(*request.OngoingRequest) bool { return true }
func (AnyMethodMatcher) Explain() string                      { return "any method" }

// PathKind selects how PathMatcher.Pattern is interpreted.
type PathKind int

const (
	PathExact PathKind = iota
	PathGlob           // tidwall/match glob syntax, e.g. "/users/*"
	PathRegex
)

// PathMatcher matches the request URL path.
type PathMatcher struct {
	Kind    PathKind
	Pattern string
	regex   *regexp.Regexp
}

// NewPathMatcher builds a PathMatcher, compiling the regex eagerly for
// PathRegex so a bad pattern surfaces as a config-error at rule-build time.
func NewPathMatcher(kind PathKind, pattern string) (*PathMatcher, error) {
	pm := &PathMatcher{Kind: kind, Pattern: pattern}
	if kind == PathRegex {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("rules: invalid path regex %q: %w", pattern, err)
		}
		pm.regex = re
	}
	return pm, nil
}

func (m *PathMatcher) Matches(req *request.OngoingRequest) bool {
	switch m.Kind {
	case PathGlob:
		return match.Match(req.Path, m.Pattern)
	case PathRegex:
		return m.regex.MatchString(req.Path)
	default:
		return req.Path == m.Pattern
	}
}

func (m *PathMatcher) Explain() string {
	return fmt.Sprintf("path matches %q", m.Pattern)
}

// HeaderMatcher matches a header's presence/value, case-insensitively by name.
type HeaderMatcher struct {
	Name  string
	Value string // empty means "header present, any value"
}

func (m HeaderMatcher) Matches(req *request.OngoingRequest) bool {
	values := req.Headers.Values(m.Name)
	if len(values) == 0 {
		return false
	}
	if m.Value == "" {
		return true
	}
	return lo.Contains(values, m.Value)
}

func (m HeaderMatcher) Explain() string {
	if m.Value == "" {
		return fmt.Sprintf("has header %q", m.Name)
	}
	return fmt.Sprintf("header %q equals %q", m.Name, m.Value)
}

// QueryMatcher matches a URL query parameter.
type QueryMatcher struct {
	Name  string
	Value string
}

func (m QueryMatcher) Matches(req *request.OngoingRequest) bool {
	if req.URL == nil {
		return false
	}
	values := req.URL.Query()[m.Name]
	if m.Value == "" {
		return len(values) > 0
	}
	return lo.Contains(values, m.Value)
}

func (m QueryMatcher) Explain() string {
	return fmt.Sprintf("query %q equals %q", m.Name, m.Value)
}

// HostMatcher matches the request's destination hostname, optionally with port.
type HostMatcher struct {
	Host string // "example.com" or "example.com:443"
}

func (m HostMatcher) Matches(req *request.OngoingRequest) bool {
	host, port, hasPort := splitHostPort(m.Host)
	if hasPort {
		return req.Destination.Hostname == host && fmt.Sprint(req.Destination.Port) == port
	}
	return req.Destination.Hostname == host
}

func (m HostMatcher) Explain() string { return fmt.Sprintf("host is %s", m.Host) }

func splitHostPort(s string) (host, port string, hasPort bool) {
	if i := strings.LastIndex(s, ":"); i >= 0 {
		return s[:i], s[i+1:], true
	}
	return s, "", false
}

// All wraps a list of matchers that must all match (a rule's matcher list,
// per §3's "ordered matchers (all must match)").
type All struct{ Matchers []Matcher }

func (a All) Matches(req *request.OngoingRequest) bool {
	for _, m := range a.Matchers {
		if !m.Matches(req) {
			return false
		}
	}
	return true
}

func (a All) Explain() string {
	parts := lo.Map(a.Matchers, func(m Matcher, _ int) string { return m.Explain() })
	return strings.Join(parts, " and ")
}
