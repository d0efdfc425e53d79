package rules_test

import (
	"net/url"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/httptoolkit/mockproxy/proxy/internal/request"
	"github.com/httptoolkit/mockproxy/proxy/internal/rules"
)

func newReq(method, path string) *request.OngoingRequest {
	r := request.New()
	r.Method = method
	r.Path = path
	u, _ := url.Parse("https://example.com" + path)
	r.URL = u
	r.Destination = request.Destination{Hostname: "example.com", Port: 443}
	return r
}

func TestMethodMatcherCaseInsensitive(t *testing.T) {
	c := qt.New(t)
	m := rules.MethodMatcher{Method: "GET"}
	c.Assert(m.Matches(newReq("get", "/")), qt.IsTrue)
	c.Assert(m.Matches(newReq("POST", "/")), qt.IsFalse)
}

func TestPathMatcherGlob(t *testing.T) {
	c := qt.New(t)
	m, err := rules.NewPathMatcher(rules.PathGlob, "/users/*")
	c.Assert(err, qt.IsNil)
	c.Assert(m.Matches(newReq("GET", "/users/42")), qt.IsTrue)
	c.Assert(m.Matches(newReq("GET", "/orders/42")), qt.IsFalse)
}

func TestPathMatcherInvalidRegexIsConfigError(t *testing.T) {
	c := qt.New(t)
	_, err := rules.NewPathMatcher(rules.PathRegex, "(")
	c.Assert(err, qt.ErrorMatches, ".*invalid path regex.*")
}

func TestHostMatcherWithPort(t *testing.T) {
	c := qt.New(t)
	m := rules.HostMatcher{Host: "example.com:443"}
	c.Assert(m.Matches(newReq("GET", "/")), qt.IsTrue)

	m2 := rules.HostMatcher{Host: "example.com:8080"}
	c.Assert(m2.Matches(newReq("GET", "/")), qt.IsFalse)
}

func TestAllRequiresEveryMatcher(t *testing.T) {
	c := qt.New(t)
	all := rules.All{Matchers: []rules.Matcher{
		rules.MethodMatcher{Method: "GET"},
		rules.HostMatcher{Host: "example.com"},
	}}
	c.Assert(all.Matches(newReq("GET", "/")), qt.IsTrue)
	c.Assert(all.Matches(newReq("POST", "/")), qt.IsFalse)
}
