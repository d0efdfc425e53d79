package passthrough_test

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/httptoolkit/mockproxy/proxy/internal/passthrough"
)

func TestTransformSetProtocolRescalesDefaultPort(t *testing.T) {
	c := qt.New(t)

	dest := passthrough.Destination{Scheme: "http", Host: "example.com", Port: 80, Path: "/"}
	tr := &passthrough.Transform{SetProtocol: "https"}

	out, err := tr.Apply(dest)
	c.Assert(err, qt.IsNil)
	c.Assert(out.Scheme, qt.Equals, "https")
	c.Assert(out.Port, qt.Equals, 443)
}

func TestTransformMatchReplaceHostUpdatesHostHeaderByDefault(t *testing.T) {
	c := qt.New(t)

	dest := passthrough.Destination{Scheme: "https", Host: "old.example.com", Port: 443, Path: "/x"}
	tr := &passthrough.Transform{
		MatchReplaceHost: []passthrough.MatchReplace{{Pattern: "old.example.com", Replacement: "new.example.com"}},
	}

	out, err := tr.Apply(dest)
	c.Assert(err, qt.IsNil)
	c.Assert(out.Host, qt.Equals, "new.example.com")
	c.Assert(out.HostHeader, qt.Equals, "new.example.com")
}

func TestTransformReplaceHostAndMatchReplaceHostAreExclusive(t *testing.T) {
	c := qt.New(t)

	dest := passthrough.Destination{Scheme: "https", Host: "a.com", Port: 443}
	tr := &passthrough.Transform{
		ReplaceHost:      "b.com",
		MatchReplaceHost: []passthrough.MatchReplace{{Pattern: "a.com", Replacement: "c.com"}},
	}

	_, err := tr.Apply(dest)
	c.Assert(err, qt.ErrorMatches, ".*mutually exclusive.*")
}

func TestTransformMatchReplacePathAndQuery(t *testing.T) {
	c := qt.New(t)

	dest := passthrough.Destination{Scheme: "https", Host: "a.com", Port: 443, Path: "/v1/users", Query: "id=1"}
	tr := &passthrough.Transform{
		MatchReplacePath:  []passthrough.MatchReplace{{Pattern: "/v1/", Replacement: "/v2/"}},
		MatchReplaceQuery: []passthrough.MatchReplace{{Pattern: "id=1", Replacement: "id=2"}},
	}

	out, err := tr.Apply(dest)
	c.Assert(err, qt.IsNil)
	c.Assert(out.Path, qt.Equals, "/v2/users")
	c.Assert(out.Query, qt.Equals, "id=2")
}

func TestTransformMatchReplaceOnlyReplacesFirstOccurrence(t *testing.T) {
	c := qt.New(t)

	dest := passthrough.Destination{Scheme: "https", Host: "a.com", Port: 443, Path: "aaa"}
	tr := &passthrough.Transform{
		MatchReplacePath: []passthrough.MatchReplace{
			{Pattern: "a", Replacement: "b"},
			{Pattern: "b", Replacement: "c"},
		},
	}

	out, err := tr.Apply(dest)
	c.Assert(err, qt.IsNil)
	c.Assert(out.Path, qt.Equals, "caa")
}

func TestTransformMatchReplaceRegexOnlyReplacesFirstOccurrenceByDefault(t *testing.T) {
	c := qt.New(t)

	dest := passthrough.Destination{Scheme: "https", Host: "a.com", Port: 443, Path: "foobarfoo"}
	rule := passthrough.MatchReplace{Pattern: "foo", IsRegex: true, Replacement: "bar"}
	c.Assert(rule.Compile(), qt.IsNil)
	tr := &passthrough.Transform{MatchReplacePath: []passthrough.MatchReplace{rule}}

	out, err := tr.Apply(dest)
	c.Assert(err, qt.IsNil)
	c.Assert(out.Path, qt.Equals, "barbarfoo")
}

func TestTransformMatchReplaceRegexGlobalReplacesAllOccurrences(t *testing.T) {
	c := qt.New(t)

	dest := passthrough.Destination{Scheme: "https", Host: "a.com", Port: 443, Path: "foobarfoo"}
	rule := passthrough.MatchReplace{Pattern: "foo", IsRegex: true, Replacement: "bar", Global: true}
	c.Assert(rule.Compile(), qt.IsNil)
	tr := &passthrough.Transform{MatchReplacePath: []passthrough.MatchReplace{rule}}

	out, err := tr.Apply(dest)
	c.Assert(err, qt.IsNil)
	c.Assert(out.Path, qt.Equals, "barbarbar")
}
