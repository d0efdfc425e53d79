package wsproxy

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestIsValidCloseCode(t *testing.T) {
	c := qt.New(t)
	c.Assert(isValidCloseCode(1000), qt.IsTrue)
	c.Assert(isValidCloseCode(1011), qt.IsTrue)
	c.Assert(isValidCloseCode(3500), qt.IsTrue)
	c.Assert(isValidCloseCode(1005), qt.IsFalse)
	c.Assert(isValidCloseCode(1006), qt.IsFalse)
	c.Assert(isValidCloseCode(500), qt.IsFalse)
}

func TestCleanSubprotocolsDropsEmpty(t *testing.T) {
	c := qt.New(t)
	out := cleanSubprotocols([]string{"", "chat", "  ", "json"})
	c.Assert(out, qt.DeepEquals, []string{"chat", "json"})

	var empty []string
	c.Assert(cleanSubprotocols(empty), qt.IsNil)
}
