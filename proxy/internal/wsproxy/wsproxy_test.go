package wsproxy_test

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/httptoolkit/mockproxy/proxy/internal/wsproxy"
)

func TestNewHandlerHasDefaultDialer(t *testing.T) {
	c := qt.New(t)

	h := wsproxy.NewHandler()
	c.Assert(h.Dialer, qt.Not(qt.IsNil))
}
