package proxy_test

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/httptoolkit/mockproxy/cert"
	"github.com/httptoolkit/mockproxy/proxy"
	"github.com/httptoolkit/mockproxy/proxy/internal/rules"
	"github.com/httptoolkit/mockproxy/proxy/internal/steps"
)

func newTestCA(c *qt.C) cert.CA {
	ca, err := cert.NewSelfSignCA("")
	c.Assert(err, qt.IsNil)
	return ca
}

func startTestServer(c *qt.C, opts ...proxy.Option) *proxy.Server {
	allOpts := append([]proxy.Option{proxy.WithAddr("127.0.0.1:0"), proxy.WithCA(newTestCA(c))}, opts...)
	s, err := proxy.New(allOpts...)
	c.Assert(err, qt.IsNil)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()
	c.Cleanup(func() {
		_ = s.Stop()
		select {
		case <-errCh:
		case <-time.After(time.Second):
		}
	})

	// Start binds the listener synchronously before accepting; poll Port()
	// until it's non-zero instead of sleeping a fixed guess.
	for i := 0; i < 100 && s.Port() == 0; i++ {
		time.Sleep(time.Millisecond)
	}
	c.Assert(s.Port(), qt.Not(qt.Equals), 0)
	return s
}

func proxiedClient(s *proxy.Server) *http.Client {
	proxyURL, _ := url.Parse(s.URL())
	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   5 * time.Second,
	}
}

func TestServerMatchesRuleAndReturnsFixedResponse(t *testing.T) {
	c := qt.New(t)

	s := startTestServer(c)

	rule := rules.NewRule("r1", 0, rules.HostMatcher{Host: "example.test"},
		[]steps.Step{&steps.FixedResponse{Status: 200, StatusMessage: "OK", Body: []byte("mocked response")}},
		rules.CompletionAlways, 0)
	s.SetRules([]*rules.Rule{rule})

	resp, err := proxiedClient(s).Get("http://example.test/anything")
	c.Assert(err, qt.IsNil)
	defer resp.Body.Close()

	c.Assert(resp.StatusCode, qt.Equals, 200)
}

func TestServerGetMockedEndpointsReportsHandledCount(t *testing.T) {
	c := qt.New(t)

	s := startTestServer(c)

	completion, count := rules.Once()
	rule := rules.NewRule("once", 0, rules.HostMatcher{Host: "once.test"},
		[]steps.Step{&steps.FixedResponse{Status: 204}}, completion, count)
	s.SetRules([]*rules.Rule{rule})

	endpoints := s.GetMockedEndpoints()
	c.Assert(endpoints, qt.HasLen, 1)
	c.Assert(endpoints[0].RuleID, qt.Equals, "once")
	c.Assert(endpoints[0].SeenRequests, qt.Equals, uint32(0))
	c.Assert(endpoints[0].IsPending, qt.IsTrue)

	resp, err := proxiedClient(s).Get("http://once.test/x")
	c.Assert(err, qt.IsNil)
	resp.Body.Close()

	pending := s.GetPendingEndpoints()
	c.Assert(pending, qt.HasLen, 0)

	endpoints = s.GetMockedEndpoints()
	c.Assert(endpoints[0].SeenRequests, qt.Equals, uint32(1))
	c.Assert(endpoints[0].IsPending, qt.IsFalse)
}

func TestServerResetClearsRules(t *testing.T) {
	c := qt.New(t)

	s := startTestServer(c)
	rule := rules.NewRule("r", 0, rules.AnyMethodMatcher{},
		[]steps.Step{&steps.FixedResponse{Status: 200}}, rules.CompletionAlways, 0)
	s.SetRules([]*rules.Rule{rule})
	c.Assert(s.GetMockedEndpoints(), qt.HasLen, 1)

	s.Reset()
	c.Assert(s.GetMockedEndpoints(), qt.HasLen, 0)
}

func TestServerAllowHostsRestrictsInterception(t *testing.T) {
	c := qt.New(t)

	s := startTestServer(c, proxy.WithAllowHosts("mocked.test"))

	rule := rules.NewRule("allowed", 0, rules.AnyMethodMatcher{},
		[]steps.Step{&steps.FixedResponse{Status: 200, Body: []byte("hit")}}, rules.CompletionAlways, 0)
	s.SetRules([]*rules.Rule{rule})

	resp, err := proxiedClient(s).Get("http://mocked.test/path")
	c.Assert(err, qt.IsNil)
	resp.Body.Close()
	c.Assert(resp.StatusCode, qt.Equals, 200)

	// A host not on the allow list bypasses mocking entirely and is sent
	// to the passthrough engine, which will fail to dial a bogus TLD -
	// the point here is only that the rule (which would otherwise match
	// any path on any host) never fires for it.
	resp2, err := proxiedClient(s).Get("http://unlisted.invalid/path")
	if err == nil {
		defer resp2.Body.Close()
		c.Assert(resp2.StatusCode, qt.Not(qt.Equals), 200)
	}
}

func TestServerCertificateReturnsRootCA(t *testing.T) {
	c := qt.New(t)

	s := startTestServer(c)
	rootCA := s.Certificate()
	c.Assert(rootCA.Raw, qt.Not(qt.HasLen), 0)
}
