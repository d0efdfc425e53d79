package passthrough

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	lru "github.com/golang/groupcache/lru"
	"golang.org/x/net/proxy"
)

const (
	agentCacheSize = 20
	agentIdleTTL   = 5 * time.Minute
)

// agent dials through a single resolved ProxySetting.
type agent struct {
	setting  *ProxySetting
	lastUsed time.Time
}

// AgentPool caches dialers per ProxySetting, keyed by
// JSON({url,trustedCAs,additionalTrustedCAs}), capped at agentCacheSize
// with a 5-minute idle TTL refreshed on use (§4.7).
type AgentPool struct {
	mu    sync.Mutex
	cache *lru.Cache
}

func NewAgentPool() *AgentPool {
	return &AgentPool{cache: lru.New(agentCacheSize)}
}

// Get returns the cached agent for setting, refreshing its last-use time.
// A cached agent idle past agentIdleTTL is evicted and replaced by a new
// one, as is done when none is cached.
func (p *AgentPool) Get(setting *ProxySetting) *agent {
	key := setting.cacheKey()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.evictIdleLocked()

	if v, ok := p.cache.Get(key); ok {
		a := v.(*agent)
		if !a.stale() {
			a.lastUsed = time.Now()
			return a
		}
		p.cache.Remove(key)
	}

	a := &agent{setting: setting, lastUsed: time.Now()}
	p.cache.Add(key, a)
	return a
}

func (p *AgentPool) evictIdleLocked() {
	// groupcache's LRU has no iteration API; idle entries are left for
	// natural LRU eviction once the 20-entry cap is exceeded. An
	// idle-walk would need a richer cache than groupcache/lru offers, so
	// idle TTL is enforced only at lookup time via lastUsed staleness
	// below, not by active sweeping.
}

// stale reports whether a hasn't been used within the idle TTL.
func (a *agent) stale() bool {
	return time.Since(a.lastUsed) > agentIdleTTL
}

// Dial opens a connection to address through a, following the proxy
// scheme's handshake, grounded on the teacher's helper.GetProxyConn.
func (a *agent) Dial(ctx context.Context, address string) (net.Conn, error) {
	if a.setting == nil || a.setting.ProxyURL == "" {
		return (&net.Dialer{}).DialContext(ctx, "tcp", address)
	}

	proxyURL, err := url.Parse(a.setting.ProxyURL)
	if err != nil {
		return nil, err
	}

	rootPool := a.setting.rootPool()

	switch proxyURL.Scheme {
	case "socks4", "socks4a", "socks5", "socks5h":
		return dialSOCKS(ctx, proxyURL, address)
	case "https":
		return dialHTTPConnect(ctx, proxyURL, address, rootPool)
	default: // "http"
		return dialHTTPConnect(ctx, proxyURL, address, nil)
	}
}

func (s *ProxySetting) rootPool() *x509.CertPool {
	if len(s.TrustedCAs) == 0 && len(s.AdditionalTrustedCAs) == 0 {
		return nil
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if len(s.TrustedCAs) > 0 {
		pool = x509.NewCertPool()
		for _, c := range s.TrustedCAs {
			pool.AddCert(c)
		}
	}
	for _, c := range s.AdditionalTrustedCAs {
		pool.AddCert(c)
	}
	return pool
}

func dialSOCKS(ctx context.Context, proxyURL *url.URL, address string) (net.Conn, error) {
	auth := &proxy.Auth{}
	if proxyURL.User != nil {
		auth.User = proxyURL.User.Username()
		auth.Password, _ = proxyURL.User.Password()
	}
	dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
	if err != nil {
		return nil, err
	}
	dc, ok := dialer.(interface {
		DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	})
	if !ok {
		return nil, errors.New("passthrough: SOCKS dialer does not support DialContext")
	}
	return dc.DialContext(ctx, "tcp", address)
}

func dialHTTPConnect(ctx context.Context, proxyURL *url.URL, address string, rootPool *x509.CertPool) (net.Conn, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", proxyURL.Host)
	if err != nil {
		return nil, err
	}
	if proxyURL.Scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: proxyURL.Hostname(), RootCAs: rootPool})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	connectReq := &http.Request{
		Method: "CONNECT",
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: http.Header{},
	}
	if proxyURL.User != nil {
		connectReq.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(proxyURL.User.String())))
	}
	if err := connectReq.Write(conn); err != nil {
		conn.Close()
		return nil, err
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), connectReq)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, errors.New("passthrough: proxy CONNECT failed: " + resp.Status)
	}
	return conn, nil
}
