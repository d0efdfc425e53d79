package passthrough

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Resolver looks up addresses for a hostname, matching net.DefaultResolver's
// shape so a custom resolver (for example one using override servers) can
// be substituted (§4.7 "DNS").
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

type dnsCacheEntry struct {
	addrs     []string
	err       error
	expiresAt time.Time
}

// DNSCache memoises resolver results by (hostname, family); lookup hints
// are not part of the key. The TTLs come only from NewDNSCache's
// arguments (10s by default), whichever Resolver is configured.
type DNSCache struct {
	resolver Resolver
	// defaultTTL applies to every successful lookup (10s unless
	// NewDNSCache is given another value).
	defaultTTL time.Duration
	// errorTTL applies to failed lookups, avoiding hammering a resolver
	// that's already returning errors.
	errorTTL time.Duration

	mu      sync.Mutex
	entries map[string]dnsCacheEntry
}

// NewDNSCache builds a cache over resolver (nil uses net.DefaultResolver).
func NewDNSCache(resolver Resolver, defaultTTL, errorTTL time.Duration) *DNSCache {
	if resolver == nil {
		resolver = osResolver{}
	}
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Second
	}
	if errorTTL <= 0 {
		errorTTL = defaultTTL
	}
	return &DNSCache{
		resolver:   resolver,
		defaultTTL: defaultTTL,
		errorTTL:   errorTTL,
		entries:    make(map[string]dnsCacheEntry),
	}
}

// Lookup resolves host, memoised by (hostname, family). On an empty result
// from a configured override resolver, it falls back to the OS resolver
// per §4.7.
func (c *DNSCache) Lookup(ctx context.Context, host, family string) ([]string, error) {
	key := fmt.Sprintf("%s|%s", host, family)

	c.mu.Lock()
	if entry, ok := c.entries[key]; ok && time.Now().Before(entry.expiresAt) {
		c.mu.Unlock()
		return entry.addrs, entry.err
	}
	c.mu.Unlock()

	addrs, err := c.resolver.LookupHost(ctx, host)
	if err == nil && len(addrs) == 0 {
		if _, isOS := c.resolver.(osResolver); !isOS {
			addrs, err = (osResolver{}).LookupHost(ctx, host)
		}
	}

	ttl := c.defaultTTL
	if err != nil {
		ttl = c.errorTTL
	}

	c.mu.Lock()
	c.entries[key] = dnsCacheEntry{addrs: addrs, err: err, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()

	return addrs, err
}

type osResolver struct{}

func (osResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return net.DefaultResolver.LookupHost(ctx, host)
}
