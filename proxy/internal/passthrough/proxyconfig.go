package passthrough

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

var settingValidator = validator.New()

// ProxySetting is a single named upstream proxy configuration (§4.7).
type ProxySetting struct {
	ProxyURL string `validate:"required"` // http, https, socks4/4a/5/5h, pac+http/pac+https
	NoProxy  []string

	// TrustedCAs and AdditionalTrustedCAs are mutually exclusive: the
	// former replaces the system root pool, the latter extends it.
	TrustedCAs           []*x509.Certificate
	AdditionalTrustedCAs []*x509.Certificate
}

func (s *ProxySetting) validate() error {
	if err := settingValidator.Struct(s); err != nil {
		return fmt.Errorf("passthrough: invalid proxy setting: %w", err)
	}
	if len(s.TrustedCAs) > 0 && len(s.AdditionalTrustedCAs) > 0 {
		return fmt.Errorf("passthrough: trustedCAs and additionalTrustedCAs are mutually exclusive")
	}
	if strings.HasPrefix(s.ProxyURL, "pac+") {
		// PAC evaluation is unsupported; the setting still validates so
		// serialized rule definitions round-trip, but Resolve returns an
		// error for it when a request is resolved against it.
		return nil
	}
	return nil
}

// normalizeHost converts hostname to its lowercased ASCII (punycode) form.
// Both sides of a NoProxy comparison are run through this so "例え.jp" and
// "xn--r8jz45g.jp"-style entries compare equal regardless of which form a
// caller used.
func normalizeHost(host string) string {
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(ascii)
}

// isBarePublicSuffix reports whether domain is itself a public suffix (e.g.
// "co.uk", "com") rather than a registrable domain under one. A NoProxy
// entry that reduces to a bare public suffix is rejected by
// matchesNoProxy: "*.co.uk" would otherwise tunnel every unrelated site
// under that suffix around the proxy, not just the intended registrant's
// domain.
func isBarePublicSuffix(domain string) bool {
	suffix, icann := publicsuffix.PublicSuffix(domain)
	return icann && suffix == domain
}

// cacheKey is the JSON(`{url, trustedCAs, additionalTrustedCAs}`) used to
// key the LRU-cached proxy agent (§4.7).
func (s *ProxySetting) cacheKey() string {
	type key struct {
		URL        string   `json:"url"`
		Trusted    []string `json:"trustedCAs,omitempty"`
		Additional []string `json:"additionalTrustedCAs,omitempty"`
	}
	k := key{URL: s.ProxyURL}
	for _, c := range s.TrustedCAs {
		k.Trusted = append(k.Trusted, string(c.Raw))
	}
	for _, c := range s.AdditionalTrustedCAs {
		k.Additional = append(k.Additional, string(c.Raw))
	}
	b, _ := json.Marshal(k)
	return string(b)
}

// matchesNoProxy reports whether hostname[:port] is covered by s.NoProxy.
// Each entry's leading dot/`*` is stripped (§4.7); the remaining domain
// matches the hostname itself or any of its subdomains, or a `domain:port`
// entry matches only that exact port, or a bare IP matches literally.
func (s *ProxySetting) matchesNoProxy(hostname string, port int) bool {
	hostname = normalizeHost(hostname)
	for _, raw := range s.NoProxy {
		entry := strings.TrimPrefix(strings.TrimPrefix(raw, "."), "*")
		entry = strings.TrimPrefix(entry, ".")

		entryHost, entryPort, hasPort := entry, "", false
		if i := strings.LastIndex(entry, ":"); i >= 0 {
			entryHost, entryPort, hasPort = entry[:i], entry[i+1:], true
		}
		if hasPort && entryPort != fmt.Sprint(port) {
			continue
		}
		entryHost = normalizeHost(entryHost)
		if isBarePublicSuffix(entryHost) {
			continue
		}
		if hostname == entryHost || strings.HasSuffix(hostname, "."+entryHost) {
			return true
		}
	}
	return false
}

// ProxyConfig resolves to a *ProxySetting for a given hostname: a single
// setting, a callback, or an ordered list where the first non-nil setting
// wins (§4.7).
type ProxyConfig struct {
	Single   *ProxySetting
	Callback func(hostname string) (*ProxySetting, error)
	List     []*ProxySetting
}

// Resolve picks the ProxySetting to use for hostname/port, or nil for a
// direct connection.
func (c *ProxyConfig) Resolve(hostname string, port int) (*ProxySetting, error) {
	switch {
	case c.Callback != nil:
		setting, err := c.Callback(hostname)
		if err != nil {
			return nil, err
		}
		return settingOrNil(setting, hostname, port)
	case c.Single != nil:
		return settingOrNil(c.Single, hostname, port)
	case len(c.List) > 0:
		for _, setting := range c.List {
			if setting == nil {
				continue
			}
			if resolved, err := settingOrNil(setting, hostname, port); err != nil {
				return nil, err
			} else if resolved != nil {
				return resolved, nil
			}
		}
		return nil, nil
	default:
		return nil, nil
	}
}

func settingOrNil(setting *ProxySetting, hostname string, port int) (*ProxySetting, error) {
	if setting == nil {
		return nil, nil
	}
	if err := setting.validate(); err != nil {
		return nil, err
	}
	if strings.HasPrefix(setting.ProxyURL, "pac+") {
		return nil, fmt.Errorf("passthrough: PAC proxy resolution is not supported")
	}
	if setting.matchesNoProxy(hostname, port) {
		return nil, nil
	}
	return setting, nil
}
