package passthrough

import (
	"crypto/tls"
	"crypto/x509"
	"strconv"
	"strings"
)

// browserCipherSuites and browserCurves mimic a modern browser's TLS
// ClientHello so upstream TLS-fingerprint blocking doesn't flag the proxy
// as an obvious MITM tool (§4.7 "Upstream TLS").
var browserCipherSuites = []uint16{
	tls.TLS_AES_128_GCM_SHA256,
	tls.TLS_AES_256_GCM_SHA384,
	tls.TLS_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
}

var browserCurves = []tls.CurveID{
	tls.X25519,
	tls.CurveP256,
	tls.CurveP384,
}

// IgnoreHTTPSErrors controls whether TLS verification is relaxed for a
// given host, per §4.7's `ignoreHostHttpsErrors` (a bool or a host list).
type IgnoreHTTPSErrors struct {
	All   bool
	Hosts []string
}

func (i IgnoreHTTPSErrors) matches(hostname string, port int) bool {
	if i.All {
		return true
	}
	addr := hostname + ":" + strconv.Itoa(port)
	for _, h := range i.Hosts {
		if h == hostname || h == addr {
			return true
		}
	}
	return false
}

// ClientHelloInfo carries the downstream client's negotiated TLS
// parameters forward to the upstream handshake, so the server sees the
// same shape of ClientHello the real client sent (grounded on the
// teacher's attacker.serverTLSHandshake, which forwards clientHello
// verbatim rather than applying a fixed browser fingerprint).
type ClientHelloInfo struct {
	ServerName        string
	SupportedProtos   []string
	CipherSuites      []uint16
	SupportedVersions []uint16
}

// BuildUpstreamTLSConfig assembles the tls.Config used to dial hostname:port.
// If clientHello is non-nil its cipher/version list is forwarded (matching
// the teacher's MITM fidelity); otherwise the fixed browser-mimic lists are
// used (e.g. for direct non-MITM HTTPS passthrough where no ClientHello was
// captured).
func BuildUpstreamTLSConfig(hostname string, port int, clientHello *ClientHelloInfo, ignore IgnoreHTTPSErrors, extraCAs *x509.CertPool) *tls.Config {
	cfg := &tls.Config{
		ServerName:       hostname,
		CipherSuites:     browserCipherSuites,
		CurvePreferences: browserCurves,
	}

	if clientHello != nil {
		if len(clientHello.CipherSuites) > 0 {
			cfg.CipherSuites = clientHello.CipherSuites
		}
		if clientHello.ServerName != "" {
			cfg.ServerName = clientHello.ServerName
		}
		if len(clientHello.SupportedProtos) > 0 {
			cfg.NextProtos = clientHello.SupportedProtos
		}
		if min, max, ok := minMaxVersion(clientHello.SupportedVersions); ok {
			cfg.MinVersion = min
			cfg.MaxVersion = max
		}
	}

	if ignore.matches(hostname, port) {
		cfg.InsecureSkipVerify = true
		cfg.MinVersion = tls.VersionTLS10
	}

	if extraCAs != nil {
		cfg.RootCAs = extraCAs
	}

	return cfg
}

func minMaxVersion(versions []uint16) (min, max uint16, ok bool) {
	if len(versions) == 0 {
		return 0, 0, false
	}
	min, max = versions[0], versions[0]
	for _, v := range versions {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max, true
}

// negotiatedALPN returns the preferred HTTP version to offer upstream: h2
// only over https when the downstream connection itself negotiated h2
// (§4.7 "HTTP version choice" — H2C upstream is never attempted).
func negotiatedALPN(downstreamIsH2 bool, scheme string) []string {
	if downstreamIsH2 && scheme == "https" {
		return []string{"h2", "http/1.1"}
	}
	return []string{"http/1.1"}
}

func isPlaintext(scheme string) bool { return strings.EqualFold(scheme, "http") }
