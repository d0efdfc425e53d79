package helper

import "strings"

// MatchHost reports whether address ("host" or "host:port") matches any
// entry in hosts. An entry may be a bare host (any port matches), a
// "host:port" pair (exact port match only), or a "*.domain[:port]" wildcard
// that matches any subdomain of domain (but not domain itself).
func MatchHost(address string, hosts []string) bool {
	addrHost, addrPort, hasPort := splitHostPort(address)

	for _, h := range hosts {
		if matchHostEntry(addrHost, addrPort, hasPort, h) {
			return true
		}
	}
	return false
}

func matchHostEntry(addrHost, addrPort string, hasPort bool, entry string) bool {
	entryHost, entryPort, entryHasPort := splitHostPort(entry)

	if entryHasPort {
		if !hasPort || addrPort != entryPort {
			return false
		}
	}

	if strings.HasPrefix(entryHost, "*.") {
		suffix := entryHost[1:] // ".domain"
		return strings.HasSuffix(addrHost, suffix) && addrHost != suffix[1:]
	}

	return addrHost == entryHost
}

func splitHostPort(s string) (host, port string, hasPort bool) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return s, "", false
	}
	return s[:idx], s[idx+1:], true
}
