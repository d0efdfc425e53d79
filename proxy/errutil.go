package proxy

import "strings"

// benignConnErrMsgs are substrings of errors routinely produced by normal
// connection teardown (client hangup, idle timeout, a peer resetting a
// connection it no longer wants) rather than a bug, grounded on the
// teacher's helper.logErr classification list.
var benignConnErrMsgs = []string{
	"read: connection reset by peer",
	"write: broken pipe",
	"i/o timeout",
	"net/http: TLS handshake timeout",
	"io: read/write on closed pipe",
	"connect: connection refused",
	"connect: connection reset by peer",
	"use of closed network connection",
	"EOF",
}

// isBenignConnError reports whether err is routine connection teardown
// noise, so callers can log it at Debug instead of Warn/Error.
func isBenignConnError(err error) bool {
	if err == nil {
		return true
	}
	msg := err.Error()
	for _, s := range benignConnErrMsgs {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
