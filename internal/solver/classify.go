package solver

import "strings"

// proxyErrorMarkers are the Chromium network error codes (and generic
// phrasings) that implicate the egress proxy rather than the target page.
var proxyErrorMarkers = []string{
	"net::ERR_PROXY_CONNECTION_FAILED",
	"net::ERR_TUNNEL_CONNECTION_FAILED",
	"net::ERR_SOCKS_CONNECTION_FAILED",
	"net::ERR_SOCKS_CONNECTION_HOST_UNREACHABLE",
	"net::ERR_PROXY_AUTH_UNSUPPORTED",
	"net::ERR_NO_SUPPORTED_PROXIES",
	"net::ERR_CONNECTION_RESET",
	"net::ERR_CONNECTION_REFUSED",
	"net::ERR_TIMED_OUT",
	"net::ERR_EMPTY_RESPONSE",
	"proxyconnect",
	"proxy responded with",
}

// IsProxyError reports whether the failure looks proxy-attributable, in
// which case the worker rotates to a different proxy instead of burning a
// full attempt.
func IsProxyError(err error) bool {
	if err == nil {
		return false
	}
	message := err.Error()
	for _, marker := range proxyErrorMarkers {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}
