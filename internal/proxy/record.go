// Package proxy maintains the pool of vetted egress proxies used to keep
// captcha traffic off the service's own IP. Candidates are harvested from
// public source lists, verified against a check URL, and tracked per-proxy
// so consistently failing entries rotate out.
package proxy

import (
	"fmt"
	"time"
)

// Record is one vetted proxy and its accumulated track record. The JSON
// shape is the on-disk format of the working-proxies file.
type Record struct {
	// Proxy is the host:port endpoint.
	Proxy string `json:"proxy"`
	// Scheme is http, socks4 or socks5.
	Scheme string `json:"scheme"`
	// LatencyMs is the round trip measured at the last verification.
	LatencyMs int64 `json:"latency_ms"`
	// EgressIP is the public IP the check URL observed through this proxy.
	EgressIP string `json:"egress_ip,omitempty"`
	// Country is the ISO code resolved from the egress IP, when available.
	Country string `json:"country,omitempty"`

	SuccessCount int `json:"success_count"`
	FailCount    int `json:"fail_count"`

	LastTested time.Time `json:"last_tested"`
	LastUsed   time.Time `json:"last_used"`
}

// URL renders the record as a proxy URL usable by HTTP clients.
func (r Record) URL() string {
	return fmt.Sprintf("%s://%s", r.Scheme, r.Proxy)
}

func (r Record) samples() int {
	return r.SuccessCount + r.FailCount
}

func (r Record) failRatio() float64 {
	if r.samples() == 0 {
		return 0
	}
	return float64(r.FailCount) / float64(r.samples())
}

// Candidate is an untested proxy harvested from a source list.
type Candidate struct {
	Address string
	Scheme  string
}

// URL renders the candidate as a proxy URL.
func (c Candidate) URL() string {
	return fmt.Sprintf("%s://%s", c.Scheme, c.Address)
}
