package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	http "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
	"github.com/oschwald/geoip2-golang"
	"go.uber.org/zap"
)

// Tester verifies that a candidate actually relays traffic and measures it.
type Tester interface {
	Test(ctx context.Context, candidate Candidate) (Record, error)
}

// liveTester routes a request to the check URL through the candidate using
// a browser-like TLS fingerprint, the same client shape the solver uses for
// its own proxied downloads.
type liveTester struct {
	checkURL string
	timeout  time.Duration
	geo      *geoip2.Reader
	logger   *zap.Logger
}

// NewLiveTester builds a Tester against checkURL. geo may be nil, in which
// case country enrichment is skipped.
func NewLiveTester(checkURL string, timeout time.Duration, geo *geoip2.Reader, logger *zap.Logger) Tester {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &liveTester{
		checkURL: checkURL,
		timeout:  timeout,
		geo:      geo,
		logger:   logger,
	}
}

func (t *liveTester) Test(ctx context.Context, candidate Candidate) (Record, error) {
	options := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(int(t.timeout.Seconds())),
		tls_client.WithClientProfile(profiles.Chrome_133),
		tls_client.WithProxyUrl(candidate.URL()),
	}
	client, err := tls_client.NewHttpClient(tls_client.NewNoopLogger(), options...)
	if err != nil {
		return Record{}, fmt.Errorf("build proxy test client: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.checkURL, nil)
	if err != nil {
		return Record{}, fmt.Errorf("build proxy test request: %w", err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return Record{}, fmt.Errorf("proxy test request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	latency := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		return Record{}, fmt.Errorf("proxy test status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return Record{}, fmt.Errorf("read proxy test response: %w", err)
	}

	record := Record{
		Proxy:      candidate.Address,
		Scheme:     candidate.Scheme,
		LatencyMs:  latency.Milliseconds(),
		EgressIP:   parseEgressIP(body),
		LastTested: time.Now().UTC(),
	}
	if record.EgressIP != "" && t.geo != nil {
		record.Country = t.lookupCountry(record.EgressIP)
	}
	return record, nil
}

// parseEgressIP extracts the observed client IP from an httpbin-style
// {"origin": "1.2.3.4"} body. Comma lists (X-Forwarded-For chains) keep
// only the first hop.
func parseEgressIP(body []byte) string {
	var payload struct {
		Origin string `json:"origin"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	origin := payload.Origin
	if i := strings.Index(origin, ","); i >= 0 {
		origin = origin[:i]
	}
	origin = strings.TrimSpace(origin)
	if net.ParseIP(origin) == nil {
		return ""
	}
	return origin
}

func (t *liveTester) lookupCountry(egressIP string) string {
	ip := net.ParseIP(egressIP)
	if ip == nil {
		return ""
	}
	country, err := t.geo.Country(ip)
	if err != nil {
		t.logger.Debug("geoip lookup failed", zap.String("ip", egressIP), zap.Error(err))
		return ""
	}
	return country.Country.IsoCode
}
