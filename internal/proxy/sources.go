package proxy

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// Fetcher retrieves proxy candidates from one source URL.
type Fetcher interface {
	Fetch(ctx context.Context, sourceURL string) ([]Candidate, error)
}

// sourceFetcher scrapes line-oriented proxy lists.
type sourceFetcher struct {
	logger *zap.Logger
}

// NewSourceFetcher returns a Fetcher for the public host:port list format.
func NewSourceFetcher(logger *zap.Logger) Fetcher {
	return &sourceFetcher{logger: logger}
}

// Fetch downloads one source and returns every parseable host:port line.
// The proxy scheme is inferred from the source URL so socks lists stay
// distinguishable from plain http ones.
func (f *sourceFetcher) Fetch(ctx context.Context, sourceURL string) ([]Candidate, error) {
	scheme := schemeForSource(sourceURL)

	var candidates []Candidate
	var fetchErr error

	c := colly.NewCollector(
		colly.UserAgent("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"),
	)
	c.OnResponse(func(r *colly.Response) {
		for _, line := range strings.Split(string(r.Body), "\n") {
			addr := strings.TrimSpace(line)
			if addr == "" || strings.HasPrefix(addr, "#") {
				continue
			}
			// Some lists prefix entries with their scheme.
			if i := strings.Index(addr, "://"); i >= 0 {
				addr = addr[i+3:]
			}
			if _, _, err := net.SplitHostPort(addr); err != nil {
				continue
			}
			candidates = append(candidates, Candidate{Address: addr, Scheme: scheme})
		}
	})
	c.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	if err := c.Visit(sourceURL); err != nil {
		return nil, fmt.Errorf("fetch proxy source %s: %w", sourceURL, err)
	}
	c.Wait()
	if fetchErr != nil {
		return nil, fmt.Errorf("fetch proxy source %s: %w", sourceURL, fetchErr)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("fetch canceled: %w", err)
	}

	f.logger.Debug("fetched proxy source",
		zap.String("source", sourceURL),
		zap.String("scheme", scheme),
		zap.Int("candidates", len(candidates)),
	)
	return candidates, nil
}

func schemeForSource(sourceURL string) string {
	lower := strings.ToLower(sourceURL)
	switch {
	case strings.Contains(lower, "socks5"):
		return "socks5"
	case strings.Contains(lower, "socks4"):
		return "socks4"
	default:
		return "http"
	}
}
