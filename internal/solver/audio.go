package solver

import (
	"context"
	"fmt"
	"io"
	"time"

	http "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
)

// audioFetcher downloads challenge audio. Split out so tests can swap in a
// canned payload.
type audioFetcher interface {
	fetch(ctx context.Context, audioURL, proxyURL string) ([]byte, error)
}

// tlsAudioFetcher pulls the audio through the job's proxy with a
// browser-like TLS fingerprint, so the download looks like it came from the
// same visitor as the page itself.
type tlsAudioFetcher struct {
	timeout   time.Duration
	userAgent string
}

func (f *tlsAudioFetcher) fetch(ctx context.Context, audioURL, proxyURL string) ([]byte, error) {
	options := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(int(f.timeout.Seconds())),
		tls_client.WithClientProfile(profiles.Chrome_133),
	}
	if proxyURL != "" {
		options = append(options, tls_client.WithProxyUrl(proxyURL))
	}
	client, err := tls_client.NewHttpClient(tls_client.NewNoopLogger(), options...)
	if err != nil {
		return nil, fmt.Errorf("build audio client: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build audio request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch audio: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch audio: status %d", resp.StatusCode)
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return nil, fmt.Errorf("read audio body: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("audio response was empty")
	}
	return audio, nil
}
