package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSourceFetcherParsesHostPortLines(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(
			"10.0.0.1:8080\n" +
				"# comment line\n" +
				"not a proxy\n" +
				"  10.0.0.2:3128  \n" +
				"socks5://10.0.0.3:1080\n" +
				"\n",
		))
	}))
	defer srv.Close()

	fetcher := NewSourceFetcher(zap.NewNop())
	candidates, err := fetcher.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	addresses := make([]string, len(candidates))
	for i, candidate := range candidates {
		addresses[i] = candidate.Address
		require.Equal(t, "http", candidate.Scheme)
	}
	require.Equal(t, []string{"10.0.0.1:8080", "10.0.0.2:3128", "10.0.0.3:1080"}, addresses)
}

func TestSourceFetcherReportsHTTPErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	fetcher := NewSourceFetcher(zap.NewNop())
	_, err := fetcher.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestSchemeForSource(t *testing.T) {
	t.Parallel()

	tests := []struct {
		source string
		want   string
	}{
		{"https://raw.example/TheSpeedX/PROXY-List/master/http.txt", "http"},
		{"https://raw.example/TheSpeedX/PROXY-List/master/socks4.txt", "socks4"},
		{"https://raw.example/proxifly/free-proxy-list/main/socks5/data.txt", "socks5"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, schemeForSource(tt.source), tt.source)
	}
}
