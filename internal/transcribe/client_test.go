package transcribe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/solvekit/captcha-relay/internal/captcha"
)

func TestTranscribeSendsAudioAndParsesText(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.Equal(t, "audio/mpeg", r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Equal(t, []byte("fake-mp3"), body)
		_, _ = w.Write([]byte(`{"text": " seven two four one "}`))
	}))
	defer srv.Close()

	client := NewClient(Config{Endpoint: srv.URL, APIKey: "test-key"}, zap.NewNop())
	text, err := client.Transcribe(context.Background(), []byte("fake-mp3"))
	require.NoError(t, err)
	require.Equal(t, "seven two four one", text)
}

func TestTranscribeRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"text": "open the pod bay doors"}`))
	}))
	defer srv.Close()

	client := NewClient(Config{Endpoint: srv.URL, MaxRetries: 3}, zap.NewNop())
	text, err := client.Transcribe(context.Background(), []byte("fake-mp3"))
	require.NoError(t, err)
	require.Equal(t, "open the pod bay doors", text)
	require.Equal(t, int64(3), calls.Load())
}

func TestTranscribeExhaustedRetriesIsProviderFailure(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(Config{Endpoint: srv.URL, MaxRetries: 1}, zap.NewNop())
	_, err := client.Transcribe(context.Background(), []byte("fake-mp3"))
	require.ErrorIs(t, err, captcha.ErrProviderFailure)
	require.Equal(t, int64(2), calls.Load())
}

func TestTranscribeEmptyTextIsAnError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"text": ""}`))
	}))
	defer srv.Close()

	client := NewClient(Config{Endpoint: srv.URL}, zap.NewNop())
	_, err := client.Transcribe(context.Background(), []byte("fake-mp3"))
	require.ErrorIs(t, err, captcha.ErrProviderFailure)
}

func TestTranscribeRejectsEmptyAudio(t *testing.T) {
	t.Parallel()

	client := NewClient(Config{Endpoint: "http://127.0.0.1:1"}, zap.NewNop())
	_, err := client.Transcribe(context.Background(), nil)
	require.ErrorContains(t, err, "empty audio payload")
}
