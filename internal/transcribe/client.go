// Package transcribe wraps the external speech-to-text API used for audio
// challenges.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/solvekit/captcha-relay/internal/captcha"
)

// Config controls the transcription client.
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	// MaxRetries is how many times a failed request is retried before the
	// provider is declared down.
	MaxRetries int
}

// Client implements captcha.Transcriber against an HTTP speech-to-text
// endpoint that accepts raw audio and answers {"text": "..."}.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// NewClient builds a transcription client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Transcribe submits the audio payload and returns the recognized text.
// Transient failures are retried with a short backoff; once the retry budget
// is spent the error wraps captcha.ErrProviderFailure so callers can mark
// the job accordingly.
func (c *Client) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if c.cfg.Endpoint == "" {
		return "", fmt.Errorf("no transcription endpoint configured: %w", captcha.ErrProviderFailure)
	}
	if len(audio) == 0 {
		return "", fmt.Errorf("empty audio payload")
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("transcription canceled: %w", ctx.Err())
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		text, err := c.transcribeOnce(ctx, audio)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", fmt.Errorf("transcription canceled: %w", ctx.Err())
		}
		c.logger.Warn("transcription attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return "", fmt.Errorf("transcription failed after %d attempts: %w: %w",
		c.cfg.MaxRetries+1, captcha.ErrProviderFailure, lastErr)
}

func (c *Client) transcribeOnce(ctx context.Context, audio []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(audio))
	if err != nil {
		return "", fmt.Errorf("build transcription request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/mpeg")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read transcription response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcription status %d", resp.StatusCode)
	}

	var payload struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("parse transcription response: %w", err)
	}
	text := strings.TrimSpace(payload.Text)
	if text == "" {
		return "", fmt.Errorf("transcription returned no text")
	}
	return text, nil
}
