package ocr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dvloznov/receipt-ledger/internal/imagenorm"
	"github.com/dvloznov/receipt-ledger/internal/logger"
)

// Client bounds concurrent provider calls and applies a per-call timeout.
type Client struct {
	provider Provider
	timeout  time.Duration
	sem      *semaphore.Weighted
	prompt   string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout overrides the per-call timeout (default 60s).
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxConcurrent limits in-flight provider calls (default 3).
func WithMaxConcurrent(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithPrompt replaces the extraction instruction.
func WithPrompt(prompt string) ClientOption {
	return func(c *Client) {
		if strings.TrimSpace(prompt) != "" {
			c.prompt = prompt
		}
	}
}

// NewClient wraps provider.
func NewClient(provider Provider, opts ...ClientOption) *Client {
	c := &Client{
		provider: provider,
		timeout:  60 * time.Second,
		sem:      semaphore.NewWeighted(3),
		prompt:   ExtractionPrompt,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Provider returns the wrapped provider's name.
func (c *Client) Provider() string {
	return c.provider.Name()
}

// Extract sends the image to the provider exactly once and returns the raw
// response text. Every failure is a *ProviderError.
func (c *Client) Extract(ctx context.Context, img *imagenorm.Image) (string, error) {
	log := logger.FromContext(ctx)
	name := c.provider.Name()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", &ProviderError{Provider: name, Err: fmt.Errorf("waiting for slot: %w", err)}
	}
	defer c.sem.Release(1)

	start := time.Now()
	text, err := c.provider.Extract(ctx, img.Data, img.MIMEType, c.prompt)
	elapsed := time.Since(start)
	if err != nil {
		log.Warn().Err(err).Str("provider", name).Dur("elapsed", elapsed).Msg("OCR provider call failed")
		return "", &ProviderError{Provider: name, Err: err}
	}
	if strings.TrimSpace(text) == "" {
		log.Warn().Str("provider", name).Dur("elapsed", elapsed).Msg("OCR provider returned empty text")
		return "", &ProviderError{Provider: name, Err: ErrEmptyResponse}
	}

	log.Debug().Str("provider", name).Dur("elapsed", elapsed).Int("chars", len(text)).Msg("OCR provider call succeeded")
	return text, nil
}
