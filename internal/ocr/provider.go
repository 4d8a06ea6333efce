// Package ocr wraps the external vision model that reads receipt images.
package ocr

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/receipt-ledger/internal/domain"
)

// Provider performs a single vision call: image bytes plus instruction in,
// raw model text out. Implementations must not retry.
type Provider interface {
	Name() string
	Extract(ctx context.Context, data []byte, mimeType, prompt string) (string, error)
}

// ProviderError wraps any failure of the external call, including timeouts,
// cancellation and empty responses.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("ocr provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Is(target error) bool {
	return target == domain.ErrProviderFailure
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ErrEmptyResponse is returned when the provider answers with no text.
var ErrEmptyResponse = errors.New("empty response from model")

// ErrDisabled is returned by the disabled provider.
var ErrDisabled = errors.New("no ocr provider configured")

// DisabledProvider fails every call, so ingestion always yields a fallback
// record. Used when ocr.provider is "none".
type DisabledProvider struct{}

func (DisabledProvider) Name() string { return "none" }

func (DisabledProvider) Extract(context.Context, []byte, string, string) (string, error) {
	return "", ErrDisabled
}
