package ocr

import (
	"context"
	"fmt"
	"strings"

	"github.com/dvloznov/receipt-ledger/internal/config"
)

// NewProvider builds the provider selected by cfg.OCR.Provider.
func NewProvider(ctx context.Context, cfg *config.Config) (Provider, error) {
	switch cfg.OCR.Provider {
	case "gemini":
		return NewGeminiProvider(ctx, cfg.OCR.GeminiAPIKey, cfg.OCR.Model)
	case "openai":
		model := cfg.OCR.Model
		if strings.HasPrefix(model, "gemini") {
			model = ""
		}
		return NewOpenAIProvider(cfg.OCR.OpenAIAPIKey, cfg.OCR.OpenAIBaseURL, model), nil
	case "none", "":
		return DisabledProvider{}, nil
	default:
		return nil, fmt.Errorf("NewProvider: unknown provider %q", cfg.OCR.Provider)
	}
}

// NewClientFromConfig builds the provider and wraps it with the configured
// timeout and concurrency limit.
func NewClientFromConfig(ctx context.Context, cfg *config.Config) (*Client, error) {
	provider, err := NewProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewClient(provider,
		WithTimeout(cfg.OCRTimeout()),
		WithMaxConcurrent(cfg.OCR.MaxConcurrent),
	), nil
}
