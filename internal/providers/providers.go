package providers

import (
	"context"
)

// Image is an inline image sent alongside a prompt
type Image struct {
	MIMEType string
	Data     []byte
}

// Config represents the configuration for an LLM provider
type Config struct {
	Model       string
	Temperature float64
	Prompt      string
	Images      []Image
	MaxTokens   int
}

// Provider defines the interface for an LLM provider
type Provider interface {
	ExtractText(ctx context.Context, config Config) (string, error)
}
