package domain

import (
	"context"
)

// ImageProvider generates an image from a prompt and returns a reference
// (URL or local path) to the result.
type ImageProvider interface {
	GenerateImage(ctx context.Context, prompt string) (string, error)
}

// LLMProvider defines the interface for text inference services
type LLMProvider interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}
