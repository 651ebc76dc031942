package providers

import (
	"fmt"
	"os"
	"strings"

	"github.com/manthysbr/variantforge/internal/adapters/imagegen"
	"github.com/manthysbr/variantforge/internal/adapters/llm"
	"github.com/manthysbr/variantforge/internal/core/domain"
)

// Build creates the text and image providers described by cfg.
// It hides local/remote provider selection from callers.
func Build(cfg domain.AppConfig) (domain.LLMProvider, domain.ImageProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	llmProvider, err := buildLLMProvider(cfg.LLM)
	if err != nil {
		return nil, nil, err
	}

	imageProvider, err := buildImageProvider(cfg.Image)
	if err != nil {
		return nil, nil, err
	}

	return llmProvider, imageProvider, nil
}

func buildLLMProvider(s domain.ProviderSettings) (domain.LLMProvider, error) {
	switch s.Mode {
	case domain.ProviderModeLocal:
		baseURL := strings.TrimSpace(os.Getenv("OLLAMA_HOST"))
		if baseURL == "" {
			baseURL = strings.TrimSpace(s.LocalURL)
		}
		return llm.NewOllamaProvider(baseURL, strings.TrimSpace(s.Model)), nil
	case domain.ProviderModeRemote:
		return llm.NewOpenAIProvider(
			strings.TrimSpace(s.RemoteURL),
			strings.TrimSpace(s.APIKey),
			strings.TrimSpace(s.Model),
		), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider mode: %s", s.Mode)
	}
}

func buildImageProvider(s domain.ProviderSettings) (domain.ImageProvider, error) {
	switch s.Mode {
	case domain.ProviderModeLocal:
		host := strings.TrimSpace(os.Getenv("COMFYUI_HOST"))
		if host == "" {
			host = strings.TrimSpace(s.LocalURL)
		}
		return imagegen.NewComfyUIProvider(host, strings.TrimSpace(s.Model)), nil
	case domain.ProviderModeRemote:
		return imagegen.NewOpenAIProvider(
			strings.TrimSpace(s.RemoteURL),
			strings.TrimSpace(s.APIKey),
			strings.TrimSpace(s.Model),
		), nil
	default:
		return nil, fmt.Errorf("unsupported image provider mode: %s", s.Mode)
	}
}
