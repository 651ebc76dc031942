package domain

import (
	"errors"
	"fmt"
)

type ProviderMode string

const (
	ProviderModeLocal  ProviderMode = "local"
	ProviderModeRemote ProviderMode = "remote"
)

// ProviderSettings points the executor at one inference backend.
type ProviderSettings struct {
	Mode      ProviderMode `json:"mode"`
	LocalURL  string       `json:"local_url"`  // Ollama or ComfyUI
	RemoteURL string       `json:"remote_url"` // OpenAI-compatible API
	APIKey    string       `json:"api_key"`    // Encrypted in storage
	Model     string       `json:"model"`
}

// Endpoint returns the URL matching the selected mode.
func (p ProviderSettings) Endpoint() string {
	if p.Mode == ProviderModeRemote {
		return p.RemoteURL
	}
	return p.LocalURL
}

func (p ProviderSettings) validate(name string) error {
	switch p.Mode {
	case ProviderModeLocal:
		if p.LocalURL == "" {
			return fmt.Errorf("%s local_url is required when mode=local", name)
		}
	case ProviderModeRemote:
		if p.RemoteURL == "" {
			return fmt.Errorf("%s remote_url is required when mode=remote", name)
		}
	default:
		return fmt.Errorf("%s mode must be %q or %q", name, ProviderModeLocal, ProviderModeRemote)
	}
	return nil
}

// AppConfig is the runtime-editable settings document.
type AppConfig struct {
	LLM   ProviderSettings `json:"llm"`
	Image ProviderSettings `json:"image"`
}

var ErrInvalidSettings = errors.New("invalid settings")

// Validate checks both provider sections. Remote text inference needs a key;
// remote image endpoints may be unauthenticated.
func (c *AppConfig) Validate() error {
	if err := c.LLM.validate("llm"); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	if c.LLM.Mode == ProviderModeRemote && c.LLM.APIKey == "" {
		return fmt.Errorf("%w: llm api_key is required when mode=remote", ErrInvalidSettings)
	}
	if err := c.Image.validate("image"); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	return nil
}

// DefaultConfig points both providers at local services.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		LLM: ProviderSettings{
			Mode:     ProviderModeLocal,
			LocalURL: "http://localhost:11434",
			Model:    "qwen2.5:latest",
		},
		Image: ProviderSettings{
			Mode:     ProviderModeLocal,
			LocalURL: "http://localhost:8188",
			Model:    "sd-1.5",
		},
	}
}
