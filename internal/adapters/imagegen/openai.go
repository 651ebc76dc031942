package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIProvider calls an OpenAI-compatible POST {baseURL}/images/generations.
// Hosted URLs are returned as is; inline base64 results come back as data URIs.
type OpenAIProvider struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
	size    string
}

func NewOpenAIProvider(baseURL, apiKey, model string) *OpenAIProvider {
	if model == "" {
		model = "gpt-image-1"
	}
	return &OpenAIProvider{
		client:  &http.Client{Timeout: 120 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		size:    "1024x1024",
	}
}

type imagesRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Size   string `json:"size"`
	N      int    `json:"n"`
}

type imagesResponse struct {
	Data []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

func (p *OpenAIProvider) GenerateImage(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(imagesRequest{Model: p.model, Prompt: prompt, Size: p.size, N: 1})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call image API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("image API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result imagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode image API response: %w", err)
	}
	if len(result.Data) == 0 {
		return "", errors.New("image API returned no images")
	}

	img := result.Data[0]
	switch {
	case strings.TrimSpace(img.URL) != "":
		return img.URL, nil
	case img.B64JSON != "":
		return "data:image/png;base64," + img.B64JSON, nil
	default:
		return "", errors.New("image API returned an empty image")
	}
}
