package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	comfyOutputNode   = "9"
	defaultCheckpoint = "v1-5-pruned-emaonly.safetensors"
)

// ComfyUIProvider queues a text-to-image workflow on a running ComfyUI and
// polls its history until the output image shows up.
type ComfyUIProvider struct {
	client       *http.Client
	host         string
	checkpoint   string
	pollInterval time.Duration
}

func NewComfyUIProvider(host, checkpoint string) *ComfyUIProvider {
	if checkpoint == "" || !strings.HasSuffix(checkpoint, ".safetensors") {
		checkpoint = defaultCheckpoint
	}
	return &ComfyUIProvider{
		client:       &http.Client{Timeout: 30 * time.Second},
		host:         strings.TrimRight(host, "/"),
		checkpoint:   checkpoint,
		pollInterval: 2 * time.Second,
	}
}

// GenerateImage implements domain.ImageProvider. It returns the /view URL of
// the first output image.
func (p *ComfyUIProvider) GenerateImage(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(map[string]any{"prompt": p.workflow(prompt)})
	if err != nil {
		return "", fmt.Errorf("failed to marshal workflow: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call ComfyUI: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("ComfyUI returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var queued struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&queued); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if queued.PromptID == "" {
		return "", errors.New("no prompt_id returned")
	}

	return p.awaitOutput(ctx, queued.PromptID)
}

type historyEntry struct {
	Outputs map[string]struct {
		Images []struct {
			Filename  string `json:"filename"`
			Subfolder string `json:"subfolder"`
			Type      string `json:"type"`
		} `json:"images"`
	} `json:"outputs"`
}

// awaitOutput polls /history until the prompt has an image; the caller's
// context bounds the wait.
func (p *ComfyUIProvider) awaitOutput(ctx context.Context, promptID string) (string, error) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		if image, ok := p.checkHistory(ctx, promptID); ok {
			return image, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for ComfyUI prompt %s: %w", promptID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (p *ComfyUIProvider) checkHistory(ctx context.Context, promptID string) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.host+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return "", false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()

	var history map[string]historyEntry
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return "", false
	}
	out, ok := history[promptID].Outputs[comfyOutputNode]
	if !ok || len(out.Images) == 0 || out.Images[0].Filename == "" {
		return "", false
	}

	img := out.Images[0]
	q := url.Values{"filename": {img.Filename}, "type": {"output"}}
	if img.Subfolder != "" {
		q.Set("subfolder", img.Subfolder)
	}
	return p.host + "/view?" + q.Encode(), true
}

// workflow is a plain SD 1.5 text-to-image graph; node 9 saves the image.
func (p *ComfyUIProvider) workflow(prompt string) map[string]any {
	node := func(class string, inputs map[string]any) map[string]any {
		return map[string]any{"class_type": class, "inputs": inputs}
	}
	return map[string]any{
		"3": node("KSampler", map[string]any{
			"seed": 42, "steps": 20, "cfg": 7.0, "sampler_name": "euler", "scheduler": "normal", "denoise": 1.0,
			"model": []any{"4", 0}, "positive": []any{"6", 0}, "negative": []any{"7", 0}, "latent_image": []any{"5", 0},
		}),
		"4": node("CheckpointLoaderSimple", map[string]any{"ckpt_name": p.checkpoint}),
		"5": node("EmptyLatentImage", map[string]any{"width": 512, "height": 512, "batch_size": 1}),
		"6": node("CLIPTextEncode", map[string]any{"text": prompt, "clip": []any{"4", 1}}),
		"7": node("CLIPTextEncode", map[string]any{"text": "bad quality, blurry, text artifacts", "clip": []any{"4", 1}}),
		"8": node("VAEDecode", map[string]any{"samples": []any{"3", 0}, "vae": []any{"4", 2}}),
		comfyOutputNode: node("SaveImage", map[string]any{"filename_prefix": "variantforge", "images": []any{"8", 0}}),
	}
}
