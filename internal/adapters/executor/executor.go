package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/manthysbr/variantforge/internal/core/domain"
	"github.com/manthysbr/variantforge/internal/core/ports"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var errNoProvider = errors.New("no inference provider configured")

// Executor answers stage.request messages for the renaming and
// variant generation stages using the configured inference providers.
type Executor struct {
	logger *slog.Logger
	bus    ports.MessageBus
	sem    *semaphore.Weighted

	mu     sync.RWMutex
	text   domain.LLMProvider
	images domain.ImageProvider

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// New creates an executor. maxInference bounds concurrent provider calls.
func New(logger *slog.Logger, bus ports.MessageBus, text domain.LLMProvider, images domain.ImageProvider, maxInference int64) *Executor {
	if maxInference < 1 {
		maxInference = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		logger: logger,
		bus:    bus,
		sem:    semaphore.NewWeighted(maxInference),
		text:   text,
		images: images,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes the executor to the bus.
func (e *Executor) Start() {
	e.unsubscribe = e.bus.OnMessage(e.handle)
	e.logger.Info("stage executor started")
}

// Stop unsubscribes, aborts in-flight inference and waits for it to return.
func (e *Executor) Stop() {
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	e.cancel()
	e.wg.Wait()
}

// SetProviders swaps the inference backends; requests already running keep
// the providers they started with.
func (e *Executor) SetProviders(text domain.LLMProvider, images domain.ImageProvider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.text = text
	e.images = images
	e.logger.Info("inference providers updated")
}

func (e *Executor) providers() (domain.LLMProvider, domain.ImageProvider) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.text, e.images
}

// handle runs on the bus dispatch goroutine, so the actual work is moved off it.
func (e *Executor) handle(m domain.Message) {
	if m.Kind != domain.MessageStageRequest {
		return
	}
	if e.ctx.Err() != nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.serve(m)
	}()
}

func (e *Executor) serve(m domain.Message) {
	logger := e.logger.With("job_id", m.JobID, "stage", m.Stage, "frame", m.FrameName)

	var (
		payload any
		err     error
	)
	switch m.Stage {
	case domain.StageRenaming:
		var req domain.RenameRequest
		if err = m.Decode(&req); err == nil {
			payload, err = e.rename(e.ctx, req)
		}
	case domain.StageGeneratingVariants:
		var req domain.VariantRequest
		if err = m.Decode(&req); err == nil {
			payload, err = e.variants(e.ctx, req)
		}
	default:
		err = fmt.Errorf("unsupported stage %q", m.Stage)
	}

	resp := domain.Message{Kind: domain.MessageStageResponse}
	if err == nil {
		resp, err = domain.NewMessage(domain.MessageStageResponse, payload)
	}
	if err != nil {
		logger.Warn("stage request failed", "error", err)
		resp = domain.Message{Kind: domain.MessageStageResponse, Error: err.Error()}
	}
	resp.JobID = m.JobID
	resp.Stage = m.Stage
	resp.FrameName = m.FrameName

	if err := e.bus.Send(resp); err != nil {
		logger.Warn("failed to send stage response", "error", err)
	}
}

func (e *Executor) generateText(ctx context.Context, prompt string) (string, error) {
	text, _ := e.providers()
	if text == nil {
		return "", errNoProvider
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer e.sem.Release(1)
	return text.GenerateText(ctx, prompt)
}

func (e *Executor) generateImage(ctx context.Context, prompt string) (string, error) {
	_, images := e.providers()
	if images == nil {
		return "", errNoProvider
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer e.sem.Release(1)
	return images.GenerateImage(ctx, prompt)
}

// rename asks the model for element names. Elements the model skips, or a
// reply that cannot be parsed at all, get deterministic fallback names.
func (e *Executor) rename(ctx context.Context, req domain.RenameRequest) (domain.RenameResponse, error) {
	reply, err := e.generateText(ctx, renamePrompt(req))
	if err != nil {
		return domain.RenameResponse{}, fmt.Errorf("rename %s: %w", req.FrameName, err)
	}

	var parsed renameReply
	if err := decodeReply(reply, &parsed); err != nil {
		e.logger.Warn("unusable rename reply, using fallback names", "frame", req.FrameName, "error", err)
	}

	names := make(map[string]string, len(req.Elements))
	for i, el := range req.Elements {
		name := slugify(parsed.Names[el.ID])
		if name == "" {
			name = fallbackName(el, i)
		}
		names[el.ID] = name
	}
	return domain.RenameResponse{Names: names}, nil
}

func (e *Executor) variants(ctx context.Context, req domain.VariantRequest) (domain.VariantResponse, error) {
	if req.Count < 1 {
		return domain.VariantResponse{}, fmt.Errorf("variant count must be positive, got %d", req.Count)
	}

	reply, err := e.generateText(ctx, variantsPrompt(req))
	if err != nil {
		return domain.VariantResponse{}, fmt.Errorf("variants for %s: %w", req.FrameName, err)
	}

	var parsed variantReply
	if err := decodeReply(reply, &parsed); err != nil {
		return domain.VariantResponse{}, err
	}
	if len(parsed.Variants) == 0 {
		return domain.VariantResponse{}, fmt.Errorf("model returned no variants for %s", req.FrameName)
	}
	if len(parsed.Variants) > req.Count {
		parsed.Variants = parsed.Variants[:req.Count]
	}

	known := make(map[string]bool, len(req.Elements))
	for _, el := range req.Elements {
		known[el.ID] = true
	}

	out := make([]domain.VariantInstructions, len(parsed.Variants))
	imagePrompts := make([]string, len(parsed.Variants))
	for i, v := range parsed.Variants {
		label := strings.TrimSpace(v.Label)
		if label == "" {
			label = fmt.Sprintf("variant-%d", i+1)
		}
		edits := make([]domain.Edit, 0, len(v.Edits))
		for _, ed := range v.Edits {
			if known[ed.ElementID] && ed.Property != "" {
				edits = append(edits, ed)
			}
		}
		out[i] = domain.VariantInstructions{Label: label, Edits: edits}
		imagePrompts[i] = strings.TrimSpace(v.ImagePrompt)
		if imagePrompts[i] == "" {
			imagePrompts[i] = fmt.Sprintf("%s, %s", req.FrameName, label)
		}
	}

	if req.SynthesizeImagery {
		g, gctx := errgroup.WithContext(ctx)
		for i := range out {
			g.Go(func() error {
				ref, err := e.generateImage(gctx, imagePrompts[i])
				if err != nil {
					return fmt.Errorf("image for variant %q: %w", out[i].Label, err)
				}
				out[i].ImageRef = ref
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return domain.VariantResponse{}, err
		}
	}

	return domain.VariantResponse{Variants: out}, nil
}
