package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/manthysbr/variantforge/internal/core/domain"
	"github.com/manthysbr/variantforge/internal/core/ports"
	"golang.org/x/sync/errgroup"
)

var ErrBatcherStopped = errors.New("export batcher is not running")

type batch struct {
	frameName string
	docs      []domain.FrameDocument
}

// Batcher rasterizes export batches in the background. For every batch it
// publishes export.complete once all frames are rendered, then archives the
// files and publishes upload.confirmed.
type Batcher struct {
	logger    *slog.Logger
	bus       ports.MessageBus
	workspace ports.ExportWorkspace
	raster    ports.Rasterizer
	archive   ports.ArchiveStore
	workers   int

	queue chan batch
	done  chan struct{}
}

func NewBatcher(logger *slog.Logger, bus ports.MessageBus, workspace ports.ExportWorkspace, raster ports.Rasterizer, archive ports.ArchiveStore, workers int) *Batcher {
	if workers < 1 {
		workers = 1
	}
	return &Batcher{
		logger:    logger,
		bus:       bus,
		workspace: workspace,
		raster:    raster,
		archive:   archive,
		workers:   workers,
		queue:     make(chan batch, 64),
		done:      make(chan struct{}),
	}
}

// Run processes batches until ctx is done. Batches still queued at that point
// are dropped; their waiters time out.
func (b *Batcher) Run(ctx context.Context) error {
	defer close(b.done)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < b.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case bt := <-b.queue:
					b.process(gctx, bt)
				}
			}
		})
	}
	b.logger.Info("export batcher started", "workers", b.workers)
	return g.Wait()
}

// Export implements scene.Exporter. It only enqueues.
func (b *Batcher) Export(ctx context.Context, frameName string, docs []domain.FrameDocument) error {
	select {
	case <-b.done:
		return ErrBatcherStopped
	default:
	}

	select {
	case b.queue <- batch{frameName: frameName, docs: docs}:
		return nil
	case <-b.done:
		return ErrBatcherStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Batcher) process(ctx context.Context, bt batch) {
	logger := b.logger.With("frame", bt.frameName, "frames", len(bt.docs))

	files, err := b.rasterize(ctx, bt)
	if err != nil {
		logger.Error("export failed", "error", err)
		b.signal(domain.MessageExportComplete, bt.frameName, nil, err)
		return
	}
	logger.Info("export complete", "artifacts", len(files))
	b.signal(domain.MessageExportComplete, bt.frameName, domain.ExportResult{Artifacts: files}, nil)

	location, err := b.archive.Upload(ctx, bt.frameName, files)
	if err != nil {
		logger.Error("archive upload failed", "error", err)
		b.signal(domain.MessageUploadConfirmed, bt.frameName, nil, err)
		return
	}
	b.signal(domain.MessageUploadConfirmed, bt.frameName, domain.UploadResult{Location: location}, nil)

	if err := b.workspace.CleanupExport(bt.frameName); err != nil {
		logger.Warn("failed to clean export dir", "error", err)
	}
}

func (b *Batcher) rasterize(ctx context.Context, bt batch) ([]string, error) {
	dir, err := b.workspace.PrepareExport(bt.frameName)
	if err != nil {
		return nil, err
	}

	files := make([]string, 0, len(bt.docs))
	for _, doc := range bt.docs {
		path, err := b.raster.Rasterize(ctx, doc, dir)
		if err != nil {
			return nil, fmt.Errorf("rasterize %s: %w", doc.Frame.ID, err)
		}
		files = append(files, path)
	}
	return files, nil
}

func (b *Batcher) signal(kind domain.MessageKind, frameName string, payload any, failure error) {
	msg, err := domain.NewMessage(kind, payload)
	if err != nil {
		failure = err
	}
	if failure != nil {
		msg = domain.Message{Kind: kind, Error: failure.Error()}
	}
	msg.FrameName = frameName

	if err := b.bus.Send(msg); err != nil {
		b.logger.Warn("failed to publish export signal", "kind", kind, "frame", frameName, "error", err)
	}
}
