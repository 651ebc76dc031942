package ports

import (
	"context"

	"github.com/manthysbr/variantforge/internal/core/domain"
)

// Scene abstracts the document that holds frames and their elements.
// Mutations are side-effecting calls made by the orchestrator between stages.
type Scene interface {
	// DescribeFrame returns the frame's current elements.
	DescribeFrame(ctx context.Context, id domain.FrameID) (domain.FrameDocument, error)

	// RenderReference produces a reference image of the frame for variant generation.
	RenderReference(ctx context.Context, id domain.FrameID) (string, error)

	// ApplyNames renames elements by id. Unknown ids are ignored.
	ApplyNames(ctx context.Context, id domain.FrameID, names map[string]string) error

	// MaterializeVariants creates one sibling frame per instruction set and
	// returns the created frames.
	MaterializeVariants(ctx context.Context, id domain.FrameID, variants []domain.VariantInstructions) ([]domain.Frame, error)

	// Siblings returns the original frame followed by every materialized variant.
	Siblings(ctx context.Context, id domain.FrameID) ([]domain.Frame, error)

	// Export triggers rasterization of frames as one batch keyed by frameName.
	// Completion is signalled asynchronously on the channel.
	Export(ctx context.Context, frameName string, frames []domain.Frame) error
}

// MessageBus is the ordered channel stage executors and export signals travel on.
type MessageBus interface {
	Send(msg domain.Message) error
	OnMessage(h func(domain.Message)) func()
}

// Rasterizer turns a frame document into an output file inside dir.
type Rasterizer interface {
	Rasterize(ctx context.Context, doc domain.FrameDocument, dir string) (string, error)
}

// ExportWorkspace hands out scratch directories for export batches.
type ExportWorkspace interface {
	PrepareExport(frameName string) (string, error)
	CleanupExport(frameName string) error
}

// ArchiveStore receives finished export batches.
type ArchiveStore interface {
	Upload(ctx context.Context, frameName string, files []string) (string, error)
}

// RunRepository persists run and job history.
type RunRepository interface {
	SaveRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, id domain.RunID) (domain.Run, error)
	ListRuns(ctx context.Context) ([]domain.Run, error)

	SaveJob(ctx context.Context, job domain.Job) error
	ListRunJobs(ctx context.Context, id domain.RunID) ([]domain.Job, error)
}

// SettingsRepository is the key/value store behind the settings document.
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error
}
