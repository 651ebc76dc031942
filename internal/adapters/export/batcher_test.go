package export

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/manthysbr/variantforge/internal/core/domain"
	"github.com/manthysbr/variantforge/internal/core/ports"
	"github.com/manthysbr/variantforge/internal/core/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingRasterizer struct{}

func (failingRasterizer) Rasterize(ctx context.Context, doc domain.FrameDocument, dir string) (string, error) {
	return "", errors.New("renderer crashed")
}

type batcherFixture struct {
	batcher   *Batcher
	requestor *services.StageRequestor
	archive   string
	workspace *services.WorkspaceManager
}

func startBatcher(t *testing.T, raster ports.Rasterizer) batcherFixture {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	ch := services.NewChannel(logger)
	t.Cleanup(ch.Close)

	root := t.TempDir()
	ws := services.NewWorkspaceManager(filepath.Join(root, "work"))
	archive := filepath.Join(root, "archive")
	b := NewBatcher(logger, ch, ws, raster, NewArchiver(archive), 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return batcherFixture{batcher: b, requestor: services.NewStageRequestor(ch), archive: archive, workspace: ws}
}

var heroDocs = []domain.FrameDocument{
	{Frame: domain.Frame{ID: "hero", Name: "1_hero"}},
	{Frame: domain.Frame{ID: "hero~v1", Name: "1_hero_v1"}, VariantOf: "hero", Label: "dark"},
}

func TestBatcher_ExportAndArchive(t *testing.T) {
	f := startBatcher(t, ManifestRasterizer{})

	exported, err := f.requestor.Expect(domain.MessageExportComplete, "1_hero", 2*time.Second)
	require.NoError(t, err)
	uploaded, err := f.requestor.Expect(domain.MessageUploadConfirmed, "1_hero", 2*time.Second)
	require.NoError(t, err)

	require.NoError(t, f.batcher.Export(context.Background(), "1_hero", heroDocs))

	msg, err := exported.Await(context.Background())
	require.NoError(t, err)
	var result domain.ExportResult
	require.NoError(t, msg.Decode(&result))
	assert.Len(t, result.Artifacts, 2)
	assert.Equal(t, "1_hero_v1.render.json", filepath.Base(result.Artifacts[1]))

	msg, err = uploaded.Await(context.Background())
	require.NoError(t, err)
	var upload domain.UploadResult
	require.NoError(t, msg.Decode(&upload))
	assert.Equal(t, filepath.Join(f.archive, "1_hero"), filepath.Dir(upload.Location))

	archived, err := os.ReadDir(upload.Location)
	require.NoError(t, err)
	assert.Len(t, archived, 2)

	assert.Eventually(t, func() bool {
		_, err := os.Stat(f.workspace.ExportPath("1_hero"))
		return os.IsNotExist(err)
	}, time.Second, 10*time.Millisecond)
}

func TestBatcher_RasterizeFailure(t *testing.T) {
	f := startBatcher(t, failingRasterizer{})

	exported, err := f.requestor.Expect(domain.MessageExportComplete, "1_hero", 2*time.Second)
	require.NoError(t, err)
	uploaded, err := f.requestor.Expect(domain.MessageUploadConfirmed, "1_hero", 100*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, f.batcher.Export(context.Background(), "1_hero", heroDocs))

	_, err = exported.Await(context.Background())
	var stageErr *domain.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Contains(t, stageErr.Message, "renderer crashed")

	// no upload signal follows a failed export
	_, err = uploaded.Await(context.Background())
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestBatcher_StoppedRejectsExport(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	ch := services.NewChannel(logger)
	defer ch.Close()
	b := NewBatcher(logger, ch, services.NewWorkspaceManager(t.TempDir()), ManifestRasterizer{}, NewArchiver(t.TempDir()), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, b.Run(ctx))

	assert.ErrorIs(t, b.Export(context.Background(), "1_hero", heroDocs), ErrBatcherStopped)
}

func TestArchiver_SeparateUploads(t *testing.T) {
	src := t.TempDir()
	file := filepath.Join(src, "a.render.json")
	require.NoError(t, os.WriteFile(file, []byte("{}"), 0o644))

	a := NewArchiver(t.TempDir())
	tick := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	first, err := a.Upload(context.Background(), "../1_hero", []string{file})
	require.NoError(t, err)
	second, err := a.Upload(context.Background(), "../1_hero", []string{file})
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, "__1_hero", filepath.Base(filepath.Dir(first)))
	assert.FileExists(t, filepath.Join(second, "a.render.json"))
}
