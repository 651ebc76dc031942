package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/manthysbr/variantforge/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockScene struct {
	mock.Mock
}

func (m *MockScene) DescribeFrame(ctx context.Context, id domain.FrameID) (domain.FrameDocument, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.FrameDocument), args.Error(1)
}

func (m *MockScene) RenderReference(ctx context.Context, id domain.FrameID) (string, error) {
	args := m.Called(ctx, id)
	return args.String(0), args.Error(1)
}

func (m *MockScene) ApplyNames(ctx context.Context, id domain.FrameID, names map[string]string) error {
	args := m.Called(ctx, id, names)
	return args.Error(0)
}

func (m *MockScene) MaterializeVariants(ctx context.Context, id domain.FrameID, variants []domain.VariantInstructions) ([]domain.Frame, error) {
	args := m.Called(ctx, id, variants)
	return args.Get(0).([]domain.Frame), args.Error(1)
}

func (m *MockScene) Siblings(ctx context.Context, id domain.FrameID) ([]domain.Frame, error) {
	args := m.Called(ctx, id)
	return args.Get(0).([]domain.Frame), args.Error(1)
}

func (m *MockScene) Export(ctx context.Context, frameName string, frames []domain.Frame) error {
	args := m.Called(ctx, frameName, frames)
	return args.Error(0)
}

// sceneSignals controls what the mocked export pipeline reports back.
type sceneSignals struct {
	export bool
	upload bool
}

func newMockScene(ch *Channel, signals sceneSignals) *MockScene {
	scene := new(MockScene)
	scene.On("DescribeFrame", mock.Anything, mock.Anything).Return(domain.FrameDocument{
		Elements: []domain.Element{{ID: "e1", Name: "Rectangle 1", Kind: "shape"}, {ID: "e2", Name: "Text", Kind: "text"}},
	}, nil)
	scene.On("RenderReference", mock.Anything, mock.Anything).Return("ref.png", nil)
	scene.On("ApplyNames", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	scene.On("MaterializeVariants", mock.Anything, mock.Anything, mock.Anything).Return([]domain.Frame{
		{ID: "v1"}, {ID: "v2"}, {ID: "v3"},
	}, nil)
	scene.On("Siblings", mock.Anything, mock.Anything).Return([]domain.Frame{
		{ID: "orig"}, {ID: "v1"}, {ID: "v2"}, {ID: "v3"},
	}, nil)
	scene.On("Export", mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		name := args.String(1)
		frames := args.Get(2).([]domain.Frame)
		if signals.export {
			artifacts := make([]string, len(frames))
			for i, f := range frames {
				artifacts[i] = string(f.ID) + ".png"
			}
			msg, _ := domain.NewMessage(domain.MessageExportComplete, domain.ExportResult{Artifacts: artifacts})
			msg.FrameName = name
			_ = ch.Send(msg)
		}
		if signals.upload {
			msg, _ := domain.NewMessage(domain.MessageUploadConfirmed, domain.UploadResult{Location: "archive/" + name})
			msg.FrameName = name
			_ = ch.Send(msg)
		}
	}).Return(nil)
	return scene
}

// fakeExecutor answers stage requests on the channel and records their order.
type fakeExecutor struct {
	mu       sync.Mutex
	requests map[domain.JobID][]domain.Stage
	// failVariants names frames whose variant generation reports an error
	failVariants map[string]bool
	// silent names frames that never get an answer
	silent map[string]bool
	// delay answers asynchronously after this long
	delay time.Duration

	inFlight atomic.Int32
	peak     atomic.Int32
}

// track counts an outstanding request and records the peak.
func (fe *fakeExecutor) track() {
	current := fe.inFlight.Add(1)
	for {
		peak := fe.peak.Load()
		if current <= peak || fe.peak.CompareAndSwap(peak, current) {
			return
		}
	}
}

func startFakeExecutor(t *testing.T, ch *Channel, fe *fakeExecutor) *fakeExecutor {
	t.Helper()
	fe.requests = map[domain.JobID][]domain.Stage{}
	unsub := ch.OnMessage(func(m domain.Message) {
		if m.Kind != domain.MessageStageRequest {
			return
		}
		fe.mu.Lock()
		fe.requests[m.JobID] = append(fe.requests[m.JobID], m.Stage)
		fe.mu.Unlock()

		if fe.silent[m.FrameName] {
			return
		}

		var resp domain.Message
		switch m.Stage {
		case domain.StageRenaming:
			resp, _ = domain.NewMessage(domain.MessageStageResponse, domain.RenameResponse{
				Names: map[string]string{"e1": "background", "e2": "headline"},
			})
		case domain.StageGeneratingVariants:
			if fe.failVariants[m.FrameName] {
				resp = domain.Message{Kind: domain.MessageStageResponse, Error: "no variants for " + m.FrameName}
				break
			}
			var req domain.VariantRequest
			_ = m.Decode(&req)
			variants := make([]domain.VariantInstructions, req.Count)
			for i := range variants {
				variants[i] = domain.VariantInstructions{Label: fmt.Sprintf("v%d", i+1)}
			}
			resp, _ = domain.NewMessage(domain.MessageStageResponse, domain.VariantResponse{Variants: variants})
		}
		resp.JobID = m.JobID
		resp.Stage = m.Stage
		if fe.delay <= 0 {
			_ = ch.Send(resp)
			return
		}
		fe.track()
		go func() {
			time.Sleep(fe.delay)
			fe.inFlight.Add(-1)
			_ = ch.Send(resp)
		}()
	})
	t.Cleanup(unsub)
	return fe
}

func newTestOrchestrator(t *testing.T, ch *Channel, scene *MockScene, timeouts StageTimeouts) (*Orchestrator, *StageRequestor) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	requestor := NewStageRequestor(ch)
	orch := NewOrchestrator(logger, requestor, scene, nil, NewEventBus(logger), PipelineConfig{
		Workers:      2,
		VariantCount: 3,
		Timeouts:     timeouts,
	})
	return orch, requestor
}

func fastTimeouts() StageTimeouts {
	return StageTimeouts{
		Rename:   time.Second,
		Variants: time.Second,
		Export:   time.Second,
		Upload:   time.Second,
	}
}

func TestOrchestrator_AllJobsComplete(t *testing.T) {
	ch := newTestChannel(t)
	startFakeExecutor(t, ch, &fakeExecutor{})
	scene := newMockScene(ch, sceneSignals{export: true, upload: true})
	orch, requestor := newTestOrchestrator(t, ch, scene, fastTimeouts())

	summary, err := orch.Run(context.Background(), domain.RunRequest{Frames: framesNamed("2_b", "1_a", "cover")})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.JobsCompleted)
	assert.Equal(t, 0, summary.JobsFailed)
	assert.Equal(t, 9, summary.VariantsCreated)
	assert.Equal(t, 12, summary.ArtifactsExported)
	assert.Equal(t, 3, summary.UploadsConfirmed)
	assert.Empty(t, summary.Failures)
	assert.Equal(t, 0, requestor.Pending())

	scene.AssertCalled(t, "ApplyNames", mock.Anything, mock.Anything, map[string]string{"e1": "background", "e2": "headline"})
	scene.AssertNumberOfCalls(t, "Export", 3)
}

func TestOrchestrator_FailureIsolation(t *testing.T) {
	ch := newTestChannel(t)
	fe := startFakeExecutor(t, ch, &fakeExecutor{failVariants: map[string]bool{"3_c": true}})
	scene := newMockScene(ch, sceneSignals{export: true, upload: true})
	orch, _ := newTestOrchestrator(t, ch, scene, fastTimeouts())

	summary, err := orch.Run(context.Background(), domain.RunRequest{
		Frames: framesNamed("1_a", "2_b", "3_c", "4_d", "5_e"),
	})
	require.NoError(t, err)

	assert.Equal(t, 4, summary.JobsCompleted)
	assert.Equal(t, 1, summary.JobsFailed)
	assert.Equal(t, 0, summary.JobsSkipped)
	assert.Equal(t, 4, summary.UploadsConfirmed)

	require.Len(t, summary.Failures, 1)
	failure := summary.Failures[0]
	assert.Equal(t, "3_c", failure.FrameName)
	assert.Equal(t, domain.StageGeneratingVariants, failure.Stage)
	assert.Equal(t, domain.ErrorKindStage, failure.Kind)
	assert.Contains(t, failure.Reason, "no variants for 3_c")

	// every job asked for renaming before variants, and never skipped ahead
	fe.mu.Lock()
	defer fe.mu.Unlock()
	assert.Len(t, fe.requests, 5)
	for jobID, stages := range fe.requests {
		assert.Equal(t, []domain.Stage{domain.StageRenaming, domain.StageGeneratingVariants}, stages, "job %s", jobID)
	}
}

func TestOrchestrator_UploadTimeoutTolerated(t *testing.T) {
	ch := newTestChannel(t)
	startFakeExecutor(t, ch, &fakeExecutor{})
	scene := newMockScene(ch, sceneSignals{export: true, upload: false})
	timeouts := fastTimeouts()
	timeouts.Export = 100 * time.Millisecond
	timeouts.Upload = 50 * time.Millisecond
	orch, requestor := newTestOrchestrator(t, ch, scene, timeouts)

	summary, err := orch.Run(context.Background(), domain.RunRequest{Frames: framesNamed("1_a")})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.JobsCompleted)
	assert.Equal(t, 0, summary.JobsFailed)
	assert.Equal(t, 0, summary.UploadsConfirmed)
	assert.Equal(t, 4, summary.ArtifactsExported)
	assert.Equal(t, 0, requestor.Pending())
}

func TestOrchestrator_ExportTimeoutFailsJob(t *testing.T) {
	ch := newTestChannel(t)
	startFakeExecutor(t, ch, &fakeExecutor{})
	scene := newMockScene(ch, sceneSignals{})
	timeouts := fastTimeouts()
	timeouts.Export = 50 * time.Millisecond
	orch, requestor := newTestOrchestrator(t, ch, scene, timeouts)

	summary, err := orch.Run(context.Background(), domain.RunRequest{Frames: framesNamed("1_a")})
	require.NoError(t, err)

	require.Len(t, summary.Failures, 1)
	assert.Equal(t, domain.StageExporting, summary.Failures[0].Stage)
	assert.Equal(t, domain.ErrorKindTimeout, summary.Failures[0].Kind)
	assert.Equal(t, 3, summary.VariantsCreated, "variants made before the failure still count")

	// the upload wait armed with the export is torn down too
	assert.Equal(t, 0, requestor.Pending())
	assert.Equal(t, 1, ch.HandlerCount(), "only the executor stays subscribed")
}

func TestOrchestrator_CancelSkipsQueuedJobs(t *testing.T) {
	ch := newTestChannel(t)
	startFakeExecutor(t, ch, &fakeExecutor{silent: map[string]bool{"1_a": true}})
	scene := newMockScene(ch, sceneSignals{export: true, upload: true})
	orch, requestor := newTestOrchestrator(t, ch, scene, fastTimeouts())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	summary, err := orch.Run(ctx, domain.RunRequest{Frames: framesNamed("1_a", "2_b", "3_c"), Concurrency: 1})
	require.NoError(t, err)

	assert.Equal(t, 0, summary.JobsCompleted)
	assert.Equal(t, 1, summary.JobsFailed)
	assert.Equal(t, 2, summary.JobsSkipped)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, domain.ErrorKindCanceled, summary.Failures[0].Kind)
	assert.Equal(t, domain.StageRenaming, summary.Failures[0].Stage)
	assert.Equal(t, 0, requestor.Pending())
}

func TestOrchestrator_Validation(t *testing.T) {
	ch := newTestChannel(t)
	scene := newMockScene(ch, sceneSignals{})
	orch, _ := newTestOrchestrator(t, ch, scene, fastTimeouts())

	_, err := orch.Run(context.Background(), domain.RunRequest{})
	assert.ErrorIs(t, err, domain.ErrNoFrames)

	_, err = orch.Run(context.Background(), domain.RunRequest{Frames: framesNamed("a", "a")})
	assert.ErrorIs(t, err, domain.ErrDuplicateFrameName)

	scene.AssertNotCalled(t, "DescribeFrame", mock.Anything, mock.Anything)
}

func TestOrchestrator_FrameNamesClaimedAcrossRuns(t *testing.T) {
	ch := newTestChannel(t)
	scene := newMockScene(ch, sceneSignals{})
	orch, _ := newTestOrchestrator(t, ch, scene, fastTimeouts())

	first, err := orch.Plan("run-1", domain.RunRequest{Frames: framesNamed("1_a", "2_b")})
	require.NoError(t, err)

	_, err = orch.Plan("run-2", domain.RunRequest{Frames: framesNamed("2_b")})
	assert.ErrorIs(t, err, domain.ErrFrameNameInUse)

	orch.release(first.RunID, first.Request.Frames)

	_, err = orch.Plan("run-2", domain.RunRequest{Frames: framesNamed("2_b")})
	assert.NoError(t, err)
}

func TestOrchestrator_PublishesStageEvents(t *testing.T) {
	ch := newTestChannel(t)
	startFakeExecutor(t, ch, &fakeExecutor{})
	scene := newMockScene(ch, sceneSignals{export: true, upload: true})
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)
	orch := NewOrchestrator(logger, NewStageRequestor(ch), scene, nil, bus, PipelineConfig{Timeouts: fastTimeouts()})

	events, unsub := bus.SubscribeGlobal()
	defer unsub()

	_, err := orch.Run(context.Background(), domain.RunRequest{Frames: framesNamed("1_a")})
	require.NoError(t, err)

	var types []EventType
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Equal(t, []EventType{
		EventTypeRunStarted,
		EventTypeJobStage,
		EventTypeJobStage,
		EventTypeJobStage,
		EventTypeJobStage,
		EventTypeJobCompleted,
		EventTypeRunFinished,
	}, types)
}

func TestOrchestrator_UploadWaitBoundedFromExport(t *testing.T) {
	ch := newTestChannel(t)
	startFakeExecutor(t, ch, &fakeExecutor{})
	scene := newMockScene(ch, sceneSignals{export: true})
	timeouts := fastTimeouts()
	timeouts.Export = 2 * time.Second
	timeouts.Upload = 50 * time.Millisecond
	orch, requestor := newTestOrchestrator(t, ch, scene, timeouts)

	start := time.Now()
	summary, err := orch.Run(context.Background(), domain.RunRequest{Frames: framesNamed("1_a")})
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, time.Second, "upload wait must not inherit the export budget")
	assert.Equal(t, 1, summary.JobsCompleted)
	assert.Equal(t, 0, summary.UploadsConfirmed)
	assert.Equal(t, 0, requestor.Pending())
	assert.Equal(t, 1, ch.HandlerCount())
}

func TestOrchestrator_CancelledBeforeFirstStageIsSkipped(t *testing.T) {
	ch := newTestChannel(t)
	scene := newMockScene(ch, sceneSignals{})
	orch, _ := newTestOrchestrator(t, ch, scene, fastTimeouts())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := &domain.Job{ID: "job-1", RunID: "run-1", FrameID: "f-0", FrameName: "1_a", Stage: domain.StageQueued}
	orch.processJob(ctx, &jobRun{job: job})

	assert.Equal(t, domain.StageQueued, job.Stage)
	assert.Nil(t, job.Error)
	assert.Nil(t, job.StartedAt)

	summary := Aggregate([]domain.Job{*job})
	assert.Equal(t, 1, summary.JobsSkipped)
	assert.Equal(t, 0, summary.JobsFailed)
	scene.AssertNotCalled(t, "DescribeFrame", mock.Anything, mock.Anything)
}

func TestOrchestrator_ConcurrentStageRequestsBounded(t *testing.T) {
	ch := newTestChannel(t)
	fe := startFakeExecutor(t, ch, &fakeExecutor{delay: 20 * time.Millisecond})
	scene := newMockScene(ch, sceneSignals{export: true, upload: true})
	orch, _ := newTestOrchestrator(t, ch, scene, fastTimeouts())

	summary, err := orch.Run(context.Background(), domain.RunRequest{
		Frames:      framesNamed("1_a", "2_b", "3_c", "4_d", "5_e", "6_f", "7_g"),
		Concurrency: 3,
	})
	require.NoError(t, err)

	assert.Equal(t, 7, summary.JobsCompleted)
	assert.LessOrEqual(t, fe.peak.Load(), int32(3))
	assert.Greater(t, fe.peak.Load(), int32(1), "jobs should overlap")
	assert.Equal(t, int32(0), fe.inFlight.Load())
}

func TestOrchestrator_ClaimsCollidingExportDirectories(t *testing.T) {
	ch := newTestChannel(t)
	scene := newMockScene(ch, sceneSignals{})
	orch, _ := newTestOrchestrator(t, ch, scene, fastTimeouts())

	first, err := orch.Plan("run-1", domain.RunRequest{Frames: framesNamed("Hero / Dark")})
	require.NoError(t, err)

	_, err = orch.Plan("run-2", domain.RunRequest{Frames: framesNamed("Hero _ Dark")})
	assert.ErrorIs(t, err, domain.ErrFrameNameInUse)

	orch.release(first.RunID, first.Request.Frames)
	_, err = orch.Plan("run-2", domain.RunRequest{Frames: framesNamed("Hero _ Dark")})
	assert.NoError(t, err)
}
