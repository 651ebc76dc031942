package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/manthysbr/variantforge/internal/core/domain"
)

// StageRequestor turns "send request, wait for the matching response" into a
// single blocking call on top of a Channel.
type StageRequestor struct {
	channel *Channel
	stages  *CorrelationTable[StageKey, domain.Message]
	exports *CorrelationTable[FrameKey, domain.Message]
	uploads *CorrelationTable[FrameKey, domain.Message]
}

func NewStageRequestor(channel *Channel) *StageRequestor {
	return &StageRequestor{
		channel: channel,
		stages:  NewCorrelationTable[StageKey, domain.Message](),
		exports: NewCorrelationTable[FrameKey, domain.Message](),
		uploads: NewCorrelationTable[FrameKey, domain.Message](),
	}
}

// Request sends payload for (jobID, stage) and waits for the executor's answer.
// It fails with domain.ErrTimeout when nothing matching arrives in time and
// with *domain.StageError when the executor reports a failure.
func (r *StageRequestor) Request(ctx context.Context, jobID domain.JobID, stage domain.Stage, frameName string, payload any, timeout time.Duration) (json.RawMessage, error) {
	req, err := domain.NewMessage(domain.MessageStageRequest, payload)
	if err != nil {
		return nil, err
	}
	req.JobID = jobID
	req.Stage = stage
	req.FrameName = frameName

	key := StageKey{JobID: jobID, Stage: stage}
	unsubscribe := r.channel.OnMessage(func(m domain.Message) {
		if m.Kind != domain.MessageStageResponse || m.JobID != jobID || m.Stage != stage {
			return
		}
		if m.Error != "" {
			r.stages.Reject(key, &domain.StageError{Stage: stage, Message: m.Error})
			return
		}
		r.stages.Resolve(key, m)
	})

	future, err := r.stages.Register(key, timeout, unsubscribe)
	if err != nil {
		unsubscribe()
		return nil, err
	}

	if err := r.channel.Send(req); err != nil {
		r.stages.Cancel(key)
		return nil, fmt.Errorf("send %s request: %w", stage, err)
	}

	resp, err := future.Await(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// Expect arms a frame-keyed wait for an export or upload signal without
// sending anything. The signal is produced downstream of a side-effecting call
// made after Expect returns.
func (r *StageRequestor) Expect(kind domain.MessageKind, frameName string, timeout time.Duration) (*Future[domain.Message], error) {
	var (
		table *CorrelationTable[FrameKey, domain.Message]
		stage domain.Stage
	)
	switch kind {
	case domain.MessageExportComplete:
		table, stage = r.exports, domain.StageExporting
	case domain.MessageUploadConfirmed:
		table, stage = r.uploads, domain.StageUploading
	default:
		return nil, fmt.Errorf("message kind %q is not a frame signal", kind)
	}

	key := FrameKey(frameName)
	unsubscribe := r.channel.OnMessage(func(m domain.Message) {
		if m.Kind != kind || m.FrameName != frameName {
			return
		}
		if m.Error != "" {
			table.Reject(key, &domain.StageError{Stage: stage, Message: m.Error})
			return
		}
		table.Resolve(key, m)
	})

	future, err := table.Register(key, timeout, unsubscribe)
	if err != nil {
		unsubscribe()
		return nil, err
	}
	return future, nil
}

// Abandon cancels any frame-keyed waits still armed for frameName.
func (r *StageRequestor) Abandon(frameName string) {
	r.exports.Cancel(FrameKey(frameName))
	r.uploads.Cancel(FrameKey(frameName))
}

// Pending returns the number of live waiters across all tables.
func (r *StageRequestor) Pending() int {
	return r.stages.Pending() + r.exports.Pending() + r.uploads.Pending()
}
