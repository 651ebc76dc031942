package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies why a job stopped.
type ErrorKind string

const (
	ErrorKindTimeout    ErrorKind = "timeout"
	ErrorKindStage      ErrorKind = "stage_error"
	ErrorKindUnexpected ErrorKind = "unexpected"
	ErrorKindCanceled   ErrorKind = "canceled"
)

var (
	// ErrTimeout is returned when no correlated response arrives within the stage budget.
	ErrTimeout = errors.New("timed out waiting for correlated response")
	// ErrDuplicatePending is returned when a key already has a live waiter.
	ErrDuplicatePending = errors.New("correlation key already pending")
	// ErrCanceled is returned when a wait was abandoned before any response.
	ErrCanceled = errors.New("correlated wait canceled")

	ErrDuplicateFrameName = errors.New("duplicate frame name")
	ErrFrameNameInUse     = errors.New("frame name claimed by an active run")
)

// StageError is an explicit failure reported by the external executor.
type StageError struct {
	Stage   Stage
	Message string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Stage, e.Message)
}

// ClassifyError maps an error returned from a stage to its kind.
func ClassifyError(err error) ErrorKind {
	var stageErr *StageError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return ErrorKindTimeout
	case errors.As(err, &stageErr):
		return ErrorKindStage
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindCanceled
	default:
		return ErrorKindUnexpected
	}
}
