package services

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/manthysbr/variantforge/internal/core/domain"
)

// leadingNumber parses the run of ASCII digits at the start of name.
func leadingNumber(name string) (uint64, bool) {
	end := 0
	for end < len(name) && name[end] >= '0' && name[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	n, err := strconv.ParseUint(name[:end], 10, 64)
	if err != nil {
		// overflow: saturate so very long prefixes still sort after shorter ones
		return ^uint64(0), true
	}
	return n, true
}

// CompareFrameNames orders numerically-prefixed names first by their prefix,
// then the rest lexicographically.
func CompareFrameNames(a, b string) int {
	na, okA := leadingNumber(a)
	nb, okB := leadingNumber(b)
	switch {
	case okA && okB:
		return cmp.Compare(na, nb)
	case okA:
		return -1
	case okB:
		return 1
	default:
		return cmp.Compare(a, b)
	}
}

// SortFrames returns frames in queue order. Equal keys keep their input order.
func SortFrames(frames []domain.Frame) []domain.Frame {
	out := slices.Clone(frames)
	slices.SortStableFunc(out, func(a, b domain.Frame) int {
		return CompareFrameNames(a.Name, b.Name)
	})
	return out
}

// ValidateFrames rejects empty sets and duplicate frame names. Export and
// upload signals are correlated by name and export batches live in a
// directory named after it, so names must be unique in a run after
// domain.SafeName is applied ("a/b" and "a_b" collide).
func ValidateFrames(frames []domain.Frame) error {
	if len(frames) == 0 {
		return domain.ErrNoFrames
	}
	seen := make(map[string]string, len(frames))
	for _, f := range frames {
		key := domain.SafeName(f.Name)
		if prev, dup := seen[key]; dup {
			if prev == f.Name {
				return fmt.Errorf("%w: %q", domain.ErrDuplicateFrameName, f.Name)
			}
			return fmt.Errorf("%w: %q and %q share export directory %q", domain.ErrDuplicateFrameName, prev, f.Name, key)
		}
		seen[key] = f.Name
	}
	return nil
}

// JobQueue is the shared, ordered queue workers draw from.
type JobQueue struct {
	mu   sync.Mutex
	jobs []*domain.Job
	next int
}

// NewJobQueue sorts frames and creates one queued job per frame.
func NewJobQueue(runID domain.RunID, frames []domain.Frame) *JobQueue {
	sorted := SortFrames(frames)
	jobs := make([]*domain.Job, len(sorted))
	for i, f := range sorted {
		job := domain.NewJob(runID, f, i)
		jobs[i] = &job
	}
	return &JobQueue{jobs: jobs}
}

// Pop removes and returns the next job. The second result is false once the
// queue is drained.
func (q *JobQueue) Pop() (*domain.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.next >= len(q.jobs) {
		return nil, false
	}
	job := q.jobs[q.next]
	q.next++
	return job, true
}

// Len returns the number of jobs not yet popped.
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs) - q.next
}

// Jobs returns every job of the queue in queue order, popped or not.
func (q *JobQueue) Jobs() []*domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.jobs)
}
