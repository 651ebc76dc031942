package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/manthysbr/variantforge/internal/core/domain"
)

// StageKey correlates executor responses for stages that carry the job id.
type StageKey struct {
	JobID domain.JobID
	Stage domain.Stage
}

// FrameKey correlates export and upload signals, which only carry the frame name.
type FrameKey string

type outcome[V any] struct {
	value V
	err   error
}

type pending[V any] struct {
	result  chan outcome[V]
	timer   *time.Timer
	cleanup func()
}

// CorrelationTable turns "send now, answer arrives later on a shared bus" into
// a future per key. Every registered key settles exactly once: by Resolve,
// Reject, Cancel or its timeout. The cleanup hook runs on all four paths.
type CorrelationTable[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*pending[V]
}

func NewCorrelationTable[K comparable, V any]() *CorrelationTable[K, V] {
	return &CorrelationTable[K, V]{entries: make(map[K]*pending[V])}
}

// Future is the awaitable side of a registered key.
type Future[V any] struct {
	result <-chan outcome[V]
	cancel func() bool
}

// Await blocks until the key settles or ctx is done. On ctx done the entry is
// cancelled so its cleanup still runs.
func (f *Future[V]) Await(ctx context.Context) (V, error) {
	select {
	case o := <-f.result:
		return o.value, o.err
	case <-ctx.Done():
		if !f.cancel() {
			// settled concurrently; the outcome is already buffered
			o := <-f.result
			return o.value, o.err
		}
		var zero V
		return zero, ctx.Err()
	}
}

// Register creates a waiter for key that fails with domain.ErrTimeout after
// timeout. cleanup may be nil.
func (t *CorrelationTable[K, V]) Register(key K, timeout time.Duration, cleanup func()) (*Future[V], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[key]; exists {
		return nil, fmt.Errorf("%w: %v", domain.ErrDuplicatePending, key)
	}

	entry := &pending[V]{
		result:  make(chan outcome[V], 1),
		cleanup: cleanup,
	}
	entry.timer = time.AfterFunc(timeout, func() {
		t.settle(key, entry, outcome[V]{err: fmt.Errorf("%w after %s", domain.ErrTimeout, timeout)})
	})
	t.entries[key] = entry

	return &Future[V]{
		result: entry.result,
		cancel: func() bool {
			return t.settle(key, entry, outcome[V]{err: domain.ErrCanceled})
		},
	}, nil
}

// Resolve fulfils the waiter for key. It reports false when nobody is waiting,
// in which case the value is discarded.
func (t *CorrelationTable[K, V]) Resolve(key K, value V) bool {
	return t.settle(key, nil, outcome[V]{value: value})
}

// Reject fails the waiter for key with err.
func (t *CorrelationTable[K, V]) Reject(key K, err error) bool {
	return t.settle(key, nil, outcome[V]{err: err})
}

// Cancel fails the waiter for key with domain.ErrCanceled.
func (t *CorrelationTable[K, V]) Cancel(key K) bool {
	return t.settle(key, nil, outcome[V]{err: domain.ErrCanceled})
}

// Has reports whether key has a live waiter.
func (t *CorrelationTable[K, V]) Has(key K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key]
	return ok
}

// Pending returns the number of live waiters.
func (t *CorrelationTable[K, V]) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// settle removes key and delivers o. When want is non-nil only that exact
// entry may be settled, so a stale timer cannot hit a newer registration.
func (t *CorrelationTable[K, V]) settle(key K, want *pending[V], o outcome[V]) bool {
	t.mu.Lock()
	entry, ok := t.entries[key]
	if !ok || (want != nil && entry != want) {
		t.mu.Unlock()
		return false
	}
	delete(t.entries, key)
	t.mu.Unlock()

	entry.timer.Stop()
	if entry.cleanup != nil {
		entry.cleanup()
	}
	entry.result <- o
	return true
}
