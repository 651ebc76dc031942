package services

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/manthysbr/variantforge/internal/core/domain"
)

type EventType string

const (
	EventTypeRunStarted   EventType = "run.started"
	EventTypeRunFinished  EventType = "run.finished"
	EventTypeJobStage     EventType = "job.stage"
	EventTypeJobFailed    EventType = "job.failed"
	EventTypeJobCompleted EventType = "job.completed"
)

// Event is a progress notification for observers. It is not part of the
// stage protocol and nothing waits on it.
type Event struct {
	RunID     domain.RunID
	JobID     domain.JobID
	Type      EventType
	Data      string // JSON payload
	Timestamp int64
}

// EventBus fans progress events out to per-run and global subscribers.
type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[domain.RunID][]chan Event
	global []chan Event
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[domain.RunID][]chan Event),
	}
}

// Subscribe returns a channel that receives events for a specific run
func (b *EventBus) Subscribe(runID domain.RunID) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 100) // Buffer to prevent blocking publisher
	b.subs[runID] = append(b.subs[runID], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			b.subs[runID] = removeSub(b.subs[runID], ch)
			if len(b.subs[runID]) == 0 {
				delete(b.subs, runID)
			}
			close(ch)
		})
	}

	return ch, unsub
}

// SubscribeGlobal receives events of every run.
func (b *EventBus) SubscribeGlobal() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 256)
	b.global = append(b.global, ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.global = removeSub(b.global, ch)
			close(ch)
		})
	}
	return ch, unsub
}

// Publish sends an event to all subscribers of the run and to global subscribers
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[e.RunID] {
		b.offer(ch, e)
	}
	for _, ch := range b.global {
		b.offer(ch, e)
	}
}

// PublishJSON marshals data and publishes it as an event of the given type.
func (b *EventBus) PublishJSON(runID domain.RunID, jobID domain.JobID, typ EventType, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		b.logger.Error("failed to marshal event payload", "type", typ, "error", err)
		return
	}
	b.Publish(Event{
		RunID:     runID,
		JobID:     jobID,
		Type:      typ,
		Data:      string(payload),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (b *EventBus) offer(ch chan Event, e Event) {
	select {
	case ch <- e:
	default:
		// If channel is full, drop event to prevent blocking the pipeline
		b.logger.Warn("event bus channel full, dropping event", "run_id", e.RunID, "type", e.Type)
	}
}

func removeSub(subs []chan Event, ch chan Event) []chan Event {
	for i, sub := range subs {
		if sub == ch {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}
