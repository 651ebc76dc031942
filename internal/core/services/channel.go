package services

import (
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/manthysbr/variantforge/internal/core/domain"
)

var ErrChannelClosed = errors.New("channel closed")

// MessageHandler receives every message sent on a Channel.
// Handlers run on the dispatch goroutine and must not block.
type MessageHandler = func(domain.Message)

// Channel is an ordered, asynchronous, in-process message bus.
// Send never blocks; one dispatch goroutine delivers messages in send order
// to the handlers registered at delivery time, in registration order.
type Channel struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[uint64]MessageHandler
	nextID   uint64

	queueMu sync.Mutex
	queue   []domain.Message
	notify  chan struct{}
	done    chan struct{}
	stopped chan struct{}
	closed  bool
}

func NewChannel(logger *slog.Logger) *Channel {
	c := &Channel{
		logger:   logger,
		handlers: make(map[uint64]MessageHandler),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go c.dispatch()
	return c
}

// Send publishes msg to every current handler.
func (c *Channel) Send(msg domain.Message) error {
	c.queueMu.Lock()
	if c.closed {
		c.queueMu.Unlock()
		return ErrChannelClosed
	}
	c.queue = append(c.queue, msg)
	c.queueMu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// OnMessage subscribes h and returns its unsubscribe function.
// Calling the unsubscribe function more than once is a no-op.
func (c *Channel) OnMessage(h MessageHandler) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = h
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.handlers, id)
			c.mu.Unlock()
		})
	}
}

// HandlerCount reports how many handlers are subscribed.
func (c *Channel) HandlerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handlers)
}

// Close stops dispatching. Messages still queued are dropped.
func (c *Channel) Close() {
	c.queueMu.Lock()
	if c.closed {
		c.queueMu.Unlock()
		return
	}
	c.closed = true
	dropped := len(c.queue)
	c.queue = nil
	c.queueMu.Unlock()

	close(c.done)
	<-c.stopped
	if dropped > 0 {
		c.logger.Warn("channel closed with undelivered messages", "dropped", dropped)
	}
}

func (c *Channel) dispatch() {
	defer close(c.stopped)
	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
		}

		for {
			c.queueMu.Lock()
			if len(c.queue) == 0 || c.closed {
				c.queueMu.Unlock()
				break
			}
			msg := c.queue[0]
			c.queue[0] = domain.Message{}
			c.queue = c.queue[1:]
			c.queueMu.Unlock()

			for _, h := range c.snapshot() {
				c.deliver(h, msg)
			}
		}
	}
}

func (c *Channel) snapshot() []MessageHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]uint64, 0, len(c.handlers))
	for id := range c.handlers {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make([]MessageHandler, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.handlers[id])
	}
	return out
}

func (c *Channel) deliver(h MessageHandler, msg domain.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("channel handler panicked", "kind", msg.Kind, "panic", r)
		}
	}()
	h(msg)
}
