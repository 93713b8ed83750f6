// Package events fans persisted audit events out to in-process
// subscribers (CLI watchers, tests). The store remains the source of
// truth; the bus is best-effort delivery on top of it.
package events

import (
	"sync"

	"github.com/google/uuid"

	"github.com/cloud-shuttle/muster/pkg/types"
)

// Event type names recorded by the orchestrator.
const (
	TypeRunCreated      = "run_created"
	TypeRunStarted      = "run_started"
	TypeRunPaused       = "run_paused"
	TypeRunResumed      = "run_resumed"
	TypeRunCompleted    = "run_completed"
	TypeRunFailed       = "run_failed"
	TypeRunCancelled    = "run_cancelled"
	TypeStepDispatched  = "step_dispatched"
	TypeStepSucceeded   = "step_succeeded"
	TypeStepRetrying    = "step_retrying"
	TypeStepFailed      = "step_failed"
	TypeStepCancelled   = "step_cancelled"
	TypeStepInserted    = "step_inserted"
	TypeStepSteppedBack = "step_stepped_back"
	TypeLateCompletion  = "late_completion"
	TypeBudgetExceeded  = "budget_exceeded"
	TypeRunRecovered    = "run_recovered"
)

const subscriberBuffer = 64

// Bus is an in-process publish/subscribe fan-out.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan *types.Event
	closed      bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[string]chan *types.Event)}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe or bus Close.
func (b *Bus) Subscribe() (<-chan *types.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan *types.Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subscribers[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}
}

// Publish delivers the event to every subscriber without blocking. A
// subscriber whose buffer is full misses the event; it can always
// re-read history from the store.
func (b *Bus) Publish(ev *types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close closes all subscriber channels. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
