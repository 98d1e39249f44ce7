package notify

import (
	"sync"

	"github.com/google/uuid"
)

// ChangeBatch is one coalesced batch of dataset-path changes, as emitted by
// the publisher's filesystem watcher and consumed by /api/changes. ID
// correlates a single debounced flush across the publisher's log, the
// wire-level stream, and any subscriber that logs its receipt.
type ChangeBatch struct {
	ID    string
	Paths []string
}

// NewChangeBatch stamps paths with a fresh correlation ID.
func NewChangeBatch(paths []string) ChangeBatch {
	return ChangeBatch{ID: uuid.NewString(), Paths: paths}
}

// ChangeBus is a push channel for change batches with bounded buffering.
// Per spec.md §9's design note, a slow consumer does not block the watcher:
// once the buffer is full, the oldest queued batch is dropped to make room
// for the newest one rather than backpressuring the producer.
type ChangeBus struct {
	mu   sync.Mutex
	subs map[int]chan ChangeBatch
	next int
	cap  int
}

// NewChangeBus creates a bus where each subscriber's buffer holds at most
// `capacity` batches before the oldest is shed.
func NewChangeBus(capacity int) *ChangeBus {
	if capacity < 1 {
		capacity = 1
	}
	return &ChangeBus{subs: make(map[int]chan ChangeBatch), cap: capacity}
}

// Subscribe registers a new consumer and returns its channel and an
// unsubscribe function. The channel is closed by Unsubscribe, never by the
// bus spontaneously.
func (b *ChangeBus) Subscribe() (<-chan ChangeBatch, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan ChangeBatch, b.cap)
	b.subs[id] = ch
	return ch, func() { b.unsubscribe(id) }
}

func (b *ChangeBus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish fans a batch out to every current subscriber, shedding the oldest
// queued batch for any subscriber whose buffer is full.
func (b *ChangeBus) Publish(batch ChangeBatch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- batch:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- batch:
			default:
			}
		}
	}
}

// SubscriberCount reports the number of active subscribers, mainly for
// metrics/diagnostics.
func (b *ChangeBus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
