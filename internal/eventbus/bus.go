// Package eventbus implements the Event Bus (C7): fan-out of job
// lifecycle events to connected clients over a long-lived SSE stream.
// Modeled on an event-hooks EventBus (a worker pool
// draining a buffered channel, per-subscriber fan-out, a metrics
// collector goroutine) but adapted from webhook/NATS delivery to
// in-process SSE fan-out: each subscriber gets its own bounded channel
// with drop-oldest-on-overflow instead of a retry/dead-
// letter-hook queues, since SSE delivery is best-effort per spec.md §7
// (no DLQ needed here).
package eventbus

import (
	"sync"
	"time"

	"github.com/mediaqueue/orchestrator/internal/obs"
)

// Type enumerates the event names spec.md §4.7 lists.
type Type string

const (
	JobUpdated       Type = "job.updated"
	JobCompleted     Type = "job.completed"
	JobFailed        Type = "job.failed"
	JobCanceled      Type = "job.canceled"
	JobPaused        Type = "job.paused"
	JobResumed       Type = "job.resumed"
	JobDeleted       Type = "job.deleted"
	JobRemoved       Type = "job.removed"
	SchedulerBlocked Type = "scheduler.blocked"
	ProviderPaused   Type = "provider.paused"
	ProviderResumed  Type = "provider.resumed"
	StreamResync     Type = "stream.resync"
	Heartbeat        Type = "heartbeat"
)

// Event is one published lifecycle notification.
type Event struct {
	Type    Type           `json:"event"`
	UserID  int64          `json:"-"` // filtering key; not serialized
	JobID   int64          `json:"job_id,omitempty"`
	Payload map[string]any `json:"data,omitempty"`
	At      time.Time      `json:"at"`
}

// Subscriber is a single connected client's bounded inbox.
type Subscriber struct {
	id       uint64
	userID   int64
	isAdmin  bool
	ch       chan Event
	closed   chan struct{}
	closeOne sync.Once
}

// Events returns the channel to range over for delivery.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Close removes the subscriber; safe to call more than once.
func (s *Subscriber) Close() {
	s.closeOne.Do(func() { close(s.closed) })
}

// Bus maintains the subscriber set and fans out published events.
// Publish is non-blocking on any individual sink: a full buffer drops
// the oldest queued event and appends a stream.resync hint rather than
// blocking the publisher (spec.md §4.7).
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*Subscriber
	nextID    uint64
	bufSize   int
	heartbeat time.Duration
}

func New(bufSize int, heartbeatInterval time.Duration) *Bus {
	return &Bus{subs: map[uint64]*Subscriber{}, bufSize: bufSize, heartbeat: heartbeatInterval}
}

// Subscribe registers a new subscriber bound to userID (or admin, which
// sees every event). The returned Subscriber must be closed by the
// caller when the HTTP stream ends.
func (b *Bus) Subscribe(userID int64, isAdmin bool) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscriber{id: b.nextID, userID: userID, isAdmin: isAdmin, ch: make(chan Event, b.bufSize), closed: make(chan struct{})}
	b.subs[sub.id] = sub
	obs.EventBusSubscribers.Set(float64(len(b.subs)))
	go b.watchClose(sub)
	return sub
}

func (b *Bus) watchClose(sub *Subscriber) {
	<-sub.closed
	b.mu.Lock()
	delete(b.subs, sub.id)
	obs.EventBusSubscribers.Set(float64(len(b.subs)))
	b.mu.Unlock()
}

// Publish fans event out to every matching subscriber. Non-admin
// subscribers only receive events whose UserID matches theirs
// (spec.md §4.7 Filtering); admin subscribers receive all. Events
// with no UserID (zero), such as scheduler.blocked, go to every
// subscriber.
func (b *Bus) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.isAdmin && event.UserID != 0 && sub.userID != event.UserID {
			continue
		}
		b.send(sub, event)
	}
}

// send is a non-blocking send with a drop-oldest policy on overflow.
func (b *Bus) send(sub *Subscriber, event Event) {
	select {
	case sub.ch <- event:
		return
	default:
	}
	select {
	case <-sub.ch:
		obs.EventBusDropped.Inc()
	default:
	}
	// The freed slot carries a stream.resync hint in place of event, so
	// the subscriber knows it missed something and the client can
	// refetch the job list (spec.md §4.7 stream.resync hint).
	obs.EventBusDropped.Inc()
	select {
	case sub.ch <- Event{Type: StreamResync, At: time.Now().UTC()}:
	default:
	}
}

// RunHeartbeats periodically publishes a heartbeat event to every
// subscriber so idle proxies don't close the stream (spec.md §4.7,
// ~15s). Blocks until ctx is canceled.
func (b *Bus) RunHeartbeats(done <-chan struct{}) {
	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			b.mu.RLock()
			for _, sub := range b.subs {
				b.send(sub, Event{Type: Heartbeat, At: time.Now().UTC()})
			}
			b.mu.RUnlock()
		}
	}
}

// SubscriberCount reports the number of currently connected clients,
// used by the C10 event_bus_subscribers gauge sampler.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
