package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the presence core.
const (
	JoinWave         = "join.wave"
	JoinFinished     = "join.finished"
	PubSubRefreshed  = "pubsub.refreshed"
	PubSubReconnect  = "pubsub.reconnect"
	DispatchSent     = "dispatch.sent"
	DispatchRetried  = "dispatch.retried"
	DispatchDropped  = "dispatch.dropped"
	DispatchRejected = "dispatch.rejected"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

// JoinData accompanies join.* events.
type JoinData struct {
	Wave     int `json:"wave"`
	Channels int `json:"channels"`
}

// RefreshData accompanies pubsub.* events.
type RefreshData struct {
	Forced     bool `json:"forced"`
	Candidates int  `json:"candidates"`
	Skipped    int  `json:"skipped"`
	Added      int  `json:"added"`
	Evicted    int  `json:"evicted"`
	Suppressed bool `json:"suppressed,omitempty"`
}

// DispatchData accompanies dispatch.* events.
type DispatchData struct {
	ID          string `json:"id"`
	Destination string `json:"destination"`
	Attempts    int    `json:"attempts"`
	Error       string `json:"error,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It does not own any goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop returns a bus that discards everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	return ch, func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		// Non-blocking delivery; slow subscribers drop.
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			// Holding the write lock excludes concurrent Publish, so closing is safe.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}
