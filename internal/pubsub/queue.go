package pubsub

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"

	"presencebot/internal/transport"
)

var errQueueTimeout = errors.New("topic queue timeout")

// topicQueue is a bounded FIFO of one channel's topics. Only the manager's
// loop touches it, so len is exact; the channel gives timed push/pop.
type topicQueue struct {
	ch chan transport.Topic
}

func newTopicQueue(capacity int) *topicQueue {
	return &topicQueue{ch: make(chan transport.Topic, max(capacity, 1))}
}

func (q *topicQueue) len() int { return len(q.ch) }
func (q *topicQueue) cap() int { return cap(q.ch) }

func (q *topicQueue) push(ctx context.Context, clock clockwork.Clock, t transport.Topic, timeout time.Duration) error {
	select {
	case q.ch <- t:
		return nil
	default:
	}
	select {
	case q.ch <- t:
		return nil
	case <-clock.After(timeout):
		return errQueueTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pop returns the oldest topic. ok is false when the queue stayed empty for timeout.
func (q *topicQueue) pop(clock clockwork.Clock, timeout time.Duration) (transport.Topic, bool) {
	select {
	case t := <-q.ch:
		return t, true
	default:
	}
	if timeout <= 0 {
		return transport.Topic{}, false
	}
	select {
	case t := <-q.ch:
		return t, true
	case <-clock.After(timeout):
		return transport.Topic{}, false
	}
}

// drain empties the queue without waiting and returns the topics oldest first.
func (q *topicQueue) drain() []transport.Topic {
	out := make([]transport.Topic, 0, q.len())
	for {
		t, ok := q.pop(nil, 0)
		if !ok {
			return out
		}
		out = append(out, t)
	}
}

// resized moves the contents into a queue of the new capacity, keeping the newest.
func (q *topicQueue) resized(capacity int) (*topicQueue, []transport.Topic) {
	nq := newTopicQueue(capacity)
	var dropped []transport.Topic
	items := q.drain()
	if over := len(items) - nq.cap(); over > 0 {
		dropped, items = items[:over], items[over:]
	}
	for _, t := range items {
		nq.ch <- t
	}
	return nq, dropped
}
