// Package dispatch delivers outbound chat messages under the platform's
// size and rate limits.
//
// Producers only enqueue. A single consumer loop owns the pending list,
// wakes every drain interval, and delivers every due message with bounded
// retries. A message that exhausts its attempts is logged once and dropped.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"presencebot/internal/eventbus"
	rtsup "presencebot/internal/runtime/supervisor"
	logx "presencebot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("dispatch queue full")
	ErrStopped   = errors.New("dispatch queue stopped")
)

// Sender is the chat transport.
type Sender interface {
	SendText(ctx context.Context, destination, text string) error
}

type Config struct {
	MaxMessageLen int // runes per chunk
	MaxChunks     int
	MaxRetries    int // delivery attempts per message
	RetryDelay    time.Duration
	DrainInterval time.Duration
	QueueSize     int
	QueueTimeout  time.Duration
	RatePerSec    float64
	Burst         int
	SendTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxMessageLen <= 0 {
		c.MaxMessageLen = 500
	}
	if c.MaxChunks <= 0 {
		c.MaxChunks = 3
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = 500 * time.Millisecond
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = 3 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20.0 / 30.0
	}
	if c.Burst <= 0 {
		c.Burst = 20
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// PendingMessage is owned by the queue from enqueue until delivery or drop.
type PendingMessage struct {
	ID          string
	Destination string
	Text        string
	NotBefore   time.Time
}

type Option func(*Queue)

func WithClock(c clockwork.Clock) Option { return func(q *Queue) { q.clock = c } }

// Queue is safe for concurrent use.
type Queue struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus
	clock  clockwork.Clock

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	intake   chan PendingMessage
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus, opts ...Option) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	q := &Queue{
		sender: sender,
		log:    log.With(logx.String("comp", "dispatch")),
		bus:    bus,
		clock:  clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(q)
	}
	q.applyLocked(cfg)
	return q
}

// Apply swaps limits. The intake capacity is fixed until the next Start.
func (q *Queue) Apply(cfg Config) {
	q.mu.Lock()
	q.applyLocked(cfg)
	q.mu.Unlock()
}

func (q *Queue) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	if q.limiter == nil || q.cfg.RatePerSec != cfg.RatePerSec || q.cfg.Burst != cfg.Burst {
		q.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	}
	q.cfg = cfg
}

func (q *Queue) snapshot() (Config, *rate.Limiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg, q.limiter
}

// Start runs the consumer loop. A Start while a Stop is in progress waits for
// it; a Start on a running queue panics.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.stopDone != nil {
		done := q.stopDone
		q.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		q.mu.Lock()
	}
	if q.intake != nil {
		q.mu.Unlock()
		panic("dispatch: Start called on a running queue")
	}
	q.intake = make(chan PendingMessage, q.cfg.QueueSize)
	q.accepting = true
	q.sup = rtsup.New(ctx,
		rtsup.WithLogger(q.log),
		// Delivery failures are best-effort and must not stop the app.
		rtsup.WithCancelOnError(false),
	)
	sup, in := q.sup, q.intake
	q.mu.Unlock()

	sup.GoRestart("dispatch.loop", func(c context.Context) error {
		return q.loop(c, in)
	})
}

// Stop stops intake, delivers messages that are already due and drops the
// rest, until ctx is done.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	in, sup := q.intake, q.sup
	if in == nil {
		q.mu.Unlock()
		return
	}
	if q.stopDone != nil {
		done := q.stopDone
		q.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	q.stopDone = done
	q.accepting = false
	q.mu.Unlock()

	go func() {
		defer close(done)
		q.sendWG.Wait()
		close(in)
		_ = sup.Wait(context.Background())

		q.mu.Lock()
		q.intake, q.sup, q.stopDone = nil, nil, nil
		q.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Send splits text into at most MaxChunks chunks and enqueues them in order,
// due immediately. Chunks past MaxChunks are dropped with a warning.
func (q *Queue) Send(ctx context.Context, destination, text string) error {
	return q.enqueueText(ctx, destination, text, 0)
}

// SendDelayed enqueues text to be delivered no earlier than delay from now.
func (q *Queue) SendDelayed(ctx context.Context, destination, text string, delay time.Duration) error {
	return q.enqueueText(ctx, destination, text, max(delay, 0))
}

func (q *Queue) enqueueText(ctx context.Context, destination, text string, delay time.Duration) error {
	cfg, _ := q.snapshot()
	chunks := splitText(text, cfg.MaxMessageLen)
	if len(chunks) == 0 {
		return nil
	}
	if len(chunks) > cfg.MaxChunks {
		q.log.Warn("message too long; dropping extra chunks",
			logx.String("destination", destination),
			logx.Int("chunks", len(chunks)),
			logx.Int("max_chunks", cfg.MaxChunks),
		)
		chunks = chunks[:cfg.MaxChunks]
	}
	notBefore := q.clock.Now().Add(delay)
	for _, c := range chunks {
		m := PendingMessage{ID: uuid.NewString(), Destination: destination, Text: c, NotBefore: notBefore}
		if err := q.enqueue(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) enqueue(ctx context.Context, m PendingMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	if !q.accepting || q.intake == nil {
		q.mu.Unlock()
		return ErrStopped
	}
	in, timeout := q.intake, q.cfg.QueueTimeout
	q.sendWG.Add(1)
	q.mu.Unlock()
	defer q.sendWG.Done()

	select {
	case in <- m:
		return nil
	default:
	}
	select {
	case in <- m:
		return nil
	case <-q.clock.After(timeout):
	case <-ctx.Done():
		return ctx.Err()
	}
	q.log.Warn("dispatch queue full; dropping message", logx.String("destination", m.Destination), logx.Duration("timeout", timeout))
	q.bus.Publish(eventbus.Event{Type: eventbus.DispatchRejected, Time: q.clock.Now(), Data: eventbus.DispatchData{
		ID: m.ID, Destination: m.Destination, Error: ErrQueueFull.Error(),
	}})
	return ErrQueueFull
}

func (q *Queue) loop(ctx context.Context, in <-chan PendingMessage) error {
	cfg, _ := q.snapshot()
	ticker := q.clock.NewTicker(cfg.DrainInterval)
	defer ticker.Stop()

	var pending []PendingMessage
	for {
		select {
		case <-ctx.Done():
			if len(pending) > 0 {
				q.log.Warn("dispatch stopped with pending messages", logx.Int("pending", len(pending)))
			}
			return nil
		case m, ok := <-in:
			if !ok {
				q.flush(ctx, pending)
				return nil
			}
			pending = append(pending, m)
		case <-ticker.Chan():
			pending = collect(in, pending)
			var due []PendingMessage
			due, pending = splitDue(pending, q.clock.Now())
			for _, m := range due {
				q.deliver(ctx, m)
			}
		}
	}
}

// flush delivers what is due at shutdown and drops the rest.
func (q *Queue) flush(ctx context.Context, pending []PendingMessage) {
	due, later := splitDue(pending, q.clock.Now())
	for _, m := range due {
		q.deliver(ctx, m)
	}
	for _, m := range later {
		q.log.Warn("outbound message dropped", logx.String("id", m.ID), logx.String("destination", m.Destination), logx.String("reason", "shutdown"))
	}
}

// collect moves everything already waiting in the intake into pending.
func collect(in <-chan PendingMessage, pending []PendingMessage) []PendingMessage {
	for {
		select {
		case m, ok := <-in:
			if !ok {
				return pending
			}
			pending = append(pending, m)
		default:
			return pending
		}
	}
}

// splitDue partitions pending, keeping FIFO order in both halves.
func splitDue(pending []PendingMessage, now time.Time) (due, rest []PendingMessage) {
	for _, m := range pending {
		if m.NotBefore.After(now) {
			rest = append(rest, m)
		} else {
			due = append(due, m)
		}
	}
	return due, rest
}

// SendImmediate delivers text now with retries and reports whether it was
// delivered. Failure is logged and never returned.
func (q *Queue) SendImmediate(ctx context.Context, destination, text string) bool {
	return q.deliver(ctx, PendingMessage{ID: uuid.NewString(), Destination: destination, Text: text, NotBefore: q.clock.Now()})
}

func (q *Queue) deliver(ctx context.Context, m PendingMessage) bool {
	cfg, lim := q.snapshot()
	var lastErr error
	attempt := 0
	for attempt < cfg.MaxRetries {
		attempt++
		if err := lim.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := q.sender.SendText(callCtx, m.Destination, m.Text)
		cancel()
		if err == nil {
			q.bus.Publish(eventbus.Event{Type: eventbus.DispatchSent, Time: q.clock.Now(), Data: eventbus.DispatchData{
				ID: m.ID, Destination: m.Destination, Attempts: attempt,
			}})
			return true
		}
		lastErr = err
		q.log.Debug("outbound send failed", logx.String("id", m.ID), logx.Int("attempt", attempt), logx.Int("max", cfg.MaxRetries), logx.Err(err))
		if attempt >= cfg.MaxRetries {
			break
		}
		q.bus.Publish(eventbus.Event{Type: eventbus.DispatchRetried, Time: q.clock.Now(), Data: eventbus.DispatchData{
			ID: m.ID, Destination: m.Destination, Attempts: attempt, Error: err.Error(),
		}})
		if cfg.RetryDelay > 0 {
			select {
			case <-q.clock.After(cfg.RetryDelay):
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = cfg.MaxRetries
			}
		}
	}

	q.log.Warn("outbound message dropped",
		logx.String("id", m.ID),
		logx.String("destination", m.Destination),
		logx.Int("attempts", attempt),
		logx.Err(lastErr),
	)
	data := eventbus.DispatchData{ID: m.ID, Destination: m.Destination, Attempts: attempt}
	if lastErr != nil {
		data.Error = lastErr.Error()
	}
	q.bus.Publish(eventbus.Event{Type: eventbus.DispatchDropped, Time: q.clock.Now(), Data: data})
	return false
}
