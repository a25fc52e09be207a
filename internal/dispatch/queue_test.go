package dispatch

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"presencebot/internal/eventbus"
	logx "presencebot/pkg/logx"
)

type sent struct {
	dest, text string
	at         time.Time
}

type fakeSender struct {
	mu    sync.Mutex
	calls int
	fail  error
	sent  []sent
}

func (f *fakeSender) SendText(_ context.Context, dest, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, sent{dest: dest, text: text, at: time.Now()})
	return nil
}

func (f *fakeSender) snapshot() (int, []sent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]sent(nil), f.sent...)
}

func startQueue(t *testing.T, q *Queue) {
	t.Helper()
	q.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		q.Stop(ctx)
	})
}

func TestSendDeliversChunksInOrder(t *testing.T) {
	s := &fakeSender{}
	q := New(Config{MaxMessageLen: 20, DrainInterval: 5 * time.Millisecond}, s, logx.Nop(), nil)
	startQueue(t, q)

	text := strings.Repeat("word ", 12)
	require.NoError(t, q.Send(context.Background(), "#alpha", text))

	require.Eventually(t, func() bool {
		_, got := s.snapshot()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)

	_, got := s.snapshot()
	var joined strings.Builder
	for _, m := range got {
		require.Equal(t, "#alpha", m.dest)
		joined.WriteString(m.text)
	}
	require.Equal(t, text, joined.String())
}

func TestSendDropsChunksPastMax(t *testing.T) {
	var buf bytes.Buffer
	s := &fakeSender{}
	q := New(Config{MaxMessageLen: 10, MaxChunks: 2, DrainInterval: 5 * time.Millisecond}, s, logx.NewWriter(&buf, "debug"), nil)
	startQueue(t, q)

	require.NoError(t, q.Send(context.Background(), "#alpha", strings.Repeat("x", 35)))
	require.Eventually(t, func() bool {
		_, got := s.snapshot()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	_, got := s.snapshot()
	require.Len(t, got, 2)
	require.Contains(t, buf.String(), "dropping extra chunks")
}

func TestSendImmediateRetriesThenDrops(t *testing.T) {
	var buf bytes.Buffer
	s := &fakeSender{fail: errors.New("socket closed")}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	q := New(Config{MaxRetries: 3, RetryDelay: time.Millisecond}, s, logx.NewWriter(&buf, "info"), bus)
	require.False(t, q.SendImmediate(context.Background(), "#alpha", "hi"))

	calls, _ := s.snapshot()
	require.Equal(t, 3, calls)
	require.Equal(t, 1, strings.Count(buf.String(), "outbound message dropped"))

	var retried int
	for done := false; !done; {
		select {
		case ev := <-events:
			switch ev.Type {
			case eventbus.DispatchRetried:
				retried++
			case eventbus.DispatchDropped:
				require.Equal(t, 3, ev.Data.(eventbus.DispatchData).Attempts)
				done = true
			}
		case <-time.After(time.Second):
			t.Fatal("no drop event")
		}
	}
	require.Equal(t, 2, retried)
}

func TestSendImmediateSucceeds(t *testing.T) {
	s := &fakeSender{}
	q := New(Config{}, s, logx.Nop(), nil)
	require.True(t, q.SendImmediate(context.Background(), "#alpha", "hi"))
	calls, _ := s.snapshot()
	require.Equal(t, 1, calls)
}

func TestSendDelayedWaitsForNotBefore(t *testing.T) {
	s := &fakeSender{}
	q := New(Config{DrainInterval: 10 * time.Millisecond}, s, logx.Nop(), nil)
	startQueue(t, q)

	start := time.Now()
	require.NoError(t, q.SendDelayed(context.Background(), "#alpha", "later", 100*time.Millisecond))

	time.Sleep(50 * time.Millisecond)
	_, got := s.snapshot()
	require.Empty(t, got)

	require.Eventually(t, func() bool {
		_, got := s.snapshot()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	_, got = s.snapshot()
	require.GreaterOrEqual(t, got[0].at.Sub(start), 100*time.Millisecond)
}

func TestSplitDueKeepsOrder(t *testing.T) {
	now := time.Unix(1000, 0)
	pending := []PendingMessage{
		{ID: "1", NotBefore: now.Add(-time.Second)},
		{ID: "2", NotBefore: now.Add(time.Second)},
		{ID: "3", NotBefore: now},
		{ID: "4", NotBefore: now.Add(2 * time.Second)},
	}
	due, rest := splitDue(pending, now)
	require.Equal(t, []string{"1", "3"}, ids(due))
	require.Equal(t, []string{"2", "4"}, ids(rest))
}

func ids(ms []PendingMessage) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.ID)
	}
	return out
}

func TestSendAfterStopFails(t *testing.T) {
	s := &fakeSender{}
	q := New(Config{}, s, logx.Nop(), nil)
	require.ErrorIs(t, q.Send(context.Background(), "#alpha", "hi"), ErrStopped)

	q.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	q.Stop(ctx)
	require.ErrorIs(t, q.Send(context.Background(), "#alpha", "hi"), ErrStopped)
}

func TestStartTwicePanicsButRestartWorks(t *testing.T) {
	s := &fakeSender{}
	q := New(Config{DrainInterval: 5 * time.Millisecond}, s, logx.Nop(), nil)
	q.Start(context.Background())
	require.Panics(t, func() { q.Start(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	q.Stop(ctx)

	require.NotPanics(t, func() { q.Start(context.Background()) })
	defer q.Stop(ctx)
	require.NoError(t, q.Send(context.Background(), "#alpha", "back"))
	require.Eventually(t, func() bool {
		_, got := s.snapshot()
		return len(got) == 1 && got[0].text == "back"
	}, time.Second, 5*time.Millisecond)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	q := New(Config{QueueSize: 1, QueueTimeout: time.Second}, &fakeSender{}, logx.Nop(), bus, WithClock(clock))
	// Intake without a consumer so the buffer fills.
	q.intake = make(chan PendingMessage, 1)
	q.accepting = true

	require.NoError(t, q.Send(context.Background(), "#alpha", "one"))

	errc := make(chan error, 1)
	go func() { errc <- q.Send(context.Background(), "#alpha", "two") }()
	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(time.Second)

	require.ErrorIs(t, <-errc, ErrQueueFull)
	ev := <-events
	require.Equal(t, eventbus.DispatchRejected, ev.Type)
}
