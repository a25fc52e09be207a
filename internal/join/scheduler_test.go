package join

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"presencebot/internal/registry"
	logx "presencebot/pkg/logx"
)

type fakeRegistry struct{ chans []registry.Channel }

func (f fakeRegistry) ListChannels(context.Context) ([]registry.Channel, error) { return f.chans, nil }

type recorder struct {
	mu     sync.Mutex
	events []Event
	gate   chan struct{}
}

func (r *recorder) OnJoinEvent(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if r.gate != nil && ev.Kind == EventWave {
		<-r.gate
	}
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func channels(n int, disabled ...int) []registry.Channel {
	off := map[int]bool{}
	for _, i := range disabled {
		off[i] = true
	}
	out := make([]registry.Channel, n)
	for i := range out {
		out[i] = registry.Channel{Handle: fmt.Sprintf("Chan%03d", i), Enabled: !off[i]}
	}
	return out
}

func newScheduler(reg Registry, cfg Config, opts ...Option) (*Scheduler, *recorder) {
	opts = append([]Option{WithRand(rand.New(rand.NewPCG(1, 2)))}, opts...)
	s := New(cfg, reg, logx.Nop(), opts...)
	rec := &recorder{}
	s.SetListener(rec)
	return s, rec
}

func TestJoinScenario250Channels(t *testing.T) {
	s, rec := newScheduler(fakeRegistry{chans: channels(250, 137)}, Config{WaveSize: 100})
	s.JoinChannels(context.Background())
	s.Wait()

	events := rec.snapshot()
	require.Len(t, events, 4)
	sizes := []int{len(events[0].Channels), len(events[1].Channels), len(events[2].Channels)}
	require.Equal(t, []int{99, 99, 51}, sizes)

	seen := map[string]int{}
	for _, ev := range events[:3] {
		require.Equal(t, EventWave, ev.Kind)
		for _, h := range ev.Channels {
			seen[h]++
		}
	}
	require.Len(t, seen, 249)
	require.NotContains(t, seen, "Chan137")

	fin := events[3]
	require.Equal(t, EventFinished, fin.Kind)
	require.Len(t, fin.Channels, 249)
	for _, h := range fin.Channels {
		require.Equal(t, 1, seen[h], h)
	}
	require.False(t, s.Running())
}

func TestJoinWaveCountProperty(t *testing.T) {
	for _, tc := range []struct{ n, w int }{{0, 20}, {1, 20}, {19, 20}, {20, 20}, {38, 20}, {39, 20}, {7, 2}, {1000, 2000}} {
		t.Run(fmt.Sprintf("n=%d,w=%d", tc.n, tc.w), func(t *testing.T) {
			s, rec := newScheduler(fakeRegistry{chans: channels(tc.n)}, Config{WaveSize: tc.w})
			s.JoinChannels(context.Background())
			s.Wait()

			events := rec.snapshot()
			want := (tc.n + tc.w - 2) / (tc.w - 1)
			require.Len(t, events, want+1)

			union := map[string]struct{}{}
			for _, ev := range events[:want] {
				require.Equal(t, EventWave, ev.Kind)
				require.LessOrEqual(t, len(ev.Channels), tc.w-1)
				for _, h := range ev.Channels {
					_, dup := union[h]
					require.False(t, dup, "duplicate %s", h)
					union[h] = struct{}{}
				}
			}
			require.Len(t, union, tc.n)
			require.Equal(t, EventFinished, events[want].Kind)
		})
	}
}

func TestJoinDeduplicatesAndSortsCaseInsensitively(t *testing.T) {
	reg := fakeRegistry{chans: []registry.Channel{
		{Handle: "bravo", Enabled: true},
		{Handle: "Alpha", Enabled: true},
		{Handle: "alpha", Enabled: true},
		{Handle: "charlie", Enabled: true},
	}}
	s, rec := newScheduler(reg, Config{WaveSize: 20})
	s.JoinChannels(context.Background())
	s.Wait()

	events := rec.snapshot()
	require.Len(t, events, 2)
	require.Equal(t, []string{"Alpha", "bravo", "charlie"}, events[1].Channels)
}

func TestJoinSecondCallIsNoop(t *testing.T) {
	s, rec := newScheduler(fakeRegistry{chans: channels(10)}, Config{WaveSize: 4})
	rec.gate = make(chan struct{})

	require.True(t, s.JoinChannels(context.Background()))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)
	require.False(t, s.JoinChannels(context.Background()))
	require.False(t, s.JoinChannels(context.Background()))
	close(rec.gate)
	s.Wait()

	events := rec.snapshot()
	// 10 channels, 3 per wave: 4 waves + finished, from the first call only.
	require.Len(t, events, 5)

	// Flag cleared: a later call runs again.
	s.JoinChannels(context.Background())
	s.Wait()
	require.Len(t, rec.snapshot(), 10)
}

func TestJoinIdleFuncRunsAfterFlagCleared(t *testing.T) {
	var (
		s       *Scheduler
		mu      sync.Mutex
		idle    int
		running []bool
	)
	s, rec := newScheduler(fakeRegistry{chans: channels(5)}, Config{WaveSize: 4}, WithIdleFunc(func(ctx context.Context) {
		mu.Lock()
		idle++
		n := idle
		running = append(running, s.Running())
		mu.Unlock()
		if n == 1 && !s.JoinChannels(ctx) {
			t.Error("idle hook could not restart the join")
		}
	}))

	require.True(t, s.JoinChannels(context.Background()))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return idle == 2
	}, time.Second, time.Millisecond)
	s.Wait()

	mu.Lock()
	require.Equal(t, []bool{false, false}, running)
	mu.Unlock()
	// 5 channels, 3 per wave: 2 waves + finished, twice.
	require.Len(t, rec.snapshot(), 6)
}

func TestJoinWithoutListenerPanics(t *testing.T) {
	s := New(Config{WaveSize: 20}, fakeRegistry{}, logx.Nop())
	require.Panics(t, func() { s.JoinChannels(context.Background()) })
}

func TestJoinSleepsBetweenWaves(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s, rec := newScheduler(fakeRegistry{chans: channels(6)}, Config{WaveSize: 4, Interval: 11 * time.Second}, WithClock(clock))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.JoinChannels(ctx)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	require.Len(t, rec.snapshot(), 1)

	clock.Advance(10 * time.Second)
	require.Len(t, rec.snapshot(), 1)
	clock.Advance(time.Second)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	require.Len(t, rec.snapshot(), 2)
	clock.Advance(11 * time.Second)
	s.Wait()

	events := rec.snapshot()
	require.Len(t, events, 3)
	require.Equal(t, EventFinished, events[2].Kind)
}

func TestJoinLogsDisabledChannels(t *testing.T) {
	var buf bytes.Buffer
	reg := fakeRegistry{chans: []registry.Channel{{Handle: "on", Enabled: true}, {Handle: "off"}}}
	s := New(Config{WaveSize: 20}, reg, logx.NewWriter(&buf, "debug"))
	s.SetListener(ListenerFunc(func(context.Context, Event) {}))
	s.JoinChannels(context.Background())
	s.Wait()

	require.Equal(t, 1, strings.Count(buf.String(), `"channel disabled; skipping"`))
	require.Contains(t, buf.String(), `"channel":"off"`)
}
