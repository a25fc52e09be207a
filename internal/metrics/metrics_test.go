package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"presencebot/internal/eventbus"
)

func TestObserveDispatch(t *testing.T) {
	sent := testutil.ToFloat64(DispatchMessagesTotal.WithLabelValues("sent"))
	dropped := testutil.ToFloat64(DispatchMessagesTotal.WithLabelValues("dropped"))
	retries := testutil.ToFloat64(DispatchRetriesTotal)

	Observe(eventbus.Event{Type: eventbus.DispatchSent, Data: eventbus.DispatchData{Attempts: 1}})
	Observe(eventbus.Event{Type: eventbus.DispatchRetried, Data: eventbus.DispatchData{Attempts: 1}})
	Observe(eventbus.Event{Type: eventbus.DispatchDropped, Data: eventbus.DispatchData{Attempts: 3}})

	require.Equal(t, sent+1, testutil.ToFloat64(DispatchMessagesTotal.WithLabelValues("sent")))
	require.Equal(t, dropped+1, testutil.ToFloat64(DispatchMessagesTotal.WithLabelValues("dropped")))
	require.Equal(t, retries+1, testutil.ToFloat64(DispatchRetriesTotal))
}

func TestRunConsumesBus(t *testing.T) {
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(ctx, bus)
	}()

	suppressed := testutil.ToFloat64(PubSubReconnectsTotal.WithLabelValues("suppressed"))
	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.JoinFinished, Data: eventbus.JoinData{Channels: 349}})
		return testutil.ToFloat64(JoinedChannels) == 349
	}, time.Second, 5*time.Millisecond)

	bus.Publish(eventbus.Event{Type: eventbus.PubSubReconnect, Data: eventbus.RefreshData{Suppressed: true}})
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(PubSubReconnectsTotal.WithLabelValues("suppressed")) == suppressed+1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
