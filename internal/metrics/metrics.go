// Package metrics exposes Prometheus collectors for the presence core.
//
// Components never touch these directly: Run subscribes to the event bus
// and translates lifecycle events into counter and gauge updates.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"presencebot/internal/eventbus"
)

// Join metrics
var (
	JoinWavesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presencebot_join_waves_total",
		Help: "Join waves emitted",
	})

	JoinChannelsRequested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presencebot_join_channels_requested_total",
		Help: "Channel joins requested across all waves",
	})

	// JoinedChannels is the channel count of the last finished join.
	JoinedChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presencebot_joined_channels",
		Help: "Channels in the last completed join",
	})
)

// Subscription metrics
var (
	PubSubRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presencebot_pubsub_refreshes_total",
		Help: "Subscription refresh cycles by kind (forced/expiring)",
	}, []string{"kind"})

	PubSubTopicsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presencebot_pubsub_topics_total",
		Help: "Topics handled by refresh cycles by outcome (added/evicted/skipped)",
	}, []string{"outcome"})

	PubSubReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presencebot_pubsub_reconnects_total",
		Help: "Reconnect rebuilds by result (rebuilt/suppressed)",
	}, []string{"result"})
)

// Dispatch metrics
var (
	DispatchMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presencebot_dispatch_messages_total",
		Help: "Outbound messages by final status (sent/dropped/rejected)",
	}, []string{"status"})

	DispatchRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presencebot_dispatch_retries_total",
		Help: "Outbound delivery retries",
	})

	DispatchAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "presencebot_dispatch_attempts",
		Help:    "Attempts used per delivered or dropped message",
		Buckets: []float64{1, 2, 3, 5, 8},
	})
)

// Run consumes bus events until ctx is done.
func Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			Observe(ev)
		}
	}
}

// Observe applies a single event.
func Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.JoinWave:
		JoinWavesTotal.Inc()
		if d, ok := ev.Data.(eventbus.JoinData); ok {
			JoinChannelsRequested.Add(float64(d.Channels))
		}
	case eventbus.JoinFinished:
		if d, ok := ev.Data.(eventbus.JoinData); ok {
			JoinedChannels.Set(float64(d.Channels))
		}

	case eventbus.PubSubRefreshed:
		d, ok := ev.Data.(eventbus.RefreshData)
		if !ok {
			return
		}
		kind := "expiring"
		if d.Forced {
			kind = "forced"
		}
		PubSubRefreshesTotal.WithLabelValues(kind).Inc()
		PubSubTopicsTotal.WithLabelValues("added").Add(float64(d.Added))
		PubSubTopicsTotal.WithLabelValues("evicted").Add(float64(d.Evicted))
		PubSubTopicsTotal.WithLabelValues("skipped").Add(float64(d.Skipped))
	case eventbus.PubSubReconnect:
		result := "rebuilt"
		if d, ok := ev.Data.(eventbus.RefreshData); ok && d.Suppressed {
			result = "suppressed"
		}
		PubSubReconnectsTotal.WithLabelValues(result).Inc()

	case eventbus.DispatchSent:
		DispatchMessagesTotal.WithLabelValues("sent").Inc()
		observeAttempts(ev)
	case eventbus.DispatchDropped:
		DispatchMessagesTotal.WithLabelValues("dropped").Inc()
		observeAttempts(ev)
	case eventbus.DispatchRejected:
		DispatchMessagesTotal.WithLabelValues("rejected").Inc()
	case eventbus.DispatchRetried:
		DispatchRetriesTotal.Inc()
	}
}

func observeAttempts(ev eventbus.Event) {
	if d, ok := ev.Data.(eventbus.DispatchData); ok && d.Attempts > 0 {
		DispatchAttempts.Observe(float64(d.Attempts))
	}
}
