package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "motionforge",
		Subsystem: "relay",
		Name:      "events_published_total",
		Help:      "Session events published, by event type.",
	}, []string{"type"})

	openStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "motionforge",
		Subsystem: "relay",
		Name:      "open_streams",
		Help:      "Session streams held by this instance.",
	})

	activeSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "motionforge",
		Subsystem: "relay",
		Name:      "active_subscribers",
		Help:      "SSE subscribers currently following a session.",
	})
)
