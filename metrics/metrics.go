package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// InboxActivities counts processed inbound activities by type and
	// outcome (accepted, rejected, failed, duplicate).
	InboxActivities = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mammut_inbox_activities_total",
		Help: "Inbound activities processed, by activity type and outcome.",
	}, []string{"type", "outcome"})

	// Deliveries counts outbound delivery attempts by outcome
	// (delivered, retried, abandoned).
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mammut_deliveries_total",
		Help: "Outbound delivery attempts, by outcome.",
	}, []string{"outcome"})

	// DeliveryQueueDepth tracks the number of jobs waiting in the
	// delivery queue.
	DeliveryQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mammut_delivery_queue_depth",
		Help: "Delivery jobs currently queued.",
	})

	// ActorFetches counts remote actor document fetches by outcome.
	ActorFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mammut_actor_fetches_total",
		Help: "Remote actor fetches, by outcome.",
	}, []string{"outcome"})
)

// Handler exposes the prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
