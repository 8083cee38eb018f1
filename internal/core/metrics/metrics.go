package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_mutations_total",
			Help: "Mutations handled by the fleet store, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	pushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_client_pushes_total",
			Help: "Client pushes by kind and result (applied, queued, dropped, denied)",
		},
		[]string{"kind", "result"},
	)

	outboxDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_outbox_depth",
			Help: "Mutations waiting in the offline durability queue",
		},
	)

	outboxReplayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_outbox_replayed_total",
			Help: "Outbox entries replayed, by result",
		},
		[]string{"result"},
	)

	agentsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_agents_active",
			Help: "Agents inside the visibility threshold",
		},
	)

	agentsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_agents_by_status",
			Help: "Visible agents by status",
		},
		[]string{"status"},
	)

	feedSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_feed_subscribers",
			Help: "Connected live feed subscribers",
		},
	)

	tripsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_trips_closed_total",
			Help: "Trip summaries closed, by final status",
		},
		[]string{"status"},
	)
)

func RecordMutation(kind, outcome string) {
	mutationsTotal.WithLabelValues(kind, outcome).Inc()
}

func RecordPush(kind, result string) {
	pushesTotal.WithLabelValues(kind, result).Inc()
}

func SetOutboxDepth(n int) {
	outboxDepth.Set(float64(n))
}

func RecordReplay(result string) {
	outboxReplayed.WithLabelValues(result).Inc()
}

func SetActiveAgents(count int) {
	agentsActive.Set(float64(count))
}

func SetAgentsByStatus(counts map[string]int) {
	agentsByStatus.Reset()
	for status, n := range counts {
		agentsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

func AddFeedSubscribers(delta int) {
	feedSubscribers.Add(float64(delta))
}

func RecordTripClosed(status string) {
	tripsClosed.WithLabelValues(status).Inc()
}
