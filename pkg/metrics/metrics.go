package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersRouted counts routed orders by final outcome (filled/failed)
var OrdersRouted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "riskgate_orders_routed_total",
		Help: "Total number of orders processed by the smart order router",
	},
	[]string{"outcome"},
)

// PositionsRejected counts risk-engine rejections by violated limit
var PositionsRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "riskgate_positions_rejected_total",
		Help: "Total number of positions rejected by the risk engine",
	},
	[]string{"limit"},
)

// FlowsRejected counts capital-flow rejections by window
var FlowsRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "riskgate_flows_rejected_total",
		Help: "Total number of capital flows rejected by the flow limiter",
	},
	[]string{"window"},
)

// Venue health metrics
var (
	VenueTrustScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "riskgate_venue_trust_score",
			Help: "Current trust score per execution venue",
		},
		[]string{"venue"},
	)

	VenueRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskgate_venue_retries_total",
			Help: "Total order retries per venue",
		},
		[]string{"venue"},
	)
)

// Execution algorithm metrics
var (
	DetectionRisk = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "riskgate_iceberg_detection_risk",
			Help: "Detection risk score per active parent order",
		},
		[]string{"order_id"},
	)

	ClipsPlaced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "riskgate_iceberg_clips_placed_total",
			Help: "Total iceberg clips placed across all parent orders",
		},
	)
)

// DeadmanTriggers counts dead-man's-switch activations by switch name
var DeadmanTriggers = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "riskgate_deadman_triggers_total",
		Help: "Total dead-man's-switch trigger events",
	},
	[]string{"name"},
)

func init() {
	prometheus.MustRegister(OrdersRouted, PositionsRejected, FlowsRejected)
	prometheus.MustRegister(VenueTrustScore, VenueRetries)
	prometheus.MustRegister(DetectionRisk, ClipsPlaced)
	prometheus.MustRegister(DeadmanTriggers)
}
