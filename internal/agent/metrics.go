package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradebridge_agent_actions_total",
		Help: "Dispatched agent actions by outcome",
	}, []string{"action", "outcome"})

	actionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradebridge_agent_action_duration_seconds",
		Help:    "Agent action handler latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})
)
