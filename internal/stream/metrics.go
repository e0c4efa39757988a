package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradebridge_stream_published_total",
		Help: "Messages published to the outbound stream",
	}, []string{"channel"})

	droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradebridge_stream_dropped_total",
		Help: "Messages dropped for slow subscribers or a full queue",
	}, []string{"channel"})
)
