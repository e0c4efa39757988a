package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Health gauges: 1 healthy, 0 down.
	bridgeUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradebridge_bridge_up",
		Help: "Bridge process health (1 = healthy)",
	})

	brokerUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradebridge_broker_up",
		Help: "Broker gateway session health (1 = connected)",
	})

	tunnelUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradebridge_tunnel_up",
		Help: "Tunnel reachability (1 = reachable)",
	})

	endToEndUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradebridge_end_to_end_up",
		Help: "Intersection of all health signals (1 = fully available)",
	})

	outagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradebridge_outages_total",
		Help: "Number of detected end-to-end outages",
	})

	samplesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradebridge_availability_samples_total",
		Help: "Number of availability samples recorded",
	})
)

func boolToGauge(g prometheus.Gauge, ok bool) {
	if ok {
		g.Set(1)
	} else {
		g.Set(0)
	}
}
