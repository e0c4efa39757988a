package ops

import (
	"context"
	"time"
)

// Window labels for the SLA report
var slaWindows = []struct {
	Label string
	Span  time.Duration
}{
	{"1h", time.Hour},
	{"24h", 24 * time.Hour},
	{"7d", 7 * 24 * time.Hour},
	{"30d", 30 * 24 * time.Hour},
}

// WindowSLA is availability per signal over one window, in percent
type WindowSLA struct {
	Window   string  `json:"window"`
	Samples  int     `json:"samples"`
	Bridge   float64 `json:"bridge_pct"`
	Broker   float64 `json:"broker_pct"`
	Tunnel   float64 `json:"tunnel_pct"`
	EndToEnd float64 `json:"end_to_end_pct"`
}

// Report is the full SLA answer: per-window percentages plus recent
// outages
type Report struct {
	Windows []WindowSLA `json:"windows"`
	Outages []Outage    `json:"outages"`
}

// SLAReport computes (count_ok / count_samples) x 100 per signal over the
// standard windows, plus outages in the widest window
func (s *Sampler) SLAReport(ctx context.Context) (Report, error) {
	now := s.now()
	report := Report{}

	for _, window := range slaWindows {
		samples, err := s.repo.SamplesSince(ctx, now.Add(-window.Span))
		if err != nil {
			return Report{}, err
		}
		report.Windows = append(report.Windows, computeWindow(window.Label, samples))
	}

	outages, err := s.repo.OutagesSince(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		return Report{}, err
	}
	report.Outages = outages
	return report, nil
}

func computeWindow(label string, samples []Sample) WindowSLA {
	sla := WindowSLA{Window: label, Samples: len(samples)}
	if len(samples) == 0 {
		// No data reads as fully available rather than a fake outage.
		sla.Bridge, sla.Broker, sla.Tunnel, sla.EndToEnd = 100, 100, 100, 100
		return sla
	}

	var bridge, broker, tunnel, e2e int
	for _, sample := range samples {
		if sample.Bridge {
			bridge++
		}
		if sample.Broker {
			broker++
		}
		if sample.Tunnel {
			tunnel++
		}
		if sample.EndToEnd {
			e2e++
		}
	}
	total := float64(len(samples))
	sla.Bridge = float64(bridge) / total * 100
	sla.Broker = float64(broker) / total * 100
	sla.Tunnel = float64(tunnel) / total * 100
	sla.EndToEnd = float64(e2e) / total * 100
	return sla
}
