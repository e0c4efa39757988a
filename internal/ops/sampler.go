// Package ops is the availability sampler: a periodic self-health probe
// whose samples feed SLA reporting and outage detection.
package ops

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tradebridge/internal/config"
)

// Sample is one health observation across the three monitored signals
type Sample struct {
	Time     time.Time `json:"time" db:"time"`
	Bridge   bool      `json:"bridge" db:"bridge"`
	Broker   bool      `json:"broker" db:"broker"`
	Tunnel   bool      `json:"tunnel" db:"tunnel"`
	EndToEnd bool      `json:"end_to_end" db:"end_to_end"`
}

// Outage is one detected contiguous run of end_to_end=false
type Outage struct {
	Start      time.Time `json:"start" db:"start"`
	End        time.Time `json:"end" db:"end"`
	DurationS  int64     `json:"duration_s" db:"duration_s"`
	Components string    `json:"components" db:"components"` // comma-joined affected signals
}

// Prober answers the three health questions. Bridge is usually a self
// check (always true while the process runs), broker reflects the gateway
// session, tunnel pings the reverse proxy.
type Prober interface {
	ProbeBridge(ctx context.Context) bool
	ProbeBroker(ctx context.Context) bool
	ProbeTunnel(ctx context.Context) bool
}

// Repo persists samples and outages
type Repo interface {
	SaveSample(ctx context.Context, s Sample) error
	SamplesSince(ctx context.Context, from time.Time) ([]Sample, error)
	PruneSamplesBefore(ctx context.Context, cutoff time.Time) error
	SaveOutage(ctx context.Context, o Outage) error
	OutagesSince(ctx context.Context, from time.Time) ([]Outage, error)
}

// Sampler probes on an interval, persists each sample, and tracks outage
// runs online
type Sampler struct {
	prober    Prober
	repo      Repo
	interval  time.Duration
	retention time.Duration
	outageMin time.Duration
	logger    zerolog.Logger
	now       func() time.Time

	downSince  time.Time
	downComps  map[string]bool
	inOutage   bool
}

// NewSampler creates the availability sampler from config
func NewSampler(cfg config.OpsConfig, prober Prober, repo Repo) *Sampler {
	interval := time.Duration(cfg.SampleIntervalSec) * time.Second
	if interval == 0 {
		interval = 30 * time.Second
	}
	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	if retention == 0 {
		retention = 90 * 24 * time.Hour
	}
	outageMin := time.Duration(cfg.OutageMinSec) * time.Second
	if outageMin == 0 {
		outageMin = 60 * time.Second
	}
	return &Sampler{
		prober:    prober,
		repo:      repo,
		interval:  interval,
		retention: retention,
		outageMin: outageMin,
		logger:    log.With().Str("component", "ops").Logger(),
		now:       time.Now,
		downComps: make(map[string]bool),
	}
}

// SetClock overrides the sampler clock (tests)
func (s *Sampler) SetClock(now func() time.Time) { s.now = now }

// Run samples until the context is cancelled, pruning old rows hourly
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	prune := time.NewTicker(time.Hour)
	defer prune.Stop()

	s.SampleOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SampleOnce(ctx)
		case <-prune.C:
			if err := s.repo.PruneSamplesBefore(ctx, s.now().Add(-s.retention)); err != nil {
				s.logger.Error().Err(err).Msg("Failed to prune availability samples")
			}
		}
	}
}

// SampleOnce takes and persists a single sample, advancing outage state
func (s *Sampler) SampleOnce(ctx context.Context) Sample {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	sample := Sample{
		Time:   s.now().UTC(),
		Bridge: s.prober.ProbeBridge(probeCtx),
		Broker: s.prober.ProbeBroker(probeCtx),
		Tunnel: s.prober.ProbeTunnel(probeCtx),
	}
	sample.EndToEnd = sample.Bridge && sample.Broker && sample.Tunnel

	boolToGauge(bridgeUp, sample.Bridge)
	boolToGauge(brokerUp, sample.Broker)
	boolToGauge(tunnelUp, sample.Tunnel)
	boolToGauge(endToEndUp, sample.EndToEnd)
	samplesTotal.Inc()

	if err := s.repo.SaveSample(ctx, sample); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist availability sample")
	}
	s.advanceOutage(ctx, sample)
	return sample
}

// advanceOutage tracks contiguous end_to_end=false runs. An outage is
// recorded once the run recovers, provided it lasted at least outageMin.
func (s *Sampler) advanceOutage(ctx context.Context, sample Sample) {
	if !sample.EndToEnd {
		if !s.inOutage {
			s.inOutage = true
			s.downSince = sample.Time
			s.downComps = make(map[string]bool)
		}
		if !sample.Bridge {
			s.downComps["bridge"] = true
		}
		if !sample.Broker {
			s.downComps["broker"] = true
		}
		if !sample.Tunnel {
			s.downComps["tunnel"] = true
		}
		return
	}

	if !s.inOutage {
		return
	}
	s.inOutage = false

	duration := sample.Time.Sub(s.downSince)
	if duration < s.outageMin {
		s.logger.Debug().Dur("duration", duration).Msg("Blip below outage threshold, not recorded")
		return
	}

	outage := Outage{
		Start:      s.downSince,
		End:        sample.Time,
		DurationS:  int64(duration.Seconds()),
		Components: joinComponents(s.downComps),
	}
	outagesTotal.Inc()
	if err := s.repo.SaveOutage(ctx, outage); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist outage")
		return
	}
	s.logger.Warn().
		Time("start", outage.Start).
		Time("end", outage.End).
		Int64("duration_s", outage.DurationS).
		Str("components", outage.Components).
		Msg("Outage recorded")
}

func joinComponents(set map[string]bool) string {
	// Fixed order keeps the column stable.
	out := ""
	for _, name := range []string{"bridge", "broker", "tunnel"} {
		if set[name] {
			if out != "" {
				out += ","
			}
			out += name
		}
	}
	return out
}
