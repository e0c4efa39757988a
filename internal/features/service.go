package features

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tradebridge/internal/broker"
)

// BarSource supplies recent bars for a symbol, typically the subscription
// registry's bar rings
type BarSource interface {
	RecentBars(symbol string, n int) []broker.Bar
}

// BookSource supplies an optional top-of-book snapshot. May return false
// when no depth subscription exists for the symbol.
type BookSource interface {
	BookSnapshot(symbol string) (BookSnapshot, bool)
}

// barWindow is how many bars the pipeline pulls per vector
const barWindow = 120

// Service is the feature pipeline entry point: cache lookup, then compute
// from buffered bars, then cache fill
type Service struct {
	bars   BarSource
	book   BookSource
	cache  *Cache
	logger zerolog.Logger
}

// NewService creates the pipeline. book and cache may be nil.
func NewService(bars BarSource, book BookSource, cache *Cache) *Service {
	return &Service{
		bars:   bars,
		book:   book,
		cache:  cache,
		logger: log.With().Str("component", "features").Logger(),
	}
}

// Vector computes (or recalls) the feature vector for a symbol. The vector
// is keyed by the last buffered bar's timestamp, so repeated calls between
// bar arrivals are cache hits.
func (s *Service) Vector(ctx context.Context, symbol string) (Vector, error) {
	start := time.Now()
	bars := s.bars.RecentBars(symbol, barWindow)
	if len(bars) > 0 {
		if vec, ok := s.cache.Get(ctx, symbol, bars[len(bars)-1].Time); ok {
			s.logger.Debug().Str("symbol", symbol).Msg("Feature cache hit")
			return vec, nil
		}
	}

	var book BookSnapshot
	if s.book != nil {
		if snap, ok := s.book.BookSnapshot(symbol); ok {
			book = snap
		}
	}

	vec, err := Compute(symbol, bars, book)
	if err != nil {
		return Vector{}, err
	}
	s.cache.Set(ctx, vec)

	s.logger.Debug().
		Str("symbol", symbol).
		Dur("elapsed", time.Since(start)).
		Int("bars", len(bars)).
		Msg("Feature vector built")
	return vec, nil
}
