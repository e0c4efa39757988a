package features

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebridge/internal/broker"
)

// syntheticBars builds a deterministic bar series around a base price
func syntheticBars(n int, base float64) []broker.Bar {
	bars := make([]broker.Bar, n)
	start := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	for i := range bars {
		// Small deterministic oscillation plus drift.
		px := base + float64(i)*0.05 + 0.3*math.Sin(float64(i)/3)
		bars[i] = broker.Bar{
			Time:   start.Add(time.Duration(i) * time.Minute),
			Open:   px - 0.1,
			High:   px + 0.2,
			Low:    px - 0.2,
			Close:  px,
			Volume: 10_000 + float64(i%5)*500,
		}
	}
	return bars
}

func TestComputeDeterministic(t *testing.T) {
	bars := syntheticBars(60, 150)

	first, err := Compute("AAPL", bars, BookSnapshot{})
	require.NoError(t, err)
	second, err := Compute("AAPL", bars, BookSnapshot{})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "AAPL", first.Symbol)
	assert.Equal(t, bars[len(bars)-1].Time, first.Timestamp)
}

func TestComputeRejectsShortHistory(t *testing.T) {
	_, err := Compute("AAPL", syntheticBars(5, 150), BookSnapshot{})
	assert.Error(t, err)
}

func TestComputeCoreFeatures(t *testing.T) {
	bars := syntheticBars(60, 150)
	vec, err := Compute("AAPL", bars, BookSnapshot{})
	require.NoError(t, err)

	for _, key := range []string{"close", "atr", "vwap_dev", "rvol", "gap_pct", "ema", "rsi", "real_vol"} {
		assert.Contains(t, vec.Values, key, "missing feature %s", key)
	}
	assert.Greater(t, vec.Values["atr"], 0.0)
	assert.Greater(t, vec.Values["rvol"], 0.0)
	// No book snapshot, so flow features are omitted.
	assert.NotContains(t, vec.Values, "obi")
	assert.NotContains(t, vec.Values, "vpin")
}

func TestComputeFlowFeatures(t *testing.T) {
	vec, err := Compute("AAPL", syntheticBars(60, 150), BookSnapshot{
		BidVolume:  600,
		AskVolume:  400,
		BuyVolume:  7_000,
		SellVolume: 3_000,
	})
	require.NoError(t, err)

	assert.InDelta(t, 0.2, vec.Values["obi"], 0.0001)
	assert.InDelta(t, 0.4, vec.Values["vpin"], 0.0001)
}

func TestGapPct(t *testing.T) {
	bars := syntheticBars(30, 100)
	bars[len(bars)-1].Open = bars[len(bars)-2].Close * 1.03

	vec, err := Compute("AAPL", bars, BookSnapshot{})
	require.NoError(t, err)
	assert.InDelta(t, 0.03, vec.Values["gap_pct"], 0.0001)
}

func TestVectorKeysSorted(t *testing.T) {
	vec := Vector{Values: map[string]float64{"rsi": 1, "atr": 2, "close": 3}}
	assert.Equal(t, []string{"atr", "close", "rsi"}, vec.Keys())
}

func TestClassifyRegime(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]float64
		want   string
	}{
		{"volatile wins", map[string]float64{"real_vol": 0.05, "atr": 1, "close": 100, "ema": 110}, RegimeVolatile},
		{"trending", map[string]float64{"real_vol": 0.005, "atr": 1, "close": 102, "ema": 100, "rsi": 65}, RegimeTrending},
		{"chop", map[string]float64{"real_vol": 0.005, "atr": 2, "close": 100.2, "ema": 100, "rsi": 50}, RegimeChop},
		{"low vol", map[string]float64{"real_vol": 0.001, "atr": 1, "close": 101, "ema": 100, "rsi": 60}, RegimeLow},
		{"high vol", map[string]float64{"real_vol": 0.015, "atr": 1, "close": 101, "ema": 100, "rsi": 60}, RegimeHigh},
		{"normal", map[string]float64{"real_vol": 0.005, "atr": 1, "close": 101, "ema": 100, "rsi": 60}, RegimeNormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyRegime(tt.values))
		})
	}
}

type sliceBars struct {
	bars []broker.Bar
}

func (s *sliceBars) RecentBars(symbol string, n int) []broker.Bar {
	if n > len(s.bars) {
		n = len(s.bars)
	}
	return s.bars[len(s.bars)-n:]
}

func TestServiceCachesBySymbolAndBarTime(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewCache(client, time.Minute)
	source := &sliceBars{bars: syntheticBars(60, 150)}
	svc := NewService(source, nil, cache)

	first, err := svc.Vector(context.Background(), "AAPL")
	require.NoError(t, err)

	// Same bars: served from cache, identical vector.
	second, err := svc.Vector(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// A new bar moves the cache key and the timestamp.
	lastBar := source.bars[len(source.bars)-1]
	source.bars = append(source.bars, broker.Bar{
		Time: lastBar.Time.Add(time.Minute), Open: 153, High: 153.5, Low: 152.5, Close: 153, Volume: 12_000,
	})
	third, err := svc.Vector(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, third.Timestamp.After(first.Timestamp))
}

func TestNilCacheIsMiss(t *testing.T) {
	var cache *Cache
	_, ok := cache.Get(context.Background(), "AAPL", time.Now())
	assert.False(t, ok)
	cache.Set(context.Background(), Vector{Symbol: "AAPL"}) // must not panic
}
