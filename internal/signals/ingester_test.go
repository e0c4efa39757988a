package signals

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebridge/internal/config"
	"tradebridge/internal/eventlog"
)

type recordingAppender struct {
	events []interface{}
}

func (r *recordingAppender) Append(ctx context.Context, payload interface{}) (eventlog.Event, error) {
	r.events = append(r.events, payload)
	return eventlog.Event{Seq: int64(len(r.events))}, nil
}

type recordingEvaluator struct {
	signals []Signal
}

func (r *recordingEvaluator) EvaluateSignal(ctx context.Context, sig Signal) {
	r.signals = append(r.signals, sig)
}

func alert() Signal {
	return Signal{Source: "scanner", Symbol: "aapl", Direction: "long", Price: 150.25}
}

func TestIngestAcceptsAndAppends(t *testing.T) {
	rec := &recordingAppender{}
	ing := NewIngester(config.SignalsConfig{DedupWindowSec: 60}, rec, nil, nil)

	sig, err := ing.Ingest(context.Background(), alert())
	require.NoError(t, err)

	assert.NotEmpty(t, sig.ID)
	assert.Equal(t, "AAPL", sig.Symbol)
	require.Len(t, rec.events, 1)
	received, ok := rec.events[0].(eventlog.SignalReceived)
	require.True(t, ok)
	assert.Equal(t, sig.ID, received.SignalID)
	assert.Equal(t, "AAPL", received.Symbol)
}

func TestIngestDedupWindow(t *testing.T) {
	rec := &recordingAppender{}
	ing := NewIngester(config.SignalsConfig{DedupWindowSec: 60}, rec, nil, nil)

	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	ing.SetClock(func() time.Time { return now })

	_, err := ing.Ingest(context.Background(), alert())
	require.NoError(t, err)

	// Same symbol/direction/source inside the window is suppressed.
	now = now.Add(30 * time.Second)
	_, err = ing.Ingest(context.Background(), alert())
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Len(t, rec.events, 1)

	// A different direction is not a duplicate.
	short := alert()
	short.Direction = "short"
	_, err = ing.Ingest(context.Background(), short)
	require.NoError(t, err)

	// Past the window the original key is accepted again.
	now = now.Add(61 * time.Second)
	_, err = ing.Ingest(context.Background(), alert())
	require.NoError(t, err)
	assert.Len(t, rec.events, 3)
}

func TestIngestValidation(t *testing.T) {
	ing := NewIngester(config.SignalsConfig{}, &recordingAppender{}, nil, nil)

	_, err := ing.Ingest(context.Background(), Signal{Direction: "long"})
	assert.Error(t, err)

	_, err = ing.Ingest(context.Background(), Signal{Symbol: "AAPL", Direction: "sideways"})
	assert.Error(t, err)
}

func TestIngestAutoEvaluation(t *testing.T) {
	eval := &recordingEvaluator{}
	ing := NewIngester(config.SignalsConfig{DedupWindowSec: 60, AutoEvaluate: true}, &recordingAppender{}, nil, eval)

	sig, err := ing.Ingest(context.Background(), alert())
	require.NoError(t, err)

	require.Len(t, eval.signals, 1)
	assert.Equal(t, sig.ID, eval.signals[0].ID)
}

func TestIngestAutoEvaluationDisabled(t *testing.T) {
	eval := &recordingEvaluator{}
	ing := NewIngester(config.SignalsConfig{DedupWindowSec: 60, AutoEvaluate: false}, &recordingAppender{}, nil, eval)

	_, err := ing.Ingest(context.Background(), alert())
	require.NoError(t, err)
	assert.Empty(t, eval.signals)
}
