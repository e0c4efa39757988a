package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"tradebridge/internal/ensemble"
	"tradebridge/internal/eventlog"
	"tradebridge/internal/exitplan"
	"tradebridge/internal/ops"
	"tradebridge/internal/projection"
	"tradebridge/internal/signals"
	"tradebridge/internal/weights"
)

// Store implements the persistence interfaces the domain packages declare
type Store struct {
	db *sqlx.DB
}

// New wraps an opened database
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// SaveOrder upserts an order read-model snapshot
func (s *Store) SaveOrder(ctx context.Context, o projection.OrderState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (order_id, symbol, side, original_qty, filled_qty, avg_price, status, correlation_id, oca_group, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			filled_qty = excluded.filled_qty,
			avg_price = excluded.avg_price,
			status = excluded.status,
			last_updated = excluded.last_updated`,
		o.OrderID, o.Symbol, string(o.Side), o.OriginalQty.String(), o.FilledQty.String(),
		o.AvgPrice.String(), string(o.Status), o.ParentID, o.OCAGroup, ts(o.LastUpdated),
	)
	if err != nil {
		return fmt.Errorf("save order %s: %w", o.OrderID, err)
	}
	return nil
}

// SaveExecution records a fill
func (s *Store) SaveExecution(ctx context.Context, e eventlog.ExecutionReceived) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO executions (exec_id, order_id, symbol, side, qty, price, time)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ExecID, e.OrderID, e.Symbol, string(e.Side), e.Shares.String(), e.Price.String(), ts(e.At),
	)
	if err != nil {
		return fmt.Errorf("save execution %s: %w", e.ExecID, err)
	}
	return nil
}

// SaveEvaluation persists an evaluation and its per-model outputs in one
// transaction. Either everything lands or nothing does.
func (s *Store) SaveEvaluation(ctx context.Context, result ensemble.Result) error {
	features, err := json.Marshal(result.Features)
	if err != nil {
		return fmt.Errorf("marshal features for %s: %w", result.EvaluationID, err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin evaluation tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO evaluations (evaluation_id, symbol, direction, features, score, confidence, should_trade, dispersion, regime, prompt_hash, blocked, block_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.EvaluationID, result.Symbol, result.Direction, string(features),
		result.Score, result.Confidence, result.ShouldTrade, result.Dispersion,
		result.Regime, result.PromptHash, result.Blocked, result.BlockReason, ts(result.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save evaluation %s: %w", result.EvaluationID, err)
	}

	for _, out := range result.Outputs {
		var shouldTrade interface{}
		if out.ShouldTrade != nil {
			shouldTrade = *out.ShouldTrade
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO model_outputs (evaluation_id, model, score, should_trade, confidence, reasoning, fail_reason, latency_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			result.EvaluationID, out.Model, out.Score, shouldTrade, out.Confidence,
			out.Reasoning, out.FailReason, out.LatencyMS,
		)
		if err != nil {
			return fmt.Errorf("save model output %s/%s: %w", result.EvaluationID, out.Model, err)
		}
	}
	return tx.Commit()
}

// EvaluationRow is the persisted evaluation summary
type EvaluationRow struct {
	EvaluationID string  `db:"evaluation_id" json:"evaluation_id"`
	Symbol       string  `db:"symbol" json:"symbol"`
	Direction    string  `db:"direction" json:"direction"`
	Score        float64 `db:"score" json:"score"`
	Confidence   float64 `db:"confidence" json:"confidence"`
	ShouldTrade  bool    `db:"should_trade" json:"should_trade"`
	Dispersion   float64 `db:"dispersion" json:"dispersion"`
	Regime       string  `db:"regime" json:"regime"`
	PromptHash   string  `db:"prompt_hash" json:"prompt_hash"`
	Blocked      bool    `db:"blocked" json:"blocked"`
	CreatedAt    string  `db:"created_at" json:"created_at"`
}

// RecentEvaluations returns the latest n evaluation summaries
func (s *Store) RecentEvaluations(ctx context.Context, n int) ([]EvaluationRow, error) {
	if n <= 0 {
		n = 20
	}
	var rows []EvaluationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT evaluation_id, symbol, direction, score, confidence, should_trade, dispersion, regime, prompt_hash, blocked, created_at
		FROM evaluations ORDER BY created_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	return rows, nil
}

// Evaluation loads one evaluation summary by id
func (s *Store) Evaluation(ctx context.Context, id string) (EvaluationRow, error) {
	var row EvaluationRow
	err := s.db.GetContext(ctx, &row, `
		SELECT evaluation_id, symbol, direction, score, confidence, should_trade, dispersion, regime, prompt_hash, blocked, created_at
		FROM evaluations WHERE evaluation_id = ?`, id)
	if err != nil {
		return EvaluationRow{}, fmt.Errorf("load evaluation %s: %w", id, err)
	}
	return row, nil
}

// ModelVote is one model's call on a persisted evaluation. ShouldTrade
// is nil when the model abstained or failed compliance.
type ModelVote struct {
	Model       string `db:"model"`
	ShouldTrade *bool  `db:"should_trade"`
	FailReason  string `db:"fail_reason"`
}

// ModelVotes loads the per-model calls for one evaluation, for outcome
// attribution
func (s *Store) ModelVotes(ctx context.Context, evaluationID string) ([]ModelVote, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT model, should_trade, COALESCE(fail_reason, '') AS fail_reason
		FROM model_outputs WHERE evaluation_id = ?`, evaluationID)
	if err != nil {
		return nil, fmt.Errorf("load model votes %s: %w", evaluationID, err)
	}
	defer rows.Close()

	var votes []ModelVote
	for rows.Next() {
		var v ModelVote
		if err := rows.StructScan(&v); err != nil {
			return nil, fmt.Errorf("scan model vote: %w", err)
		}
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

// SaveOutcome records a closed trade outcome
func (s *Store) SaveOutcome(ctx context.Context, o eventlog.OutcomeRecorded) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO outcomes (evaluation_id, symbol, direction, r_multiple, win, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		o.EvaluationID, o.Symbol, o.Direction, o.RMultiple, o.Win, ts(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save outcome %s: %w", o.EvaluationID, err)
	}
	return nil
}

// SaveExitPlan upserts the full plan document as JSON plus indexable columns
func (s *Store) SaveExitPlan(ctx context.Context, plan exitplan.Plan) error {
	doc, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal exit plan %s: %w", plan.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO exit_plans (plan_id, symbol, state, document, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(plan_id) DO UPDATE SET
			state = excluded.state,
			document = excluded.document,
			updated_at = excluded.updated_at`,
		plan.ID, plan.Symbol, string(plan.State), string(doc), ts(plan.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save exit plan %s: %w", plan.ID, err)
	}
	return nil
}

// SaveExitEvent appends one override log row
func (s *Store) SaveExitEvent(ctx context.Context, planID string, ov exitplan.Override) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exit_events (plan_id, field, old, new, reason, notes, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		planID, ov.Field, ov.Old, ov.New, ov.Reason, ov.Notes, ts(ov.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("save exit event for %s: %w", planID, err)
	}
	return nil
}

// JournalEntry is one trade journal row
type JournalEntry struct {
	ID        int64  `db:"id" json:"id"`
	Symbol    string `db:"symbol" json:"symbol,omitempty"`
	EntryType string `db:"entry_type" json:"entry_type"`
	Body      string `db:"body" json:"body"`
	Tags      string `db:"tags" json:"tags,omitempty"`
	CreatedAt string `db:"created_at" json:"created_at"`
}

// SaveJournalEntry appends a journal row and returns it with its id
func (s *Store) SaveJournalEntry(ctx context.Context, entry JournalEntry) (JournalEntry, error) {
	entry.CreatedAt = ts(time.Now())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trade_journal (symbol, entry_type, body, tags, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		entry.Symbol, entry.EntryType, entry.Body, entry.Tags, entry.CreatedAt,
	)
	if err != nil {
		return JournalEntry{}, fmt.Errorf("save journal entry: %w", err)
	}
	entry.ID, _ = res.LastInsertId()
	return entry, nil
}

// JournalEntries returns the latest n journal rows
func (s *Store) JournalEntries(ctx context.Context, n int) ([]JournalEntry, error) {
	if n <= 0 {
		n = 50
	}
	var rows []JournalEntry
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, symbol, entry_type, body, tags, created_at
		FROM trade_journal ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("list journal entries: %w", err)
	}
	return rows, nil
}

// SaveRiskConfig stores a named risk configuration document
func (s *Store) SaveRiskConfig(ctx context.Context, key string, doc interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal risk config %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_config (key, document, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		key, string(data), ts(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save risk config %s: %w", key, err)
	}
	return nil
}

// LoadRiskConfig reads a named risk configuration document into out
func (s *Store) LoadRiskConfig(ctx context.Context, key string, out interface{}) error {
	var doc string
	if err := s.db.GetContext(ctx, &doc, `SELECT document FROM risk_config WHERE key = ?`, key); err != nil {
		return fmt.Errorf("load risk config %s: %w", key, err)
	}
	return json.Unmarshal([]byte(doc), out)
}

// SaveSignal persists an ingested alert
func (s *Store) SaveSignal(ctx context.Context, sig signals.Signal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO signals (signal_id, source, symbol, direction, price, note, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.Source, sig.Symbol, sig.Direction, sig.Price, sig.Note, ts(sig.ReceivedAt),
	)
	if err != nil {
		return fmt.Errorf("save signal %s: %w", sig.ID, err)
	}
	return nil
}

// RecordWeights appends a weight history audit row
func (s *Store) RecordWeights(ctx context.Context, doc weights.Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO weight_history (claude, gpt4o, gemini, k, source, sample_size, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.Claude, doc.GPT4o, doc.Gemini, doc.K, doc.Source, doc.SampleSize, ts(doc.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("record weight history: %w", err)
	}
	return nil
}

// SaveSample persists one availability sample
func (s *Store) SaveSample(ctx context.Context, sample ops.Sample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO ops_availability (time, bridge, broker, tunnel, end_to_end)
		VALUES (?, ?, ?, ?, ?)`,
		ts(sample.Time), sample.Bridge, sample.Broker, sample.Tunnel, sample.EndToEnd,
	)
	if err != nil {
		return fmt.Errorf("save availability sample: %w", err)
	}
	return nil
}

// SamplesSince returns samples at or after from, oldest first
func (s *Store) SamplesSince(ctx context.Context, from time.Time) ([]ops.Sample, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT time, bridge, broker, tunnel, end_to_end FROM ops_availability
		WHERE time >= ? ORDER BY time ASC`, ts(from))
	if err != nil {
		return nil, fmt.Errorf("query availability samples: %w", err)
	}
	defer rows.Close()

	var samples []ops.Sample
	for rows.Next() {
		var raw string
		var sample ops.Sample
		if err := rows.Scan(&raw, &sample.Bridge, &sample.Broker, &sample.Tunnel, &sample.EndToEnd); err != nil {
			return nil, fmt.Errorf("scan availability sample: %w", err)
		}
		sample.Time, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parse sample time %q: %w", raw, err)
		}
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

// PruneSamplesBefore deletes samples older than cutoff
func (s *Store) PruneSamplesBefore(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ops_availability WHERE time < ?`, ts(cutoff))
	if err != nil {
		return fmt.Errorf("prune availability samples: %w", err)
	}
	return nil
}

// SaveOutage records one detected outage
func (s *Store) SaveOutage(ctx context.Context, o ops.Outage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ops_outages (start, "end", duration_s, components)
		VALUES (?, ?, ?, ?)`,
		ts(o.Start), ts(o.End), o.DurationS, o.Components,
	)
	if err != nil {
		return fmt.Errorf("save outage: %w", err)
	}
	return nil
}

// OutagesSince returns outages starting at or after from, oldest first
func (s *Store) OutagesSince(ctx context.Context, from time.Time) ([]ops.Outage, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT start, "end", duration_s, components FROM ops_outages
		WHERE start >= ? ORDER BY start ASC`, ts(from))
	if err != nil {
		return nil, fmt.Errorf("query outages: %w", err)
	}
	defer rows.Close()

	var outages []ops.Outage
	for rows.Next() {
		var start, end string
		var o ops.Outage
		if err := rows.Scan(&start, &end, &o.DurationS, &o.Components); err != nil {
			return nil, fmt.Errorf("scan outage: %w", err)
		}
		if o.Start, err = time.Parse(time.RFC3339Nano, start); err != nil {
			return nil, fmt.Errorf("parse outage start %q: %w", start, err)
		}
		if o.End, err = time.Parse(time.RFC3339Nano, end); err != nil {
			return nil, fmt.Errorf("parse outage end %q: %w", end, err)
		}
		outages = append(outages, o)
	}
	return outages, rows.Err()
}
