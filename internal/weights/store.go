package weights

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// HistorySink receives a copy of every document the store accepts. The
// persistence layer uses it to keep the weight_history table; nil disables
// history.
type HistorySink interface {
	RecordWeights(ctx context.Context, doc Document) error
}

// Store holds the current weight document behind an atomic pointer and
// keeps it in sync with the backing JSON file. Writes go through Save so
// that a hand-edited file and an updater never interleave a torn write.
type Store struct {
	path    string
	current atomic.Pointer[Document]
	history HistorySink
	logger  zerolog.Logger

	mu      sync.Mutex // serializes Save and reload
	modTime time.Time
}

// NewStore loads the weight document from path, creating it with uniform
// defaults when the file does not exist
func NewStore(path string, history HistorySink) (*Store, error) {
	s := &Store{
		path:    path,
		history: history,
		logger:  log.With().Str("component", "weights").Logger(),
	}

	doc, modTime, err := readDocument(path)
	if os.IsNotExist(err) {
		doc = Default()
		if err := writeDocument(path, doc); err != nil {
			return nil, fmt.Errorf("failed to seed weights file: %w", err)
		}
		s.logger.Info().Str("path", path).Msg("Seeded default weights file")
		modTime = time.Now()
	} else if err != nil {
		return nil, err
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}
	s.current.Store(&doc)
	s.modTime = modTime
	return s, nil
}

// Current returns the active document. The returned value is a snapshot;
// callers never see a half-applied update.
func (s *Store) Current() Document {
	return *s.current.Load()
}

// Save validates, persists, and activates a new document
func (s *Store) Save(ctx context.Context, doc Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	doc.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeDocument(s.path, doc); err != nil {
		return err
	}
	if info, err := os.Stat(s.path); err == nil {
		s.modTime = info.ModTime()
	}
	s.current.Store(&doc)

	if s.history != nil {
		if err := s.history.RecordWeights(ctx, doc); err != nil {
			s.logger.Error().Err(err).Msg("Failed to record weight history")
		}
	}
	s.logger.Info().
		Float64("claude", doc.Claude).
		Float64("gpt4o", doc.GPT4o).
		Float64("gemini", doc.Gemini).
		Str("source", doc.Source).
		Msg("Weights updated")
	return nil
}

// Watch polls the backing file and hot-reloads external edits. An invalid
// file is logged and ignored; the last good document stays active.
func (s *Store) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reloadIfChanged(ctx)
		}
	}
}

func (s *Store) reloadIfChanged(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		return
	}
	if !info.ModTime().After(s.modTime) {
		return
	}

	doc, modTime, err := readDocument(s.path)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Weights file unreadable, keeping previous")
		s.modTime = info.ModTime()
		return
	}
	if err := doc.Validate(); err != nil {
		s.logger.Warn().Err(err).Msg("Weights file invalid, keeping previous")
		s.modTime = modTime
		return
	}

	s.modTime = modTime
	s.current.Store(&doc)
	if s.history != nil {
		if err := s.history.RecordWeights(ctx, doc); err != nil {
			s.logger.Error().Err(err).Msg("Failed to record weight history")
		}
	}
	s.logger.Info().
		Float64("claude", doc.Claude).
		Float64("gpt4o", doc.GPT4o).
		Float64("gemini", doc.Gemini).
		Msg("Weights hot-reloaded from file")
}

func readDocument(path string) (Document, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Document{}, time.Time{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, time.Time{}, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, time.Time{}, fmt.Errorf("failed to parse weights file: %w", err)
	}
	return doc, info.ModTime(), nil
}

// writeDocument writes via a temp file and rename so readers never observe
// a partial document
func writeDocument(path string, doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".weights-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
