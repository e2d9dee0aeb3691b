// Package history records executed queries for review. The store is a
// bounded in-memory ring; records hold the SQL digest and outcome, never
// result rows.
package history

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind tells which operation produced a record.
type Kind string

const (
	KindSpec       Kind = "spec"
	KindTimeSeries Kind = "timeseries"
	KindRaw        Kind = "raw"
	KindNL         Kind = "nl"
)

// Outcome is the terminal state of an execution.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// Record is one executed (or failed) query.
type Record struct {
	ID           uuid.UUID `json:"id"`
	DataSourceID uuid.UUID `json:"datasource_id"`
	Kind         Kind      `json:"kind"`
	SQL          string    `json:"sql"`
	Digest       string    `json:"digest"`
	Question     string    `json:"question,omitempty"`
	Outcome      Outcome   `json:"outcome"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	RowCount     int       `json:"row_count"`
	DurationMs   int64     `json:"duration_ms"`
	At           time.Time `json:"at"`
}

// Filter narrows a listing. Zero values match everything.
type Filter struct {
	DataSourceID uuid.UUID
	Outcome      Outcome
	Since        time.Time
	Limit        int
}

// Store is a bounded append-only record store. When full, the oldest
// records are dropped.
type Store struct {
	maxRecords int

	mu      sync.RWMutex
	records []Record
}

// NewStore creates a history store capped at maxRecords.
func NewStore(maxRecords int) *Store {
	return &Store{maxRecords: maxRecords}
}

// Append records an execution. Assigns ID and timestamp when absent.
func (s *Store) Append(rec Record) Record {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, rec)
	if s.maxRecords > 0 && len(s.records) > s.maxRecords {
		s.records = s.records[len(s.records)-s.maxRecords:]
	}
	return rec
}

// List returns matching records, newest first.
func (s *Store) List(f Filter) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0)
	for i := len(s.records) - 1; i >= 0; i-- {
		rec := s.records[i]
		if f.DataSourceID != uuid.Nil && rec.DataSourceID != f.DataSourceID {
			continue
		}
		if f.Outcome != "" && rec.Outcome != f.Outcome {
			continue
		}
		if !f.Since.IsZero() && rec.At.Before(f.Since) {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Len returns the current record count.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
