// Package store persists the event history of build runs in a local
// SQLite journal so finished runs can be inspected after the process that
// ran them exits.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/npratt/foundry/internal/events"
)

// ErrRunNotFound is returned when the journal has no record of a run.
var ErrRunNotFound = errors.New("run not in journal")

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// RunRecord summarizes one run as seen through its events.
type RunRecord struct {
	RunID      string         `json:"run_id"`
	Status     string         `json:"status"`
	Error      string         `json:"error,omitempty"`
	Counts     map[string]int `json:"counts,omitempty"`
	FirstSeen  time.Time      `json:"first_seen"`
	LastSeen   time.Time      `json:"last_seen"`
	EventCount int            `json:"event_count"`
}

// Journal is an events.Sink backed by SQLite. Heartbeats are not stored.
type Journal struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	done    chan struct{}
	written int
}

var _ events.Sink = (*Journal)(nil)

// Open opens or creates the journal at path with WAL enabled and applies
// the schema. A nil logger uses slog.Default.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)",
		path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// One writer connection avoids "database is locked" under the sink.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db, path: path, logger: logger}, nil
}

// Path returns the database file path.
func (j *Journal) Path() string {
	return j.path
}

// Start consumes events until the channel closes or ctx is done.
func (j *Journal) Start(ctx context.Context, ch <-chan events.Event) error {
	j.mu.Lock()
	if j.done != nil {
		j.mu.Unlock()
		return errors.New("journal already started")
	}
	j.done = make(chan struct{})
	j.mu.Unlock()

	go j.run(ctx, ch)
	return nil
}

func (j *Journal) run(ctx context.Context, ch <-chan events.Event) {
	defer close(j.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := j.Record(context.Background(), ev); err != nil {
				j.logger.Error("journal write failed",
					"event_type", ev.Type(),
					"run_id", ev.RunID(),
					"error", err)
			}
		}
	}
}

// Stop waits for the consumer to finish and closes the database.
func (j *Journal) Stop() error {
	j.mu.Lock()
	done := j.done
	j.mu.Unlock()
	if done != nil {
		<-done
	}
	return j.Close()
}

// Close closes the database without waiting for a consumer.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Written returns how many events were recorded.
func (j *Journal) Written() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.written
}

// Record stores one event and folds it into its run's summary row. Events
// without a run id and heartbeats are ignored.
func (j *Journal) Record(ctx context.Context, ev events.Event) error {
	if ev == nil || ev.RunID() == "" || ev.Type() == events.EventHeartbeat {
		return nil
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	ts := ev.Timestamp().UTC().Format(timeLayout)

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, seq, type, ticket_id, timestamp, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.RunID(), int64(ev.Sequence()), string(ev.Type()), events.TicketID(ev), ts, string(payload),
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, first_seen, last_seen, event_count) VALUES (?, ?, ?, 1)
		ON CONFLICT(run_id) DO UPDATE SET last_seen = excluded.last_seen, event_count = event_count + 1`,
		ev.RunID(), ts, ts,
	); err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}

	switch e := ev.(type) {
	case *events.RunStatusEvent:
		if _, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, error = CASE WHEN ? = '' THEN error ELSE ? END WHERE run_id = ?`,
			e.To, e.Error, e.Error, e.RunID(),
		); err != nil {
			return fmt.Errorf("update run status: %w", err)
		}
	case *events.RunSummaryEvent:
		counts, err := json.Marshal(e.Counts)
		if err != nil {
			return fmt.Errorf("encode counts: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, error = ?, counts = ? WHERE run_id = ?`,
			e.Status, e.Error, string(counts), e.RunID(),
		); err != nil {
			return fmt.Errorf("update run summary: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	j.mu.Lock()
	j.written++
	j.mu.Unlock()
	return nil
}

// Runs returns the most recently active runs first. limit <= 0 returns all.
func (j *Journal) Runs(ctx context.Context, limit int) ([]RunRecord, error) {
	q := `SELECT run_id, status, error, counts, first_seen, last_seen, event_count FROM runs ORDER BY last_seen DESC, run_id`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Run returns the summary row of one run.
func (j *Journal) Run(ctx context.Context, runID string) (RunRecord, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT run_id, status, error, counts, first_seen, last_seen, event_count FROM runs WHERE run_id = ?`,
		runID)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return rec, err
}

// Events returns a run's stored events in sequence order. A non-empty
// ticketID keeps only that ticket's events.
func (j *Journal) Events(ctx context.Context, runID, ticketID string) ([]events.Event, error) {
	q := `SELECT payload FROM events WHERE run_id = ?`
	args := []any{runID}
	if ticketID != "" {
		q += ` AND ticket_id = ?`
		args = append(args, ticketID)
	}
	q += ` ORDER BY seq, id`

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev, err := events.ParseEvent([]byte(payload))
		if err != nil {
			j.logger.Warn("skipping unreadable journal entry", "run_id", runID, "error", err)
			continue
		}
		if ev != nil {
			out = append(out, ev)
		}
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (RunRecord, error) {
	var (
		rec                 RunRecord
		counts, first, last string
	)
	if err := s.Scan(&rec.RunID, &rec.Status, &rec.Error, &counts, &first, &last, &rec.EventCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunRecord{}, err
		}
		return RunRecord{}, fmt.Errorf("scan run: %w", err)
	}
	if err := json.Unmarshal([]byte(counts), &rec.Counts); err != nil {
		return RunRecord{}, fmt.Errorf("decode counts for %s: %w", rec.RunID, err)
	}
	var err error
	if rec.FirstSeen, err = time.Parse(timeLayout, first); err != nil {
		return RunRecord{}, fmt.Errorf("parse first_seen for %s: %w", rec.RunID, err)
	}
	if rec.LastSeen, err = time.Parse(timeLayout, last); err != nil {
		return RunRecord{}, fmt.Errorf("parse last_seen for %s: %w", rec.RunID, err)
	}
	if len(rec.Counts) == 0 {
		rec.Counts = nil
	}
	return rec, nil
}
