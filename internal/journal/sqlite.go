// Package journal persists the stop decisions of the engine for audit
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"trailstop/internal/core"
	"trailstop/pkg/retry"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schema string

// SQLiteJournal implements core.IStopJournal on a local sqlite file
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal opens (creating if needed) the journal at dbPath
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// One writer keeps sqlite from returning SQLITE_BUSY under concurrent cycles.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply journal schema: %w", err)
	}

	return &SQLiteJournal{db: db}, nil
}

func (j *SQLiteJournal) Record(ctx context.Context, ev *core.StopEvent) error {
	if ev == nil {
		return nil
	}
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	price := ""
	if !ev.Price.IsZero() {
		price = ev.Price.String()
	}

	const query = `INSERT INTO stop_events (ts, position_id, symbol, side, kind, price, order_id, reason)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	err := retry.Do(ctx, retry.DefaultPolicy, isBusy, func(ctx context.Context) error {
		_, err := j.db.ExecContext(ctx, query,
			ts.UnixNano(), ev.PositionID, ev.Symbol, string(ev.Side), string(ev.Kind), price, ev.OrderID, ev.Reason)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to write stop event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first
func (j *SQLiteJournal) Recent(ctx context.Context, limit int) ([]*core.StopEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT ts, position_id, symbol, side, kind, price, order_id, reason
FROM stop_events ORDER BY id DESC LIMIT ?`
	return j.query(ctx, query, limit)
}

// ForPosition returns the events of one position in the order they happened
func (j *SQLiteJournal) ForPosition(ctx context.Context, positionID string) ([]*core.StopEvent, error) {
	const query = `SELECT ts, position_id, symbol, side, kind, price, order_id, reason
FROM stop_events WHERE position_id = ? ORDER BY id ASC`
	return j.query(ctx, query, positionID)
}

func (j *SQLiteJournal) query(ctx context.Context, query string, args ...interface{}) ([]*core.StopEvent, error) {
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read stop events: %w", err)
	}
	defer rows.Close()

	var events []*core.StopEvent
	for rows.Next() {
		var (
			ts                int64
			ev                core.StopEvent
			side, kind, price string
		)
		if err := rows.Scan(&ts, &ev.PositionID, &ev.Symbol, &side, &kind, &price, &ev.OrderID, &ev.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan stop event: %w", err)
		}
		ev.Time = time.Unix(0, ts).UTC()
		ev.Side = core.PositionSide(side)
		ev.Kind = core.StopEventKind(kind)
		if price != "" {
			ev.Price, err = decimal.NewFromString(price)
			if err != nil {
				return nil, fmt.Errorf("corrupt price %q: %w", price, err)
			}
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// isBusy matches the lock errors sqlite returns while another connection holds the file
func isBusy(err error) bool {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code == sqlite3.ErrBusy || sqlErr.Code == sqlite3.ErrLocked
	}
	return false
}

// HealthCheck pings the database
func (j *SQLiteJournal) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return j.db.PingContext(ctx)
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
