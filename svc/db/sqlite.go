package db

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"sockpaste/pkg/domain"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("ledger circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const defaultQueryTimeout = 5 * time.Second

// breaker stops hammering a failing database; after cooldownSeconds one
// trial write is let through.
type breaker struct {
	failures int32
	state    int32
	opened   int64
}

func (b *breaker) allow() error {
	switch atomic.LoadInt32(&b.state) {
	case circuitOpen:
		if time.Now().Unix()-atomic.LoadInt64(&b.opened) >= cooldownSeconds &&
			atomic.CompareAndSwapInt32(&b.state, circuitOpen, circuitHalfOpen) {
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (b *breaker) record(err error) {
	if err == nil {
		atomic.StoreInt32(&b.failures, 0)
		atomic.StoreInt32(&b.state, circuitClosed)
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	n := atomic.AddInt32(&b.failures, 1)
	if atomic.LoadInt32(&b.state) == circuitHalfOpen || n >= maxFailures {
		atomic.StoreInt32(&b.state, circuitOpen)
		atomic.StoreInt64(&b.opened, time.Now().Unix())
		atomic.StoreInt32(&b.failures, 0)
	}
}

// Ledger is an append-only SQLite journal of paste lifecycle events. It
// never stores content.
type Ledger struct {
	db           *sql.DB
	cb           breaker
	queryTimeout time.Duration
}

func (l *Ledger) DB() *sql.DB {
	return l.db
}

func OpenLedger(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open ledger")
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping ledger")
	}
	l := &Ledger{db: db, queryTimeout: defaultQueryTimeout}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	if _, err := l.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	if _, err := l.db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			paste_id   TEXT    NOT NULL,
			event      TEXT    NOT NULL,
			size       INTEGER NOT NULL DEFAULT 0,
			at         INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_paste ON events(paste_id);
		CREATE INDEX IF NOT EXISTS idx_events_at ON events(at);
	`)
	return errors.Wrap(err, "create events table")
}

func (l *Ledger) Name() string { return "ledger" }

func (l *Ledger) Publish(ctx context.Context, ev domain.Event) error {
	if err := l.cb.allow(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, l.queryTimeout)
	defer cancel()
	_, err := l.db.ExecContext(ctx,
		"INSERT INTO events (paste_id, event, size, at, expires_at) VALUES (?, ?, ?, ?, ?)",
		ev.ID, ev.Type, ev.Size, ev.At.UnixMilli(), ev.Expiry.UnixMilli(),
	)
	l.cb.record(err)
	return errors.Wrap(err, "insert event")
}

// History returns the events recorded for id, oldest first.
func (l *Ledger) History(ctx context.Context, id string) ([]domain.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, l.queryTimeout)
	defer cancel()
	rows, err := l.db.QueryContext(ctx,
		"SELECT event, size, at, expires_at FROM events WHERE paste_id = ? ORDER BY seq", id)
	if err != nil {
		return nil, errors.Wrap(err, "query events")
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var ev domain.Event
		var at, exp int64
		if err := rows.Scan(&ev.Type, &ev.Size, &at, &exp); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		ev.ID = id
		ev.At = time.UnixMilli(at)
		ev.Expiry = time.UnixMilli(exp)
		out = append(out, ev)
	}
	return out, errors.Wrap(rows.Err(), "iterate events")
}

// Prune drops events older than cutoff.
func (l *Ledger) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, l.queryTimeout)
	defer cancel()
	res, err := l.db.ExecContext(ctx, "DELETE FROM events WHERE at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "prune events")
	}
	return res.RowsAffected()
}

func (l *Ledger) Close() error {
	return l.db.Close()
}
