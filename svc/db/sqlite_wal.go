package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sockpaste/svc/util"
)

const (
	checkpointInterval = 5 * time.Minute
	ledgerRetention    = 30 * 24 * time.Hour
)

// RunMaintenance checkpoints the WAL and prunes old events until ctx ends.
// A final checkpoint runs on the way out.
func (l *Ledger) RunMaintenance(ctx context.Context) error {
	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, err := l.Prune(ctx, time.Now().Add(-ledgerRetention)); err != nil {
				util.Warn().Err(err).Msg("ledger prune failed")
			} else if n > 0 {
				util.Debug().Int64("rows", n).Msg("pruned ledger")
			}
			if err := performWALCheckpoint(l.db); err != nil {
				util.Error().Err(err).Msg("WAL checkpoint failed")
			}
		case <-ctx.Done():
			if err := performWALCheckpoint(l.db); err != nil {
				util.Error().Err(err).Msg("final WAL checkpoint failed")
			}
			return nil
		}
	}
}

func performWALCheckpoint(db *sql.DB) error {
	start := time.Now()
	var busyPages, logPages, checkpointed int
	err := db.QueryRow("PRAGMA wal_checkpoint(PASSIVE)").Scan(&busyPages, &logPages, &checkpointed)
	if err != nil {
		return fmt.Errorf("PASSIVE checkpoint failed: %w", err)
	}
	util.Debug().
		Int("busy", busyPages).
		Int("log", logPages).
		Int("checkpointed", checkpointed).
		Msg("PASSIVE checkpoint result")
	if logPages > 1000 || busyPages > 0 {
		util.Info().Msg("escalating to TRUNCATE checkpoint")
		if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			return fmt.Errorf("TRUNCATE checkpoint failed: %w", err)
		}
	}
	if err := verifyIntegrity(db); err != nil {
		util.Error().Err(err).Msg("CRITICAL: ledger integrity check failed after checkpoint")
		return fmt.Errorf("integrity check failed: %w", err)
	}
	util.Debug().Dur("duration", time.Since(start)).Msg("WAL checkpoint completed")
	return nil
}

func verifyIntegrity(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("quick_check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("quick_check returned: %s", result)
	}
	return nil
}
