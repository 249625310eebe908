package expiry

import (
	"context"
	"time"

	"sockpaste/svc/store"
	"sockpaste/svc/util"

	"github.com/pkg/errors"
)

type Store interface {
	Enumerate() ([]store.Entry, error)
	Delete(ctx context.Context, id string) error
}

type RecoverStats struct {
	Restored int
	Expired  int
	Failed   int
}

// Recover re-arms every paste found on disk with deadline mtime+ttl. Pastes
// already past their deadline are deleted before Recover returns. A failed
// delete is left scheduled so the loop keeps retrying it.
func Recover(ctx context.Context, st Store, s *Scheduler, ttl time.Duration, now time.Time) (RecoverStats, error) {
	var stats RecoverStats
	entries, err := st.Enumerate()
	if err != nil {
		return stats, errors.Wrap(err, "enumerate pastes")
	}
	for _, e := range entries {
		deadline := e.ModTime.Add(ttl)
		if deadline.After(now) {
			if err := s.Schedule(e.ID, deadline); err != nil {
				util.Warn().Err(err).Str("id", e.ID).Msg("skipping recovered paste")
				continue
			}
			stats.Restored++
			continue
		}
		if err := s.deleteWithRetry(ctx, e.ID); err != nil {
			util.Error().Err(err).Str("id", e.ID).Msg("failed to delete expired paste at startup")
			stats.Failed++
			s.rearm(e.ID, deadline)
			continue
		}
		stats.Expired++
		s.fireExpired(e.ID, deadline)
	}
	util.Info().
		Int("restored", stats.Restored).
		Int("expired", stats.Expired).
		Int("failed", stats.Failed).
		Msg("recovered pastes")
	return stats, nil
}

// Purge deletes every paste on disk without scheduling anything.
func Purge(ctx context.Context, st Store) (int, error) {
	entries, err := st.Enumerate()
	if err != nil {
		return 0, errors.Wrap(err, "enumerate pastes")
	}
	n := 0
	for _, e := range entries {
		if err := st.Delete(ctx, e.ID); err != nil {
			return n, errors.Wrapf(err, "purge %s", e.ID)
		}
		n++
	}
	util.Info().Int("deleted", n).Msg("purged pastes")
	return n, nil
}
