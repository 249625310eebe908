package svc

import (
	"context"

	"sockpaste/metrics"
	"sockpaste/pkg/domain"
	"sockpaste/svc/store"
	"sockpaste/svc/util"

	"github.com/pkg/errors"
)

type Reserver interface {
	Reserve(id string) error
}

type AllocConfig struct {
	Lower       int
	Upper       int
	MaxAttempts int
	// GrowAfter consecutive collisions raise the minimum length by one.
	GrowAfter int
}

type Allocator struct {
	st  Reserver
	q   interface{ Contains(string) bool }
	cfg AllocConfig
}

func NewAllocator(st Reserver, q interface{ Contains(string) bool }, c AllocConfig) *Allocator {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 16
	}
	if c.GrowAfter <= 0 {
		c.GrowAfter = 4
	}
	return &Allocator{st: st, q: q, cfg: c}
}

// Allocate picks a fresh id and reserves it in the store. On success the
// caller owns the reservation and must write or delete it.
func (a *Allocator) Allocate(ctx context.Context) (string, error) {
	lo := a.cfg.Lower
	collisions := 0
	for attempt := 0; attempt < a.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		id, err := util.RandomID(lo, a.cfg.Upper)
		if err != nil {
			return "", errors.Wrap(err, "gen id")
		}
		if a.q != nil && a.q.Contains(id) {
			err = store.ErrExists
		} else {
			err = a.st.Reserve(id)
		}
		if err == nil {
			return id, nil
		}
		if err != store.ErrExists {
			return "", errors.Wrap(err, "reserve id")
		}
		metrics.IDCollisions.Inc()
		collisions++
		if collisions%a.cfg.GrowAfter == 0 && lo < a.cfg.Upper {
			lo++
			util.Debug().Int("min_len", lo).Msg("growing id length after collisions")
		}
	}
	return "", domain.ErrIDExhausted
}
