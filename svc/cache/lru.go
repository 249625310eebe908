package cache

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Quarantine remembers recently expired ids so the allocator does not hand
// them out again while proxies may still cache the old content. Oldest ids
// fall out once the cache is full; hold bounds how long an id stays in.
type Quarantine struct {
	c    *lru.Cache[string, time.Time]
	hold time.Duration
	mu   sync.Mutex
}

// NewQuarantine returns nil when size is 0, which disables quarantining.
func NewQuarantine(size int, hold time.Duration) (*Quarantine, error) {
	if size < 0 {
		return nil, errors.New("quarantine size must not be negative")
	}
	if size == 0 {
		return nil, nil
	}
	if size > 1000000 {
		return nil, errors.New("quarantine size too large")
	}
	c, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, err
	}
	return &Quarantine{c: c, hold: hold}, nil
}

func (q *Quarantine) Add(id string) {
	if q == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.c.Add(id, time.Now().Add(q.hold))
}

func (q *Quarantine) Contains(id string) bool {
	if q == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	until, ok := q.c.Peek(id)
	if !ok {
		return false
	}
	if q.hold > 0 && time.Now().After(until) {
		q.c.Remove(id)
		return false
	}
	return true
}

func (q *Quarantine) Len() int {
	if q == nil {
		return 0
	}
	return q.c.Len()
}
