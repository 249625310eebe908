package expiry

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"sockpaste/metrics"
	"sockpaste/svc/util"

	"github.com/pkg/errors"
)

var ErrAlreadyScheduled = errors.New("paste already scheduled")

type Deleter interface {
	Delete(ctx context.Context, id string) error
}

// ExpiredFunc runs after a paste has been removed from disk.
type ExpiredFunc func(id string, deadline time.Time)

type Config struct {
	DeleteAttempts int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RetryInterval  time.Duration
	// IsPermanent short-circuits the inline retries.
	IsPermanent func(error) bool
}

type entry struct {
	id       string
	deadline time.Time
	index    int
}

type deadlineHeap []*entry

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].id < h[j].id
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler deletes each scheduled paste when its deadline passes. One
// goroutine (Run) owns the timing; Schedule may be called from anywhere.
type Scheduler struct {
	del       Deleter
	cfg       Config
	mu        sync.Mutex
	items     deadlineHeap
	byID      map[string]*entry
	wake      chan struct{}
	onExpired []ExpiredFunc
}

func New(del Deleter, cfg Config) *Scheduler {
	if cfg.DeleteAttempts <= 0 {
		cfg.DeleteAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Minute
	}
	if cfg.IsPermanent == nil {
		cfg.IsPermanent = func(error) bool { return false }
	}
	return &Scheduler{
		del:  del,
		cfg:  cfg,
		byID: make(map[string]*entry),
		wake: make(chan struct{}, 1),
	}
}

// OnExpired registers fn. Register before Run.
func (s *Scheduler) OnExpired(fn ExpiredFunc) {
	s.mu.Lock()
	s.onExpired = append(s.onExpired, fn)
	s.mu.Unlock()
}

func (s *Scheduler) Schedule(id string, deadline time.Time) error {
	s.mu.Lock()
	if _, ok := s.byID[id]; ok {
		s.mu.Unlock()
		return ErrAlreadyScheduled
	}
	e := &entry{id: id, deadline: deadline}
	heap.Push(&s.items, e)
	s.byID[id] = e
	head := e.index == 0
	n := len(s.items)
	s.mu.Unlock()
	metrics.ScheduledPastes.Set(float64(n))
	if head {
		s.signal()
	}
	return nil
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Scheduler) Deadline(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

// Run fires deadlines until ctx is cancelled. Entries still pending at
// shutdown stay on disk and are picked up by Recover on the next start.
func (s *Scheduler) Run(ctx context.Context) error {
	util.Info().Int("pending", s.Len()).Msg("expiry scheduler started")
	for {
		due, next, ok := s.takeDue(time.Now())
		for _, e := range due {
			s.expire(ctx, e)
		}
		if len(due) > 0 {
			continue
		}
		var timerC <-chan time.Time
		var timer *time.Timer
		if ok {
			timer = time.NewTimer(time.Until(next))
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			util.Info().Int("pending", s.Len()).Msg("expiry scheduler stopped")
			return nil
		case <-s.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (s *Scheduler) takeDue(now time.Time) ([]*entry, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*entry
	for len(s.items) > 0 && !s.items[0].deadline.After(now) {
		e := heap.Pop(&s.items).(*entry)
		delete(s.byID, e.id)
		due = append(due, e)
	}
	if len(due) > 0 {
		metrics.ScheduledPastes.Set(float64(len(s.items)))
	}
	if len(s.items) == 0 {
		return due, time.Time{}, false
	}
	return due, s.items[0].deadline, true
}

func (s *Scheduler) expire(ctx context.Context, e *entry) {
	err := s.deleteWithRetry(ctx, e.id)
	if err == nil {
		metrics.PasteExpired.Inc()
		util.Info().Str("id", e.id).Dur("late", time.Since(e.deadline)).Msg("paste expired")
		s.fireExpired(e.id, e.deadline)
		return
	}
	if ctx.Err() != nil {
		s.rearm(e.id, e.deadline)
		return
	}
	metrics.ExpiryDeleteFailures.Inc()
	retryAt := time.Now().Add(s.cfg.RetryInterval)
	util.Error().Err(err).Str("id", e.id).Time("retry_at", retryAt).Msg("failed to delete expired paste")
	s.rearm(e.id, retryAt)
}

func (s *Scheduler) rearm(id string, deadline time.Time) {
	if err := s.Schedule(id, deadline); err != nil && err != ErrAlreadyScheduled {
		util.Error().Err(err).Str("id", id).Msg("failed to re-arm deadline")
	}
}

func (s *Scheduler) deleteWithRetry(ctx context.Context, id string) error {
	delay := s.cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= s.cfg.DeleteAttempts; attempt++ {
		err := s.del.Delete(ctx, id)
		if err == nil {
			return nil
		}
		lastErr = err
		if s.cfg.IsPermanent(err) || attempt == s.cfg.DeleteAttempts {
			return err
		}
		util.Warn().Err(err).Str("id", id).Int("attempt", attempt).Msg("transient delete error")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.cfg.MaxDelay {
			delay = s.cfg.MaxDelay
		}
	}
	return lastErr
}

func (s *Scheduler) fireExpired(id string, deadline time.Time) {
	s.mu.Lock()
	hooks := append([]ExpiredFunc(nil), s.onExpired...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(id, deadline)
	}
}
