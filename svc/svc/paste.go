package svc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"sockpaste/metrics"
	"sockpaste/pkg/domain"
	"sockpaste/svc/util"

	"github.com/pkg/errors"
)

type Store interface {
	Write(id string, content []byte, createdAt time.Time) error
	Delete(ctx context.Context, id string) error
}

type Scheduler interface {
	Schedule(id string, deadline time.Time) error
}

// Observer receives created/expired events off the hot path.
type Observer interface {
	Name() string
	Publish(ctx context.Context, ev domain.Event) error
}

type Options struct {
	TTL          time.Duration
	BaseURL      string
	Quarantine   interface{ Add(string) }
	Observers    []Observer
	EventBacklog int
}

type Paste struct {
	alloc       *Allocator
	st          Store
	sched       Scheduler
	opts        Options
	events      chan domain.Event
	eventsMu    sync.RWMutex
	closed      bool
	eventWg     sync.WaitGroup
	shutdownCtx context.Context
	shutdownFn  context.CancelFunc
	shutdown    atomic.Bool
	opWg        sync.WaitGroup
	stopOnce    sync.Once
}

func NewPaste(alloc *Allocator, st Store, sched Scheduler, opts Options) *Paste {
	if alloc == nil || st == nil || sched == nil {
		panic("paste service: nil dependency (alloc, store, or scheduler)")
	}
	if opts.EventBacklog <= 0 {
		opts.EventBacklog = 1024
	}
	shutdownCtx, shutdownFn := context.WithCancel(context.Background())
	p := &Paste{
		alloc:       alloc,
		st:          st,
		sched:       sched,
		opts:        opts,
		events:      make(chan domain.Event, opts.EventBacklog),
		shutdownCtx: shutdownCtx,
		shutdownFn:  shutdownFn,
	}
	p.eventWg.Add(1)
	go p.eventWorker()
	return p
}

func (p *Paste) URL(id string) string {
	return p.opts.BaseURL + "/" + id
}

// Create allocates an id, commits content and arms its deadline. Either all
// three happen or nothing is left on disk.
func (p *Paste) Create(ctx context.Context, content []byte, origin string) (*domain.Paste, error) {
	if p.shutdown.Load() {
		return nil, domain.ErrShuttingDown
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	id, err := p.alloc.Allocate(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if err := p.st.Write(id, content, now); err != nil {
		util.Error().Err(err).Str("id", id).Msg("failed to write paste")
		return nil, errors.Wrap(domain.ErrStorage, err.Error())
	}
	paste := domain.NewPaste(id, len(content), now, p.opts.TTL)
	paste.Origin = origin
	if err := p.sched.Schedule(id, paste.ExpiresAt); err != nil {
		util.Error().Err(err).Str("id", id).Msg("failed to schedule paste, rolling back")
		if delErr := p.st.Delete(context.Background(), id); delErr != nil {
			util.Error().Err(delErr).Str("id", id).Msg("rollback delete failed")
		}
		return nil, errors.Wrap(domain.ErrStorage, err.Error())
	}
	metrics.PasteCreated.Inc()
	metrics.PasteSize.Observe(float64(len(content)))
	util.Info().
		Str("id", id).
		Int("size", len(content)).
		Str("origin", origin).
		Time("expires_at", paste.ExpiresAt).
		Msg("paste created")
	p.enqueue(domain.Event{
		Type:   domain.EventCreated,
		ID:     id,
		URL:    p.URL(id),
		Size:   len(content),
		At:     now,
		Expiry: paste.ExpiresAt,
	})
	return paste, nil
}

// OnExpired is registered with the scheduler.
func (p *Paste) OnExpired(id string, deadline time.Time) {
	if p.opts.Quarantine != nil {
		p.opts.Quarantine.Add(id)
	}
	p.enqueue(domain.Event{
		Type:   domain.EventExpired,
		ID:     id,
		URL:    p.URL(id),
		At:     time.Now(),
		Expiry: deadline,
	})
}

func (p *Paste) enqueue(ev domain.Event) {
	if len(p.opts.Observers) == 0 {
		return
	}
	p.eventsMu.RLock()
	defer p.eventsMu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		metrics.EventSinkErrors.WithLabelValues("queue").Inc()
		util.Warn().Str("id", ev.ID).Str("event", ev.Type).Msg("event queue full, dropping")
	}
}

func (p *Paste) eventWorker() {
	defer p.eventWg.Done()
	defer func() {
		if r := recover(); r != nil {
			util.Error().Interface("panic", r).Msg("eventWorker panicked")
		}
	}()
	for ev := range p.events {
		for _, o := range p.opts.Observers {
			ctx, cancel := context.WithTimeout(p.shutdownCtx, 5*time.Second)
			if err := o.Publish(ctx, ev); err != nil {
				metrics.EventSinkErrors.WithLabelValues(o.Name()).Inc()
				util.Warn().Err(err).Str("sink", o.Name()).Str("id", ev.ID).Msg("failed to publish event")
			}
			cancel()
		}
	}
}

// Shutdown refuses new pastes, waits for in-flight creates and drains the
// event queue.
func (p *Paste) Shutdown() {
	p.stopOnce.Do(p.stop)
}

func (p *Paste) stop() {
	p.shutdown.Store(true)
	p.opWg.Wait()
	p.eventsMu.Lock()
	p.closed = true
	close(p.events)
	p.eventsMu.Unlock()
	done := make(chan struct{})
	go func() {
		p.eventWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		util.Warn().Msg("event worker didn't stop in time")
	}
	p.shutdownFn()
	util.Debug().Msg("paste service shutdown complete")
}
