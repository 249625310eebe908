package dispatch

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"sockpaste/metrics"
	"sockpaste/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

type ConnHandler interface {
	Handle(ctx context.Context, conn net.Conn) error
}

// Dispatcher accepts unix socket connections and runs at most workers
// handlers at once. A slot is taken before Accept, so surplus clients wait
// in the kernel backlog instead of being dropped.
type Dispatcher struct {
	h       ConnHandler
	workers int64
	sem     *semaphore.Weighted
	backoff *rate.Limiter

	mu      sync.Mutex
	ln      net.Listener
	path    string
	closing atomic.Bool
	loop    chan struct{}
	wg      sync.WaitGroup
}

func New(h ConnHandler, workers int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		h:       h,
		workers: int64(workers),
		sem:     semaphore.NewWeighted(int64(workers)),
		backoff: rate.NewLimiter(rate.Every(100*time.Millisecond), 5),
	}
}

// Listen binds path, replacing a stale socket left by a previous run, and
// applies mode to the socket file.
func (d *Dispatcher) Listen(path string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create socket dir")
	}
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return errors.Errorf("%s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return errors.Wrap(err, "remove stale unix socket")
		}
	} else if !os.IsNotExist(err) {
		return errors.Wrap(err, "stat socket path")
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return errors.Wrapf(err, "listen (unix %s)", path)
	}
	if err := os.Chmod(path, mode); err != nil {
		ln.Close()
		return errors.Wrap(err, "chmod socket")
	}
	d.mu.Lock()
	d.ln = ln
	d.path = path
	d.mu.Unlock()
	util.Info().Str("socket", path).Str("mode", mode.String()).Int64("workers", d.workers).Msg("listening")
	return nil
}

func (d *Dispatcher) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.path
}

// Serve blocks until ctx is cancelled or the listener is closed.
func (d *Dispatcher) Serve(ctx context.Context) error {
	d.mu.Lock()
	ln := d.ln
	loop := make(chan struct{})
	d.loop = loop
	d.mu.Unlock()
	if ln == nil {
		return errors.New("dispatcher: Serve called before Listen")
	}
	defer close(loop)
	stop := context.AfterFunc(ctx, d.closeListener)
	defer stop()
	workCtx := context.WithoutCancel(ctx)

	for {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		conn, err := ln.Accept()
		if err != nil {
			d.sem.Release(1)
			if d.closing.Load() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			util.Warn().Err(err).Msg("accept failed")
			if err := d.backoff.Wait(ctx); err != nil {
				return nil
			}
			continue
		}
		metrics.AcceptedConnections.Inc()
		metrics.ActiveWorkers.Inc()
		d.wg.Add(1)
		go d.work(workCtx, conn)
	}
}

func (d *Dispatcher) work(ctx context.Context, conn net.Conn) {
	defer d.wg.Done()
	defer d.sem.Release(1)
	defer metrics.ActiveWorkers.Dec()
	defer func() {
		if r := recover(); r != nil {
			util.Error().Interface("panic", r).Msg("connection handler panicked")
			conn.Close()
		}
	}()
	_ = d.h.Handle(ctx, conn)
}

func (d *Dispatcher) closeListener() {
	d.closing.Store(true)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln != nil {
		_ = d.ln.Close()
	}
}

// Shutdown stops accepting, waits for in-flight connections until ctx is
// done and removes the socket file.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.closeListener()
	d.mu.Lock()
	loop := d.loop
	path := d.path
	d.mu.Unlock()
	var err error
	if loop != nil {
		select {
		case <-loop:
		case <-ctx.Done():
			err = errors.Wrap(ctx.Err(), "waiting for accept loop")
		}
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = errors.Wrap(ctx.Err(), "waiting for workers")
		}
	}
	if path != "" {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = rmErr
		}
	}
	return err
}
