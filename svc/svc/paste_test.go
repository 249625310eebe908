package svc

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"sockpaste/pkg/domain"
	"sockpaste/svc/cache"
	"sockpaste/svc/expiry"
	"sockpaste/svc/store"

	"github.com/pkg/errors"
)

type stubReserver struct {
	mu    sync.Mutex
	taken map[string]bool
	tried []string
	err   error
}

func (s *stubReserver) Reserve(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tried = append(s.tried, id)
	if s.err != nil {
		return s.err
	}
	if s.taken == nil || s.taken["*"] || s.taken[id] {
		return store.ErrExists
	}
	s.taken[id] = true
	return nil
}

func TestAllocateReserves(t *testing.T) {
	r := &stubReserver{taken: map[string]bool{}}
	a := NewAllocator(r, nil, AllocConfig{Lower: 5, Upper: 5})
	id, err := a.Allocate(context.Background())
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if len(id) != 5 || !r.taken[id] {
		t.Errorf("id %q not reserved", id)
	}
}

func TestAllocateExhausted(t *testing.T) {
	r := &stubReserver{taken: map[string]bool{"*": true}}
	a := NewAllocator(r, nil, AllocConfig{Lower: 3, Upper: 6, MaxAttempts: 12, GrowAfter: 4})
	_, err := a.Allocate(context.Background())
	if !errors.Is(err, domain.ErrIDExhausted) {
		t.Fatalf("expected ErrIDExhausted, got %v", err)
	}
	if domain.KindOf(err) != domain.KindAllocation {
		t.Errorf("kind = %s", domain.KindOf(err))
	}
	if len(r.tried) != 12 {
		t.Fatalf("tried %d candidates, want 12", len(r.tried))
	}
	// minimum length grows by one after every 4 collisions
	for i, id := range r.tried {
		if want := 3 + i/4; len(id) < want {
			t.Errorf("attempt %d: %q shorter than %d", i, id, want)
		}
	}
}

func TestAllocateSkipsQuarantined(t *testing.T) {
	q, _ := cache.NewQuarantine(64, time.Hour)
	r := &stubReserver{taken: map[string]bool{}}
	a := NewAllocator(r, q, AllocConfig{Lower: 1, Upper: 1, MaxAttempts: 1000})
	for _, c := range "abcdefghijklmnopqrstuvwxyz012345678" {
		q.Add(string(c))
	}
	id, err := a.Allocate(context.Background())
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if id != "9" {
		t.Errorf("got %q, only 9 is free", id)
	}
	if len(r.tried) != 1 {
		t.Errorf("quarantined ids should not reach the store, %d did", len(r.tried)-1)
	}
}

func TestAllocateStorageError(t *testing.T) {
	r := &stubReserver{err: errors.New("read-only file system")}
	a := NewAllocator(r, nil, AllocConfig{Lower: 5, Upper: 5})
	if _, err := a.Allocate(context.Background()); err == nil || errors.Is(err, domain.ErrIDExhausted) {
		t.Fatalf("expected storage error, got %v", err)
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordingObserver) Name() string { return "recorder" }

func (r *recordingObserver) Publish(ctx context.Context, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingObserver) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type+":"+ev.ID)
	}
	return out
}

type harness struct {
	st    *store.FS
	sched *expiry.Scheduler
	svc   *Paste
	obs   *recordingObserver
	q     *cache.Quarantine
}

func newHarness(t *testing.T, ttl time.Duration) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "pastes"))
	if err != nil {
		t.Fatal(err)
	}
	q, _ := cache.NewQuarantine(128, time.Hour)
	sched := expiry.New(st, expiry.Config{DeleteAttempts: 2, IsPermanent: store.IsPermanent})
	obs := &recordingObserver{}
	alloc := NewAllocator(st, q, AllocConfig{Lower: 5, Upper: 10})
	p := NewPaste(alloc, st, sched, Options{
		TTL:        ttl,
		BaseURL:    "https://paste.example.org",
		Quarantine: q,
		Observers:  []Observer{obs},
	})
	sched.OnExpired(p.OnExpired)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		p.Shutdown()
	})
	return &harness{st: st, sched: sched, svc: p, obs: obs, q: q}
}

func TestCreateCommitsAndExpires(t *testing.T) {
	h := newHarness(t, 200*time.Millisecond)
	p, err := h.svc.Create(context.Background(), []byte("hello"), "local")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	got, err := os.ReadFile(h.st.Path(p.ID))
	if err != nil || string(got) != "hello" {
		t.Fatalf("content = %q, %v", got, err)
	}
	deadline, ok := h.sched.Deadline(p.ID)
	if !ok || !deadline.Equal(p.ExpiresAt) {
		t.Errorf("deadline = %v, want %v", deadline, p.ExpiresAt)
	}
	if h.svc.URL(p.ID) != "https://paste.example.org/"+p.ID {
		t.Errorf("URL = %q", h.svc.URL(p.ID))
	}

	deadlineWait := time.Now().Add(2 * time.Second)
	for h.st.Exists(p.ID) && time.Now().Before(deadlineWait) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.st.Exists(p.ID) {
		t.Fatal("paste not deleted after expiry")
	}
	if !h.q.Contains(p.ID) {
		t.Errorf("expired id should be quarantined")
	}
	for time.Now().Before(deadlineWait) && len(h.obs.types()) < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	want := []string{"created:" + p.ID, "expired:" + p.ID}
	got2 := h.obs.types()
	if len(got2) != 2 || got2[0] != want[0] || got2[1] != want[1] {
		t.Errorf("events = %v, want %v", got2, want)
	}
}

func TestCreateDistinctIDsUnderLoad(t *testing.T) {
	h := newHarness(t, time.Hour)
	var wg sync.WaitGroup
	ids := make(chan string, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := h.svc.Create(context.Background(), []byte("x"), "local")
			if err != nil {
				t.Errorf("Create failed: %v", err)
				return
			}
			ids <- p.ID
		}()
	}
	wg.Wait()
	close(ids)
	seen := map[string]bool{}
	for id := range ids {
		if seen[id] {
			t.Errorf("duplicate id %s", id)
		}
		seen[id] = true
	}
	if h.sched.Len() != len(seen) {
		t.Errorf("scheduled %d, created %d", h.sched.Len(), len(seen))
	}
	entries, _ := h.st.Enumerate()
	got := make([]string, 0, len(entries))
	for _, e := range entries {
		got = append(got, e.ID)
	}
	sort.Strings(got)
	if len(got) != len(seen) {
		t.Errorf("dirs %d, created %d", len(got), len(seen))
	}
}

type failingScheduler struct{}

func (failingScheduler) Schedule(string, time.Time) error { return expiry.ErrAlreadyScheduled }

func TestCreateRollsBackWhenScheduleFails(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "pastes"))
	if err != nil {
		t.Fatal(err)
	}
	p := NewPaste(NewAllocator(st, nil, AllocConfig{Lower: 5, Upper: 5}), st, failingScheduler{}, Options{TTL: time.Minute})
	defer p.Shutdown()
	_, err = p.Create(context.Background(), []byte("x"), "local")
	if domain.KindOf(err) != domain.KindStorage {
		t.Fatalf("expected storage error, got %v", err)
	}
	entries, _ := st.Enumerate()
	if len(entries) != 0 {
		t.Errorf("paste left behind: %+v", entries)
	}
}

func TestCreateAfterShutdown(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.svc.Shutdown()
	if _, err := h.svc.Create(context.Background(), []byte("x"), "local"); !errors.Is(err, domain.ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}
