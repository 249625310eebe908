package expiry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sockpaste/svc/store"

	"github.com/pkg/errors"
)

type fakeDeleter struct {
	mu      sync.Mutex
	deleted map[string]time.Time
	fails   map[string]int
	calls   map[string]int
	err     error
}

func newFakeDeleter() *fakeDeleter {
	return &fakeDeleter{
		deleted: make(map[string]time.Time),
		fails:   make(map[string]int),
		calls:   make(map[string]int),
		err:     errors.New("device busy"),
	}
}

func (f *fakeDeleter) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id]++
	if f.fails[id] > 0 {
		f.fails[id]--
		return f.err
	}
	f.deleted[id] = time.Now()
	return nil
}

func (f *fakeDeleter) deletedAt(id string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.deleted[id]
	return at, ok
}

func (f *fakeDeleter) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestDeletesAtDeadline(t *testing.T) {
	del := newFakeDeleter()
	s := New(del, Config{DeleteAttempts: 1})
	startScheduler(t, s)

	deadline := time.Now().Add(150 * time.Millisecond)
	if err := s.Schedule("exact", deadline); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, ok := del.deletedAt("exact"); ok {
		t.Fatal("deleted before deadline")
	}
	waitFor(t, time.Second, func() bool { _, ok := del.deletedAt("exact"); return ok })
	at, _ := del.deletedAt("exact")
	if at.Before(deadline) {
		t.Errorf("deleted %v early", deadline.Sub(at))
	}
	if late := at.Sub(deadline); late > 200*time.Millisecond {
		t.Errorf("deleted %v late", late)
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d after expiry", s.Len())
	}
}

func TestEarlierDeadlineWakesLoop(t *testing.T) {
	del := newFakeDeleter()
	s := New(del, Config{DeleteAttempts: 1})
	startScheduler(t, s)

	if err := s.Schedule("later", time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := s.Schedule("sooner", time.Now().Add(50*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { _, ok := del.deletedAt("sooner"); return ok })
	if _, ok := del.deletedAt("later"); ok {
		t.Errorf("later paste deleted early")
	}
	if _, ok := s.Deadline("later"); !ok {
		t.Errorf("later paste should remain scheduled")
	}
}

func TestDuplicateScheduleRejected(t *testing.T) {
	s := New(newFakeDeleter(), Config{})
	at := time.Now().Add(time.Minute)
	if err := s.Schedule("dup01", at); err != nil {
		t.Fatal(err)
	}
	if err := s.Schedule("dup01", at.Add(time.Minute)); err != ErrAlreadyScheduled {
		t.Fatalf("expected ErrAlreadyScheduled, got %v", err)
	}
	got, _ := s.Deadline("dup01")
	if !got.Equal(at) {
		t.Errorf("deadline changed by duplicate schedule")
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d", s.Len())
	}
}

func TestTransientFailureRetriedInline(t *testing.T) {
	del := newFakeDeleter()
	del.fails["flaky"] = 2
	s := New(del, Config{DeleteAttempts: 3, BaseDelay: 5 * time.Millisecond})
	var expired []string
	var mu sync.Mutex
	s.OnExpired(func(id string, _ time.Time) {
		mu.Lock()
		expired = append(expired, id)
		mu.Unlock()
	})
	startScheduler(t, s)

	if err := s.Schedule("flaky", time.Now()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { _, ok := del.deletedAt("flaky"); return ok })
	if n := del.callCount("flaky"); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(expired) == 1
	})
}

func TestFailedDeleteIsRearmed(t *testing.T) {
	del := newFakeDeleter()
	del.fails["stuck"] = 1
	del.err = &os.PathError{Op: "unlinkat", Path: "stuck", Err: os.ErrPermission}
	s := New(del, Config{
		DeleteAttempts: 5,
		RetryInterval:  100 * time.Millisecond,
		IsPermanent:    func(err error) bool { return errors.Is(err, os.ErrPermission) },
	})
	startScheduler(t, s)

	if err := s.Schedule("stuck", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := s.Schedule("other", time.Now().Add(20*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { _, ok := del.deletedAt("other"); return ok })
	if n := del.callCount("stuck"); n != 1 {
		t.Errorf("permanent error should not retry inline, got %d calls", n)
	}
	if _, ok := s.Deadline("stuck"); !ok {
		t.Fatalf("failed paste should be re-armed")
	}
	waitFor(t, time.Second, func() bool { _, ok := del.deletedAt("stuck"); return ok })
	if s.Len() != 0 {
		t.Errorf("Len = %d", s.Len())
	}
}

func TestRecover(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "pastes"))
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().Truncate(time.Second)
	ttl := time.Minute
	if err := st.ReserveAndWrite("stale", []byte("old"), now.Add(-2*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := st.ReserveAndWrite("fresh", []byte("new"), now.Add(-10*time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := st.Reserve("orphn"); err != nil {
		t.Fatal(err)
	}

	s := New(st, Config{})
	var expired []string
	s.OnExpired(func(id string, _ time.Time) { expired = append(expired, id) })
	stats, err := Recover(context.Background(), st, s, ttl, now)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if stats.Restored != 1 || stats.Expired != 1 || stats.Failed != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if st.Exists("stale") {
		t.Errorf("expired paste survived recovery")
	}
	if st.Exists("orphn") {
		t.Errorf("orphan survived recovery")
	}
	got, ok := s.Deadline("fresh")
	if !ok || !got.Equal(now.Add(50*time.Second)) {
		t.Errorf("fresh deadline = %v (%v)", got, ok)
	}
	if len(expired) != 1 || expired[0] != "stale" {
		t.Errorf("expired hooks = %v", expired)
	}
}

func TestPurge(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "pastes"))
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"aaaaa", "bbbbb", "ccccc"} {
		if err := st.ReserveAndWrite(id, []byte(id), time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	n, err := Purge(context.Background(), st)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("purged %d, want 3", n)
	}
	entries, _ := st.Enumerate()
	if len(entries) != 0 {
		t.Errorf("entries left: %+v", entries)
	}
}
