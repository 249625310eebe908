package db

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"sockpaste/cfg"
	"sockpaste/pkg/domain"

	"github.com/pkg/errors"
)

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := OpenLedger(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("OpenLedger failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedgerRecordsLifecycle(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	exp := now.Add(4 * time.Minute)
	if err := l.Publish(ctx, domain.Event{Type: domain.EventCreated, ID: "abc12", Size: 5, At: now, Expiry: exp}); err != nil {
		t.Fatalf("Publish created: %v", err)
	}
	if err := l.Publish(ctx, domain.Event{Type: domain.EventExpired, ID: "abc12", At: exp, Expiry: exp}); err != nil {
		t.Fatalf("Publish expired: %v", err)
	}
	if err := l.Publish(ctx, domain.Event{Type: domain.EventCreated, ID: "other", At: now, Expiry: exp}); err != nil {
		t.Fatal(err)
	}
	hist, err := l.History(ctx, "abc12")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("want 2 events, got %d", len(hist))
	}
	if hist[0].Type != domain.EventCreated || hist[1].Type != domain.EventExpired {
		t.Errorf("order = %s, %s", hist[0].Type, hist[1].Type)
	}
	if hist[0].Size != 5 || !hist[0].At.Equal(now) || !hist[0].Expiry.Equal(exp) {
		t.Errorf("created event mangled: %+v", hist[0])
	}
	if err := l.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestLedgerPrune(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	l.Publish(ctx, domain.Event{Type: domain.EventCreated, ID: "old01", At: old, Expiry: old})
	l.Publish(ctx, domain.Event{Type: domain.EventCreated, ID: "new01", At: time.Now(), Expiry: time.Now()})
	n, err := l.Prune(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}
	if err := performWALCheckpoint(l.DB()); err != nil {
		t.Errorf("checkpoint failed: %v", err)
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	var b breaker
	boom := errors.New("disk I/O error")
	for i := 0; i < maxFailures; i++ {
		if err := b.allow(); err != nil {
			t.Fatalf("breaker opened early at %d", i)
		}
		b.record(boom)
	}
	if err := b.allow(); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	b.opened = time.Now().Add(-cooldownSeconds * time.Second).Unix()
	if err := b.allow(); err != nil {
		t.Fatalf("half-open trial refused: %v", err)
	}
	b.record(nil)
	if err := b.allow(); err != nil {
		t.Errorf("breaker should close after success")
	}
}

func TestEncodeEvent(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	data, err := encodeEvent(domain.Event{Type: domain.EventExpired, ID: "abc12", URL: "https://p.example/abc12", At: at, Expiry: at})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m["event"] != "expired" || m["id"] != "abc12" || m["url"] != "https://p.example/abc12" {
		t.Errorf("unexpected payload %s", data)
	}
	if _, ok := m["size"]; ok {
		t.Errorf("zero size should be omitted: %s", data)
	}
}

func TestNotifierUnreachable(t *testing.T) {
	_, err := NewNotifier(cfg.RedisCfg{
		URL:     "redis://127.0.0.1:1/0",
		Timeout: 200 * time.Millisecond,
		Channel: "sockpaste:events",
	})
	if err == nil {
		t.Fatal("expected connection error")
	}
}
