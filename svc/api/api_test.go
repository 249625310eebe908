package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sockpaste/cfg"
	"sockpaste/pkg/domain"

	"github.com/pkg/errors"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

type fakeLedger struct {
	fakePinger
	events map[string][]domain.Event
	panic  bool
}

func (f *fakeLedger) History(ctx context.Context, id string) ([]domain.Event, error) {
	if f.panic {
		panic("ledger exploded")
	}
	return f.events[id], nil
}

type fixedLen int

func (n fixedLen) Len() int { return int(n) }

type flag bool

func (f flag) Degraded() bool { return bool(f) }

func testCfg() *cfg.Cfg {
	return &cfg.Cfg{
		AdminAddr:   "127.0.0.1:0",
		MetricsUser: "ops",
		MetricsPass: cfg.NewSecret("s3cret"),
	}
}

func do(t *testing.T, s *Server, path string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth {
		req.SetBasicAuth("ops", "s3cret")
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := NewServer(testCfg(), Deps{})
	rec := do(t, s, "/health", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil || resp.Status != "ok" {
		t.Errorf("body = %q (%v)", rec.Body.String(), err)
	}
}

func TestReady(t *testing.T) {
	down := errors.New("connection refused")
	tests := []struct {
		name       string
		deps       Deps
		wantStatus int
		want       ReadyResponse
	}{
		{
			name:       "all up",
			deps:       Deps{Store: fakePinger{}, Ledger: &fakeLedger{}, Notifier: fakePinger{}, Sched: fixedLen(3), Anomaly: flag(false)},
			wantStatus: http.StatusOK,
			want:       ReadyResponse{Ready: true, Store: "up", Ledger: "up", Notifier: "up", Scheduled: 3},
		},
		{
			name:       "sinks disabled",
			deps:       Deps{Store: fakePinger{}},
			wantStatus: http.StatusOK,
			want:       ReadyResponse{Ready: true, Store: "up", Ledger: "disabled", Notifier: "disabled"},
		},
		{
			name:       "store down",
			deps:       Deps{Store: fakePinger{err: down}},
			wantStatus: http.StatusServiceUnavailable,
			want:       ReadyResponse{Ready: false, Store: "down", Ledger: "disabled", Notifier: "disabled"},
		},
		{
			name:       "notifier down",
			deps:       Deps{Store: fakePinger{}, Notifier: fakePinger{err: down}},
			wantStatus: http.StatusOK,
			want:       ReadyResponse{Ready: true, Degraded: true, Store: "up", Ledger: "disabled", Notifier: "down"},
		},
		{
			name:       "failure spike",
			deps:       Deps{Store: fakePinger{}, Anomaly: flag(true)},
			wantStatus: http.StatusOK,
			want:       ReadyResponse{Ready: true, Degraded: true, Store: "up", Ledger: "disabled", Notifier: "disabled"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, NewServer(testCfg(), tt.deps), "/ready", false)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var got ReadyResponse
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestMetricsRequiresAuth(t *testing.T) {
	s := NewServer(testCfg(), Deps{})
	if rec := do(t, s, "/metrics", false); rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d", rec.Code)
	}
	rec := do(t, s, "/metrics", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("authorized status = %d", rec.Code)
	}
	if len(rec.Body.Bytes()) == 0 {
		t.Error("empty metrics body")
	}
}

func TestMetricsOpenWithoutCredentials(t *testing.T) {
	c := &cfg.Cfg{Environment: "development"}
	if rec := do(t, NewServer(c, Deps{}), "/metrics", false); rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestEvents(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := &fakeLedger{events: map[string][]domain.Event{
		"abc12": {
			{Type: domain.EventCreated, ID: "abc12", Size: 5, At: at, Expiry: at.Add(4 * time.Minute)},
			{Type: domain.EventExpired, ID: "abc12", At: at.Add(4 * time.Minute), Expiry: at.Add(4 * time.Minute)},
		},
	}}
	s := NewServer(testCfg(), Deps{Ledger: l})

	rec := do(t, s, "/events/abc12", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Errorf("content type = %q", rec.Header().Get("Content-Type"))
	}
	var resp EventsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != "abc12" || len(resp.Events) != 2 || resp.Events[1].Type != domain.EventExpired {
		t.Errorf("unexpected response %+v", resp)
	}

	if rec := do(t, s, "/events/abc12", false); rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d", rec.Code)
	}
	if rec := do(t, s, "/events/ABC!", true); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid id status = %d", rec.Code)
	}
	if rec := do(t, s, "/events/zzzzz", true); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d", rec.Code)
	}
}

func TestEventsLedgerDisabled(t *testing.T) {
	rec := do(t, NewServer(testCfg(), Deps{}), "/events/abc12", true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestRecovererCatchesPanic(t *testing.T) {
	s := NewServer(testCfg(), Deps{Ledger: &fakeLedger{panic: true}})
	rec := do(t, s, "/events/abc12", true)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "internal server error" || body["request_id"] == "" {
		t.Errorf("body = %v", body)
	}
}
