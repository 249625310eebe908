package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"sockpaste/pkg/domain"
	"sockpaste/svc/util"

	"github.com/go-chi/chi/v5"
)

type HealthResponse struct {
	Status string `json:"status"`
}
type ReadyResponse struct {
	Ready     bool   `json:"ready"`
	Degraded  bool   `json:"degraded"`
	Store     string `json:"store"`
	Ledger    string `json:"ledger"`
	Notifier  string `json:"notifier"`
	Scheduled int    `json:"scheduled"`
}
type EventsResponse struct {
	ID     string         `json:"id"`
	Events []domain.Event `json:"events"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

func probe(ctx context.Context, p Pinger, name string) string {
	if p == nil {
		return "disabled"
	}
	pctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	if err := p.Ping(pctx); err != nil {
		util.Error().Err(err).Str("component", name).Msg("health check failed")
		return "down"
	}
	return "up"
}

// Ready fails only when the paste dir is unusable. A down ledger or
// notifier, or a recent burst of storage failures, marks the service
// degraded but still ready.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{Ready: true}
	resp.Store = probe(ctx, s.deps.Store, "store")
	if resp.Store != "up" {
		resp.Ready = false
	}
	resp.Ledger = probe(ctx, s.deps.Ledger, "ledger")
	resp.Notifier = probe(ctx, s.deps.Notifier, "notifier")
	if resp.Ledger == "down" || resp.Notifier == "down" {
		resp.Degraded = true
	}
	if s.deps.Anomaly != nil && s.deps.Anomaly.Degraded() {
		resp.Degraded = true
	}
	if s.deps.Sched != nil {
		resp.Scheduled = s.deps.Sched.Len()
	}
	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}

// Events returns the ledger history of one paste id.
func (s *Server) Events(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	if !util.IsID(id) {
		writeErr(w, http.StatusBadRequest, "invalid id", requestID)
		return
	}
	if s.deps.Ledger == nil {
		writeErr(w, http.StatusNotFound, "ledger disabled", requestID)
		return
	}
	events, err := s.deps.Ledger.History(r.Context(), id)
	if err != nil {
		util.Error().Err(err).Str("id", id).Str("request_id", requestID).Msg("ledger lookup failed")
		writeErr(w, http.StatusInternalServerError, "internal server error", requestID)
		return
	}
	if len(events) == 0 {
		writeErr(w, http.StatusNotFound, "no events for id", requestID)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(EventsResponse{ID: id, Events: events})
}

func writeErr(w http.ResponseWriter, status int, msg, requestID string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":      msg,
		"request_id": requestID,
	})
}
