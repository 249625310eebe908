package api

import (
	"context"
	"net/http"
	"time"

	"sockpaste/cfg"
	"sockpaste/pkg/domain"
	"sockpaste/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Ledger interface {
	Pinger
	History(ctx context.Context, id string) ([]domain.Event, error)
}

// Deps are the components the admin endpoints report on. Ledger, Notifier
// and Anomaly may be nil when disabled.
type Deps struct {
	Store    Pinger
	Ledger   Ledger
	Notifier Pinger
	Sched    interface{ Len() int }
	Anomaly  interface{ Degraded() bool }
}

// Server is the operator-facing HTTP surface. Pastes themselves are served
// by the reverse proxy straight from the paste dir, never from here.
type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	deps       Deps
	httpServer *http.Server
}

func NewServer(c *cfg.Cfg, d Deps) *Server {
	s := &Server{cfg: c, deps: d}
	r := chi.NewRouter()
	mw := NewMw(c)
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.BasicAuth)
		r.Handle("/metrics", promhttp.Handler())
		r.Mount("/debug", middleware.Profiler())
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("url", req.URL.String()).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.JSONContentType)
		r.Use(mw.BasicAuth)
		r.Get("/events/{id}", s.Events)
	})
	s.router = r
	s.httpServer = &http.Server{
		Addr:              c.AdminAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    64 * 1024,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	util.Info().Str("addr", s.cfg.AdminAddr).Msg("starting admin server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("addr", s.cfg.AdminAddr).Msg("admin server failed")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
