package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sockpaste/cfg"
	"sockpaste/pkg/kms"
	"sockpaste/svc/api"
	"sockpaste/svc/cache"
	"sockpaste/svc/db"
	"sockpaste/svc/dispatch"
	"sockpaste/svc/expiry"
	"sockpaste/svc/ingest"
	"sockpaste/svc/lim"
	"sockpaste/svc/store"
	"sockpaste/svc/svc"
	"sockpaste/svc/util"

	"golang.org/x/sync/errgroup"
)

const (
	shutdownGrace  = 30 * time.Second
	anomalyWindow  = time.Minute
	eventBacklog   = 1024
	retryBaseDelay = 50 * time.Millisecond
	retryMaxDelay  = time.Second
)

func main() {
	util.InitLog("info", false)
	if len(os.Args) > 1 && os.Args[1] == "-seal" {
		os.Exit(seal())
	}
	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthcheck(c))
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().
		Str("socket", c.SocketPath).
		Str("paste_dir", c.PasteDir).
		Int("workers", c.Workers).
		Dur("expiry", c.Expiry).
		Msg("starting sockpaste")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	resolveCtx, resolveCancel := context.WithTimeout(ctx, 15*time.Second)
	err = cfg.ResolveSecrets(resolveCtx, c, kms.NewAdapter())
	resolveCancel()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to resolve secrets")
		os.Exit(1)
	}

	st, err := store.Open(c.PasteDir)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to open paste dir")
		os.Exit(1)
	}

	sched := expiry.New(st, expiry.Config{
		DeleteAttempts: c.DeleteAttempts,
		BaseDelay:      retryBaseDelay,
		MaxDelay:       retryMaxDelay,
		RetryInterval:  c.ExpiryRetryInterval,
		IsPermanent:    store.IsPermanent,
	})

	quarantine, err := cache.NewQuarantine(c.IDQuarantineSize, c.Expiry)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create id quarantine")
		os.Exit(1)
	}
	alloc := svc.NewAllocator(st, quarantine, svc.AllocConfig{
		Lower:       c.IDLower,
		Upper:       c.IDUpper,
		MaxAttempts: c.IDMaxAttempts,
		GrowAfter:   c.IDGrowAfter,
	})

	var observers []svc.Observer
	var ledger *db.Ledger
	if c.LedgerPath != "" {
		ledger, err = db.OpenLedger(c.LedgerPath)
		if err != nil {
			util.Fatal().Err(err).Msg("failed to open ledger")
			os.Exit(1)
		}
		defer ledger.Close()
		observers = append(observers, ledger)
		util.Info().Str("path", c.LedgerPath).Msg("ledger initialized")
	}
	var notifier *db.Notifier
	if c.Redis.URL != "" {
		notifier, err = db.NewNotifier(c.Redis)
		if err != nil {
			if c.Environment == "production" {
				util.Fatal().Err(err).Msg("redis configured but unreachable")
				os.Exit(1)
			}
			util.Warn().Err(err).Msg("redis unavailable (dev mode)")
		} else {
			defer notifier.Close()
			observers = append(observers, notifier)
			util.Info().Str("channel", c.Redis.Channel).Msg("redis notifier connected")
		}
	}

	pasteSvc := svc.NewPaste(alloc, st, sched, svc.Options{
		TTL:          c.Expiry,
		BaseURL:      c.BaseURL(),
		Quarantine:   quarantine,
		Observers:    observers,
		EventBacklog: eventBacklog,
	})
	sched.OnExpired(pasteSvc.OnExpired)

	if c.PurgeOnStart {
		if _, err := expiry.Purge(ctx, st); err != nil {
			util.Fatal().Err(err).Msg("purge failed")
			os.Exit(1)
		}
	} else if _, err := expiry.Recover(ctx, st, sched, c.Expiry, time.Now()); err != nil {
		util.Fatal().Err(err).Msg("recovery failed")
		os.Exit(1)
	}

	origins, err := util.NewOriginHasher()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to init origin hasher")
		os.Exit(1)
	}
	defer origins.Close()

	anomaly := lim.NewAnomalyDetector(nil)
	handler := ingest.NewHandler(pasteSvc, origins, ingest.Config{
		MaxBytes:     c.MaxPasteBytes(),
		IdleTimeout:  c.Timeout,
		TotalTimeout: c.TotalTimeout,
		TalkProxy:    c.TalkProxy,
	})
	handler.SetMonitor(anomaly)

	disp := dispatch.New(handler, c.Workers)
	if err := disp.Listen(c.SocketPath, c.SocketMode); err != nil {
		util.Fatal().Err(err).Str("socket", c.SocketPath).Msg("failed to listen")
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		err := disp.Serve(gctx)
		cancel()
		return err
	})
	g.Go(func() error { return anomaly.Run(gctx, anomalyWindow) })
	if ledger != nil {
		g.Go(func() error { return ledger.RunMaintenance(gctx) })
	}
	if c.AdminAddr != "" {
		deps := api.Deps{Store: st, Sched: sched, Anomaly: anomaly}
		if ledger != nil {
			deps.Ledger = ledger
		}
		if notifier != nil {
			deps.Notifier = notifier
		}
		server := api.NewServer(c, deps)
		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return server.Shutdown(sctx)
		})
	}
	util.Info().Str("socket", disp.Addr()).Str("environment", c.Environment).Msg("accepting connections")

	if err := g.Wait(); err != nil {
		util.Error().Err(err).Msg("component failed")
	}
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := disp.Shutdown(shutdownCtx); err != nil {
		util.Warn().Err(err).Msg("in-flight connections abandoned")
	}
	pasteSvc.Shutdown()
	util.Info().Int("pending_deadlines", sched.Len()).Msg("shutdown complete")
}

// healthcheck backs container probes: the admin /health endpoint when one
// is configured, otherwise the presence of the listening socket.
func healthcheck(c *cfg.Cfg) int {
	if c.AdminAddr != "" {
		client := &http.Client{Timeout: 2 * time.Second}
		resp, err := client.Get("http://" + c.AdminAddr + "/health")
		if err != nil {
			return 1
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return 1
		}
		return 0
	}
	fi, err := os.Stat(c.SocketPath)
	if err != nil || fi.Mode()&os.ModeSocket == 0 {
		return 1
	}
	return 0
}

// seal reads a secret from stdin and prints it as a sealed: reference under
// SECRETS_LOCAL_KEY, ready to paste into an env file.
func seal() int {
	data, err := io.ReadAll(io.LimitReader(os.Stdin, 64*1024))
	if err != nil {
		util.Error().Err(err).Msg("read secret")
		return 1
	}
	ref, err := kms.Seal(os.Getenv("SECRETS_LOCAL_KEY"), bytes.TrimRight(data, "\r\n"))
	util.Wipe(data)
	if err != nil {
		util.Error().Err(err).Msg("seal secret")
		return 1
	}
	os.Stdout.WriteString(ref + "\n")
	return 0
}
