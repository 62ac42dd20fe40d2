package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/cardops/internal/config"
	"github.com/punchamoorthee/cardops/internal/issuer"
	"github.com/punchamoorthee/cardops/internal/ledger"
	"github.com/punchamoorthee/cardops/internal/monitor"
	"github.com/punchamoorthee/cardops/internal/ops"
	"github.com/punchamoorthee/cardops/internal/queue"
	"github.com/punchamoorthee/cardops/internal/store"
)

func main() {
	log := newLogger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewStore(cfg.DBSource)
	if err != nil {
		log.Fatal().Err(err).Msg("store init failed")
	}
	defer st.Close()

	if err := st.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("schema init failed")
	}

	key, err := issuer.LoadPrivateKey(cfg.IssuerKeyPath)
	if err != nil {
		log.Fatal().Err(err).Msg("issuer key load failed")
	}
	signer := issuer.NewSigner(cfg.IssuerSecret, key)
	issuerClient := issuer.NewHTTPClient(cfg.IssuerBaseURL, cfg.IssuerLicenseKey, signer, log)
	ledgerClient := ledger.NewClient(cfg.IndexerBaseURL, cfg.IndexerRPS, log)

	// Queue and pipeline wiring
	q := queue.New(st.Db, log, queue.Options{
		BackoffBase:  cfg.QueueBackoffBase,
		PollInterval: cfg.QueuePollInterval,
		JobTimeout:   cfg.JobTimeout,
	})

	batchMonitor := monitor.NewBatchMonitor(st, ledgerClient, q,
		cfg.PollWindow, cfg.ChunkSize, cfg.ChunkDelay, log)
	reconciler := monitor.NewReconciler(st, issuerClient, 20, log)

	q.Register(monitor.TypeMonitorBatch, cfg.MonitorWorkers, cfg.MonitorMaxAttempts, batchMonitor.Handle)
	q.Register(monitor.TypeReconcile, cfg.ReconcileWorkers, cfg.ReconcileMaxAttempts, reconciler.Handle)

	maintenance := ops.NewMaintenanceState()
	planner := monitor.NewPlanner(st, q, maintenance, cfg.BatchSize, cfg.Lanes, cfg.LaneDelay, log)
	sweeper := monitor.NewSweeper(q, st, issuerClient, cfg.MaxPendingAge, 50, log)
	scheduler := monitor.NewScheduler(planner, sweeper, cfg.PlanInterval, cfg.SweepInterval, log)

	// Ops HTTP surface
	handler := ops.NewHandler(st, q, maintenance, log)
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	handler.Register(r)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("port", cfg.Port).Msg("ops server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return q.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("monitord exited")
	}
	log.Info().Msg("monitord stopped")
}

func newLogger() zerolog.Logger {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", "monitord").Logger()
}
