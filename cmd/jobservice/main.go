package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"jobservice/internal/api"
	"jobservice/internal/config"
	"jobservice/internal/dispatch"
	"jobservice/internal/events"
	"jobservice/internal/scheduler"
	"jobservice/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	var (
		addr    = flag.String("addr", cfg.HTTPAddr, "HTTP bind address")
		backend = flag.String("store", cfg.Store, "job store: memory, sqlite or postgres")
		dbPath  = flag.String("db", cfg.SQLitePath, "SQLite DB path")
		workers = flag.Int("workers", cfg.Workers, "number of delivery workers")
		debug   = flag.Bool("debug", false, "log every job transition")
	)
	flag.Parse()
	cfg.HTTPAddr, cfg.Store, cfg.SQLitePath, cfg.Workers = *addr, *backend, *dbPath, *workers

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("jobservice")
	}
}

func run(cfg config.Config) error {
	repo, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	router := dispatch.NewRouter(
		dispatch.NewHTTPSender(cfg.DeliveryTimeout, dispatch.WithRateLimit(cfg.HTTPRateLimit, int(cfg.HTTPRateLimit)+1)),
		dispatch.NewKafkaSender(cfg.DeliveryTimeout, nil),
	)
	defer router.Close()

	bus := events.NewBus()
	sched := scheduler.New(repo, router, bus, cfg.Scheduler())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		return errors.Wrap(err, "start scheduler")
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewServer(sched, api.Options{CORSAllowedOrigins: cfg.CORSAllowedOrigins}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Str("store", cfg.Store).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		logEvents(gctx, bus)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http shutdown")
		}
		if err := sched.Stop(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("deliveries still running at shutdown")
		}
		return nil
	})
	return g.Wait()
}

func openStore(cfg config.Config) (store.Repository, error) {
	switch cfg.Store {
	case config.StoreMemory:
		log.Warn().Msg("using in-memory store, jobs are lost on restart")
		return store.NewMemoryRepo(), nil
	case config.StorePostgres:
		return store.OpenPostgres(cfg.DatabaseURL)
	}
	db, err := store.OpenSQLite(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ensure schema")
	}
	return store.NewSQLiteRepo(db), nil
}

// logEvents reports terminal transitions until ctx is done.
func logEvents(ctx context.Context, bus *events.Bus) {
	ch, unsubscribe := bus.Subscribe(events.DefaultBufferSize)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			if !e.Terminal() {
				continue
			}
			log.Info().Str("job_id", e.JobID).Str("correlation_id", e.CorrelationID).
				Str("status", string(e.To)).Int("retries", e.Retries).Str("error", e.Error).Msg("job finished")
		}
	}
}
