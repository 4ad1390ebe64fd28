package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"mediarelay/internal/api"
	"mediarelay/internal/config"
	"mediarelay/internal/event"
	"mediarelay/internal/memwatch"
	"mediarelay/internal/platform"
	"mediarelay/internal/queue"
	"mediarelay/internal/reaper"
	"mediarelay/internal/session"
	"mediarelay/internal/staging"
	"mediarelay/internal/tier"
	"mediarelay/internal/transfer"
)

const (
	readHeaderTimeout = 5 * time.Second
	drainTimeout      = 5 * time.Second
	poolStopTimeout   = 5 * time.Second
	reaperStopTimeout = 10 * time.Second
)

type flags struct {
	ConfigPath string
	LogLevel   string
	ListenAddr string
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	f := &flags{}
	app := &cli.Command{
		Name:  "mediarelay",
		Usage: "Relay media groups between chats with bounded concurrency",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file",
				Sources:     cli.EnvVars("RELAY_CONFIG"),
				Value:       "config.yml",
				Destination: &f.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Sources:     cli.EnvVars("RELAY_LOG_LEVEL"),
				Destination: &f.LogLevel,
			},
			&cli.StringFlag{
				Name:        "listen",
				Usage:       "listen address, overrides config",
				Destination: &f.ListenAddr,
			},
		},
		Action: func(_ context.Context, _ *cli.Command) error {
			return run(f)
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("mediarelay failed")
	}
}

func run(f *flags) error {
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if f.ListenAddr != "" {
		cfg.ListenAddr = f.ListenAddr
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	d, err := buildDaemon(cfg)
	if err != nil {
		return err
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("http server listening")
		if err := d.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdownSignal()
	d.shutdown(cfg.ShutdownGrace)
	return nil
}

// daemon holds the wired components so shutdown can unwind them in order.
type daemon struct {
	srv          *http.Server
	jobs         *queue.Manager
	pool         *session.Pool
	bus          *event.Bus
	baseCancel   context.CancelFunc
	reaperCancel context.CancelFunc
	reaperDone   chan struct{}
}

func buildDaemon(cfg config.Config) (*daemon, error) {
	stagingDir := staging.NewDir(cfg.StagingDir)
	if err := stagingDir.EnsureRoot(); err != nil {
		return nil, fmt.Errorf("ensure staging dir: %w", err)
	}
	ledger := staging.NewLedger()

	factory := platform.NewHTTPFactory(platform.HTTPConfig{
		AuthURL: cfg.Platform.AuthURL,
		APIKey:  cfg.Platform.APIKey,
		Token:   cfg.Platform.Token,
		Timeout: cfg.Platform.Timeout,
	})
	pool := session.NewPool(factory, session.Options{
		Capacity:    cfg.PoolCapacity,
		IdleTimeout: cfg.SessionIdleTimeout,
	})

	bus := event.NewBus(cfg.EventHistory)
	runner := transfer.NewRunner(stagingDir, ledger, transfer.Options{
		MaxItemBytes: cfg.MaxItemBytes,
		AllowedTypes: cfg.AllowedMediaTypes,
		Progress: func(jobID string, index int, res transfer.Result) {
			bus.Publish(jobID, "item", fmt.Sprintf("item %d %s", index, res.Status))
		},
	})

	jobs := queue.NewManager(pool, runner, buildResolver(cfg), tier.Policy{
		FreeActivePerUser:    cfg.FreeActivePerUser,
		PremiumActivePerUser: cfg.PremiumActivePerUser,
	}, bus, queue.Options{
		MaxBacklog:     cfg.MaxBacklog,
		AcquireTimeout: cfg.AcquireTimeout,
	})

	baseCtx, baseCancel := context.WithCancel(context.Background())
	jobs.Start(baseCtx)

	monitor, err := memwatch.New(cfg.MemoryLimitBytes, 0)
	if err != nil {
		baseCancel()
		return nil, fmt.Errorf("memory monitor: %w", err)
	}
	go monitor.Run(baseCtx)

	sweeper := reaper.New(stagingDir, ledger, pool, monitor.C, reaper.Options{
		Interval: cfg.SweepInterval,
		Grace:    cfg.OrphanGrace,
	})
	reaperCtx, reaperCancel := context.WithCancel(context.Background())
	reaperDone := make(chan struct{})
	go func() {
		sweeper.Run(reaperCtx)
		close(reaperDone)
	}()

	router := setupRouter()
	api.NewAPI(jobs, pool, bus, ledger).RegisterRoutes(router)

	return &daemon{
		srv: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           router,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		jobs:         jobs,
		pool:         pool,
		bus:          bus,
		baseCancel:   baseCancel,
		reaperCancel: reaperCancel,
		reaperDone:   reaperDone,
	}, nil
}

func buildResolver(cfg config.Config) tier.Resolver {
	static := tier.NewStaticResolver(cfg.PremiumUsers)
	cached, err := tier.NewCachedResolver(static, cfg.TierCacheSize, cfg.TierCacheTTL)
	if err != nil {
		log.Warn().Err(err).Msg("tier cache disabled")
		return static
	}
	return cached
}

func setupRouter() *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(api.RequestID())
	r.Use(api.ZerologLogger())
	return r
}

func waitForShutdownSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
}

// shutdown unwinds in dependency order: stop admitting HTTP traffic, drain
// jobs within the grace period, close the session pool, then let the reaper
// sweep what is left on disk.
func (d *daemon) shutdown(grace time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := d.srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	d.jobs.Close()
	if !d.jobs.WaitAll(ctx) {
		log.Warn().Msg("grace period expired, cancelling running jobs")
		d.jobs.CancelRunning()
		drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
		if !d.jobs.WaitAll(drainCtx) {
			log.Warn().Msg("job workers did not finish before timeout")
		}
		drainCancel()
	}
	d.baseCancel()

	poolCtx, poolCancel := context.WithTimeout(context.Background(), poolStopTimeout)
	d.pool.Shutdown(poolCtx)
	poolCancel()

	d.reaperCancel()
	select {
	case <-d.reaperDone:
	case <-time.After(reaperStopTimeout):
		log.Warn().Msg("reaper did not finish final sweep in time")
	}

	d.bus.Close()
	log.Info().Msg("server exited cleanly")
}
