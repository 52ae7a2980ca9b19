// ABOUTME: serve subcommand: wires store, queue, workers, listener and HTTP API
// ABOUTME: Shuts down in order so streams end before the listener stops

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-queue/internal/agent"
	"github.com/2389/coven-queue/internal/api"
	"github.com/2389/coven-queue/internal/auth"
	"github.com/2389/coven-queue/internal/bridge"
	"github.com/2389/coven-queue/internal/config"
	"github.com/2389/coven-queue/internal/metrics"
	"github.com/2389/coven-queue/internal/queue"
	"github.com/2389/coven-queue/internal/registry"
	"github.com/2389/coven-queue/internal/store"
	"github.com/2389/coven-queue/internal/tasks"
	"github.com/2389/coven-queue/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Queue:     %s", cfg.Queue.Backend)
	if cfg.Queue.Backend == config.BackendRedis {
		gray.Printf(" (%s)", cfg.Queue.RedisAddr)
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Workers:   %d × %s\n", cfg.Workers.Concurrency, cfg.Agent.Command)
	if cfg.Auth.JWTSecret == "" {
		yellow.Print("    ! ")
		fmt.Printf("Auth:      development mode (%s header)\n", auth.UserIDHeader)
	}
	fmt.Println()

	logger.Info("starting coven-queue",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"queue_backend", cfg.Queue.Backend,
		"concurrency", cfg.Workers.Concurrency,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.MustNewMetrics(promReg)

	q, queueReady, err := openQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer q.Close()

	ready := func(ctx context.Context) error {
		if err := st.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if queueReady != nil {
			if err := queueReady(ctx); err != nil {
				return fmt.Errorf("queue: %w", err)
			}
		}
		return nil
	}

	br := bridge.New(cfg.Bridge.SubscriberLimit, m, logger)
	reg := registry.New(0, 0)
	defer reg.Close()

	pool := worker.New(worker.Deps{
		Queue:     q,
		Store:     st,
		Generator: agent.NewProcessGenerator(cfg.Agent.Command, cfg.Agent.Args, logger),
		Bridge:    br,
		Registry:  reg,
		Metrics:   m,
	}, worker.Config{
		Concurrency: cfg.Workers.Concurrency,
		MaxTurns:    cfg.Agent.MaxTurns,
		JobTimeout:  cfg.Workers.JobTimeout,
	}, logger)

	svc := tasks.New(tasks.Deps{
		Store:    st,
		Queue:    q,
		Bridge:   br,
		Registry: reg,
		Workers:  pool,
		Metrics:  m,
	}, logger)
	defer svc.Close()

	opts := api.Options{
		CORSOrigins: cfg.Server.CORSOrigins,
		Ready:       ready,
	}
	if cfg.Auth.JWTSecret != "" {
		opts.Verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}
	if cfg.Metrics.Enabled {
		opts.Metrics = promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
		opts.MetricsPath = cfg.Metrics.Path
	}

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.NewRouter(svc, opts, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Closing the bridge ends every live feed, so Shutdown is not held
		// open by streaming requests.
		br.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("coven-queue stopped")
	return nil
}

// openQueue builds the configured backend and its readiness probe. Redis
// jobs left active by a previous process are moved back to waiting.
func openQueue(ctx context.Context, cfg *config.Config, logger *slog.Logger) (queue.Queue, func(context.Context) error, error) {
	opts := queue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff:     cfg.Queue.Backoff,
		Retention:   cfg.Queue.Retention,
	}

	if cfg.Queue.Backend != config.BackendRedis {
		return queue.NewMemoryQueue(opts, logger), nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
		DB:       cfg.Queue.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Queue.RedisAddr, err)
	}

	rq, err := queue.NewRedisQueue(rdb, queue.RedisOptions{
		Options:      opts,
		Prefix:       cfg.Queue.Prefix,
		PollInterval: cfg.Workers.PollInterval,
	}, logger)
	if err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("creating redis queue: %w", err)
	}

	recovered, err := rq.Recover(ctx)
	if err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("recovering stalled jobs: %w", err)
	}
	if recovered > 0 {
		logger.Warn("requeued jobs interrupted by a previous shutdown", "count", recovered)
	}

	ready := func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	return &ownedRedisQueue{RedisQueue: rq, rdb: rdb}, ready, nil
}

// ownedRedisQueue closes the client along with the queue.
type ownedRedisQueue struct {
	*queue.RedisQueue
	rdb *redis.Client
}

func (q *ownedRedisQueue) Close() error {
	qerr := q.RedisQueue.Close()
	if err := q.rdb.Close(); err != nil && qerr == nil {
		qerr = err
	}
	return qerr
}
