// Package main hosts the Milvaion scheduling control plane: the dispatcher,
// status tracker, log collector, zombie detector, failed-occurrence handler,
// and worker-discovery service, each as an independent long-running task.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/milvasoft/milvaion/internal/bus"
	"github.com/milvasoft/milvaion/internal/config"
	"github.com/milvasoft/milvaion/internal/discovery"
	"github.com/milvasoft/milvaion/internal/dispatcher"
	"github.com/milvasoft/milvaion/internal/dlq"
	"github.com/milvasoft/milvaion/internal/logcollector"
	"github.com/milvasoft/milvaion/internal/logger"
	"github.com/milvasoft/milvaion/internal/metrics"
	"github.com/milvasoft/milvaion/internal/redisstore"
	"github.com/milvasoft/milvaion/internal/store/postgres"
	"github.com/milvasoft/milvaion/internal/tracker"
	"github.com/milvasoft/milvaion/internal/zombie"
)

// shutdownGrace bounds how long components get to drain on stop
const shutdownGrace = 30 * time.Second

func main() {
	// Local development convenience; production passes real env vars
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := log.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to close logger: %v\n", err)
		}
	}()
	logger.SetDefault(log)

	promRegistry := prometheus.NewRegistry()
	metrics.SetDefault(metrics.New(promRegistry))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, promRegistry); err != nil {
		log.Error("Scheduler exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, promRegistry *prometheus.Registry) error {
	log := logger.Default()

	log.Info("Scheduler starting",
		"instance_id", cfg.Dispatcher.InstanceID,
		"redis_url", cfg.RedisURL,
		"bus_url", cfg.BusURL)

	// Redis
	rdb, err := redisstore.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer rdb.Close()

	client := redisstore.NewClient(rdb, redisstore.Options{
		KeyPrefix: cfg.KeyPrefix,
	})
	locks := redisstore.NewLockService(client)
	registry := redisstore.NewWorkerRegistry(client, cfg.WorkerHealth.HeartbeatTimeout)

	// Relational store; reachability is handled by startup recovery
	pool, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	jobsRepo := postgres.NewJobsRepo(pool)
	occsRepo := postgres.NewOccurrencesRepo(pool)
	failedRepo := postgres.NewFailedRepo(pool)

	// Message bus
	b, err := bus.Connect(ctx, cfg.BusURL)
	if err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	defer b.Close()

	publisher := bus.NewPublisher(b)
	defer publisher.Close()

	// Components
	disp := dispatcher.New(cfg.Dispatcher, jobsRepo, occsRepo, client, locks, registry, publisher, b)
	disp.SetStoreReadiness(func(ctx context.Context) error {
		return postgres.WaitReady(ctx, pool, logger.Default().WithComponent(logger.ComponentStore))
	})

	trk := tracker.New(cfg.Tracker, cfg.AutoDisable, b, occsRepo, jobsRepo, client, registry)
	collector := logcollector.New(cfg.LogCollector, b, occsRepo)
	detector := zombie.New(cfg.Zombie, occsRepo, client)
	dlqHandler := dlq.New(b, occsRepo, failedRepo, func(err error) bool {
		return errors.Is(err, postgres.ErrNotFound)
	})
	disco := discovery.New(b, registry)

	// Health and metrics endpoint
	healthSrv := healthServer(cfg.HealthAddr, promRegistry)
	go func() {
		log.Info("Health server listening", "addr", cfg.HealthAddr)
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Health server failed", "error", err)
		}
	}()

	// Breaker state gauge
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if client.BreakerOpen() {
					metrics.Default().RedisBreakerOpen.Set(1)
				} else {
					metrics.Default().RedisBreakerOpen.Set(0)
				}
			}
		}
	}()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := disp.Start(ctx); err != nil {
			log.Error("Dispatcher stopped with error", "error", err)
		}
	}()

	trk.Start(ctx)
	collector.Start(ctx)
	disco.Start(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		detector.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		dlqHandler.Start(ctx)
	}()

	log.Info("All components started")

	<-ctx.Done()
	log.Info("Shutdown signal received, draining components")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		trk.Wait()
		collector.Wait()
		disco.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("All components drained")
	case <-time.After(shutdownGrace):
		log.Warn("Shutdown grace exceeded, exiting", "grace", shutdownGrace)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	return nil
}

// healthServer exposes /healthz and Prometheus /metrics
func healthServer(addr string, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
