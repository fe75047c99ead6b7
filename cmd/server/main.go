package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"contactlink/internal/contact/cache"
	"contactlink/internal/contact/events"
	"contactlink/internal/contact/handler"
	contactmetrics "contactlink/internal/contact/metrics"
	"contactlink/internal/contact/service"
	"contactlink/internal/contact/store"
	"contactlink/internal/platform/config"
	"contactlink/internal/platform/httpserver"
	"contactlink/internal/platform/kafka"
	"contactlink/internal/platform/logger"
	"contactlink/internal/platform/metrics"
	"contactlink/internal/platform/postgres"
	"contactlink/internal/platform/redis"
	"contactlink/pkg/platform/circuit"
	"contactlink/pkg/platform/httputil"
)

const shutdownTimeout = 10 * time.Second

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal services packages.
func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}
	cfg := config.FromEnv()
	log := logger.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("contactlink stopped", "error", err)
		os.Exit(1)
	}
}

// healthCheck reports whether one backing dependency is reachable.
type healthCheck struct {
	name  string
	check func(ctx context.Context) error
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	httpMetrics := metrics.New(reg)
	contactMetrics := contactmetrics.New(reg)

	contactStore, contactTx, checks, closeStore, err := buildStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := []service.Option{
		service.WithLogger(log),
		service.WithMetrics(contactMetrics),
	}

	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		opts = append(opts, service.WithViewCache(cache.NewRedis(redisClient.Client, cfg.IdentityCacheTTL)))
		checks = append(checks, healthCheck{name: "redis", check: redisClient.Health})
		log.Info("identity view cache enabled", "ttl", cfg.IdentityCacheTTL)
	}

	kafkaClient, err := kafka.New(ctx, cfg.Kafka)
	if err != nil {
		return err
	}
	if kafkaClient != nil {
		defer kafkaClient.Close()
		breaker := circuit.New("kafka", circuit.WithFailureThreshold(5), circuit.WithCooldown(30*time.Second))
		publisher := events.NewKafkaPublisher(kafkaClient, cfg.Kafka.Topic, events.WithBreaker(breaker))
		opts = append(opts, service.WithEventPublisher(publisher))
		log.Info("identity events enabled", "topic", cfg.Kafka.Topic)
	}

	svc := service.New(contactStore, contactTx, opts...)

	router := chi.NewRouter()
	handler.New(svc, log, httpMetrics, cfg.Server.RequestTimeout).Register(router)
	router.Get("/healthz", healthz(checks))
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := httpserver.New(cfg.Server.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting contactlink", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("shutting down contactlink")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// buildStore selects Postgres when DATABASE_URL is set and the in-memory store
// otherwise.
func buildStore(ctx context.Context, cfg config.Config, log *slog.Logger) (service.Store, service.StoreTx, []healthCheck, func(), error) {
	if cfg.Database.URL == "" {
		log.Warn("DATABASE_URL not set, contacts are kept in memory")
		mem := store.NewInMemory()
		return mem, store.NewInMemoryTxManager(mem, cfg.TxTimeout), nil, func() {}, nil
	}

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	closeDB := func() {
		if err := db.Close(); err != nil {
			log.Error("failed to close database", "error", err)
		}
	}
	if cfg.Database.RunMigrations {
		if err := postgres.Migrate(db, log); err != nil {
			closeDB()
			return nil, nil, nil, nil, err
		}
	}

	checks := []healthCheck{{name: "postgres", check: db.PingContext}}
	return store.NewPostgres(db), store.NewPostgresTxManager(db, cfg.TxTimeout), checks, closeDB, nil
}

// healthz reports 503 with the failing dependency names when any check fails.
func healthz(checks []healthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := map[string]string{}
		healthy := true
		for _, c := range checks {
			if err := c.check(ctx); err != nil {
				status[c.name] = "unavailable"
				healthy = false
				continue
			}
			status[c.name] = "ok"
		}

		code := http.StatusOK
		if !healthy {
			code = http.StatusServiceUnavailable
		}
		httputil.WriteJSON(w, code, map[string]any{"healthy": healthy, "checks": status})
	}
}
