package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	delegationhandler "proxyvote/internal/delegation/handler"
	"proxyvote/internal/delegation/events"
	delegationmetrics "proxyvote/internal/delegation/metrics"
	"proxyvote/internal/delegation/service"
	"proxyvote/internal/delegation/store"
	"proxyvote/internal/identity"
	"proxyvote/internal/ledger"
	"proxyvote/internal/ledger/allowance"
	"proxyvote/internal/platform/config"
	"proxyvote/internal/platform/httpserver"
	"proxyvote/internal/platform/logger"
	"proxyvote/internal/platform/metrics"
	"proxyvote/internal/platform/middleware"
	platformredis "proxyvote/internal/platform/redis"
	"proxyvote/internal/platform/txn"
	id "proxyvote/pkg/domain"
	"proxyvote/pkg/platform/audit"
	auditpublisher "proxyvote/pkg/platform/audit/publisher"
	auditmemory "proxyvote/pkg/platform/audit/store/memory"
	auditpostgres "proxyvote/pkg/platform/audit/store/postgres"
)

// main wires dependencies and keeps the server lifecycle small. Business
// logic lives in the internal packages.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "proxyvote: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	registry, err := registryAccount(cfg)
	if err != nil {
		return err
	}

	// Allowance replay protection. Redis when configured, in-memory otherwise.
	var consumed allowance.ConsumedStore
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
		consumed = allowance.NewRedisConsumedStore(redisClient.Client)
		log.Info("using redis allowance store")
	}

	// Storage. Postgres when DATABASE_URL is set, in-memory otherwise.
	var (
		resourceLedger ledger.Ledger
		nodes          store.NodeStore
		runner         txn.Runner
		auditStore     audit.Store = auditmemory.NewInMemoryStore()
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			return fmt.Errorf("ping database: %w", err)
		}
		resourceLedger = ledger.NewPostgres(db)
		nodes = store.NewPostgres(db)
		runner = txn.NewSQL(db)
		auditStore = auditpostgres.NewStore(db)
		log.Info("using postgres storage")
	} else {
		memLedger := ledger.NewInMemory()
		memNodes := store.NewInMemory()
		resourceLedger = memLedger
		nodes = memNodes
		memStores := []txn.Snapshotter{memLedger, memNodes}
		if consumed == nil {
			// Register the consumed store with the runner so a rolled-back
			// signed funding also rolls back its token consumption.
			memConsumed := allowance.NewInMemoryConsumedStore()
			consumed = memConsumed
			memStores = append(memStores, memConsumed)
		}
		runner = txn.NewMemory(memStores...)
		log.Info("using in-memory storage")
	}
	if consumed == nil {
		consumed = allowance.NewInMemoryConsumedStore()
	}
	allowances := allowance.NewService(allowance.NewInMemoryKeyStore(), consumed)

	// Lifecycle events. Kafka when brokers are configured.
	var sink events.Sink
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSink, err := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer kafkaSink.Close()
		sink = kafkaSink
		log.Info("streaming events to kafka", "topic", cfg.Kafka.Topic)
	}

	auditor := auditpublisher.NewPublisher(auditStore,
		auditpublisher.WithAsyncBuffer(1024),
		auditpublisher.WithLogger(log),
	)
	defer auditor.Close()

	engine := service.NewEngine(resourceLedger, nodes, runner, registry,
		service.WithInitialFanoutBudget(cfg.InitialFanoutBudget),
		service.WithAllowances(allowances),
		service.WithEvents(sink),
		service.WithMetrics(delegationmetrics.New()),
		service.WithAudit(auditor),
		service.WithLogger(log),
	)

	tokens := identity.NewTokenService(cfg.ActorSigningKey, "proxyvote", "proxyvote-api")
	httpMetrics := metrics.New()

	router := chi.NewRouter()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.RequestID)
	router.Use(middleware.RequestTime)
	router.Use(middleware.Logger(log))
	router.Use(middleware.Latency(httpMetrics))
	router.Use(middleware.Timeout(cfg.RequestTimeout))
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Actor(tokens, log))
		delegationhandler.New(engine, log).Register(r)
	})

	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	apiServer := httpserver.New(cfg.Addr, router)
	metricsServer := httpserver.New(cfg.MetricsAddr, metricsRouter)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("starting api server", "addr", cfg.Addr, "registry", registry)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		log.Info("starting metrics server", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api shutdown: %w", err)
		}
		return metricsServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func registryAccount(cfg config.Server) (id.AccountID, error) {
	if cfg.RegistryAccount == "" {
		return id.AccountID(uuid.New()), nil
	}
	account, err := id.ParseAccountID(cfg.RegistryAccount)
	if err != nil {
		return id.AccountID{}, fmt.Errorf("invalid registry account: %w", err)
	}
	return account, nil
}
