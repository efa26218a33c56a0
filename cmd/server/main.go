package main

import (
	"context"
	"encoding/json"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/saludtech/data-retrieval/internal/api"
	cmdretrieval "github.com/saludtech/data-retrieval/internal/app/commands/retrieval"
	"github.com/saludtech/data-retrieval/internal/app/lifecycle"
	"github.com/saludtech/data-retrieval/internal/app/query"
	"github.com/saludtech/data-retrieval/internal/app/upload"
	"github.com/saludtech/data-retrieval/internal/config/fileloader"
	"github.com/saludtech/data-retrieval/internal/infra/eventbus/kafka"
	"github.com/saludtech/data-retrieval/internal/infra/metrics"
	"github.com/saludtech/data-retrieval/internal/infra/outbox"
	"github.com/saludtech/data-retrieval/internal/infra/storage/object"
	retrievalStore "github.com/saludtech/data-retrieval/internal/infra/storage/retrieval/postgres"
	"github.com/saludtech/data-retrieval/pkg/common"
	"github.com/saludtech/data-retrieval/pkg/common/logger"
	"github.com/saludtech/data-retrieval/pkg/common/otel"
)

const serviceType = "data-retrieval"

func main() {
	// Set the correct number of threads for the service.
	_, _ = maxprocs.Set()

	// A missing .env file is fine; the environment may be set elsewhere.
	_ = godotenv.Load()

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("DATA-RETRIEVAL-%s", hostname)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}

	log := logger.NewWithMetadata(os.Stdout, logger.LevelDebug, svcName, traceIDFn, logEvents, metadata)

	ctx := context.Background()

	if err := run(ctx, log, hostname); err != nil {
		log.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, hostname string) error {
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0))

	// -------------------------------------------------------------------------
	// Configuration

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := fileloader.NewFileLoader(configPath).Load(ctx)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// -------------------------------------------------------------------------
	// Database

	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN())
	if err != nil {
		return fmt.Errorf("parsing db config: %w", err)
	}
	poolCfg.MinConns = 5
	poolCfg.MaxConns = 25
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("creating db pool: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info(ctx, "startup", "status", "migrations applied")

	// -------------------------------------------------------------------------
	// Tracing

	log.Info(ctx, "startup", "status", "initializing tracing support")

	traceProvider, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      serviceType,
		ExporterEndpoint: cfg.Telemetry.ExporterEndpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
			"/metrics":      {},
		},
		Probability: cfg.Telemetry.SamplingProbability,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
		InsecureExporter: cfg.Telemetry.InsecureExporter,
	})
	if err != nil {
		return fmt.Errorf("starting tracing: %w", err)
	}
	defer teardown(ctx)

	tracer := traceProvider.Tracer(serviceType)

	// -------------------------------------------------------------------------
	// Metrics

	metricsSvc := metrics.New()
	go func() {
		addr := ":" + cfg.Telemetry.MetricsPort
		log.Info(ctx, "startup", "status", "metrics server started", "addr", addr)
		if err := common.RunMetricsServer(addr); err != nil {
			log.Error(ctx, "shutdown", "status", "metrics server closed", "err", err)
		}
	}()

	// -------------------------------------------------------------------------
	// Kafka

	log.Info(ctx, "startup", "status", "initializing event bus")

	kafkaClient, err := kafka.NewClient(&kafka.ClientConfig{
		Brokers:     cfg.Kafka.Brokers,
		GroupID:     cfg.Kafka.GroupID,
		ClientID:    cfg.Kafka.ClientID,
		ServiceType: serviceType,
	})
	if err != nil {
		return fmt.Errorf("creating kafka client: %w", err)
	}
	defer kafkaClient.Close()

	// The bus's consumer group is kept separate from the command consumer's
	// so their topic subscriptions do not rebalance against each other.
	bus, err := kafka.ConnectEventBus(&kafka.EventBusConfig{
		Brokers:            cfg.Kafka.Brokers,
		LifecycleTopic:     cfg.Kafka.LifecycleTopic,
		AnonymizationTopic: cfg.Kafka.AnonymizationTopic,
		DeadLetterTopic:    cfg.Kafka.DeadLetterTopic,
		GroupID:            cfg.Kafka.GroupID + "-events",
		ClientID:           cfg.Kafka.ClientID,
		ServiceType:        serviceType,
	}, kafkaClient, log, metricsSvc, tracer)
	if err != nil {
		return fmt.Errorf("connecting event bus: %w", err)
	}
	defer bus.Close()

	// -------------------------------------------------------------------------
	// Object storage

	objectStore, err := object.NewMinioStore(ctx, object.Config{
		Endpoint:  cfg.ObjectStore.Endpoint,
		AccessKey: cfg.ObjectStore.AccessKey,
		SecretKey: cfg.ObjectStore.SecretKey,
		Bucket:    cfg.ObjectStore.Bucket,
		UseSSL:    cfg.ObjectStore.UseSSL,
	}, tracer)
	if err != nil {
		return fmt.Errorf("connecting object storage: %w", err)
	}

	// -------------------------------------------------------------------------
	// Command processing

	uow := retrievalStore.NewUnitOfWork(pool, tracer)
	cmdHandler := cmdretrieval.NewCommandHandler(log, tracer, uow, objectStore)

	consumer, err := kafka.NewCommandConsumer(kafkaClient, kafka.CommandConsumerConfig{
		CommandTopic:    cfg.Kafka.CommandTopic,
		DeadLetterTopic: cfg.Kafka.DeadLetterTopic,
		GroupID:         cfg.Kafka.GroupID,
		MaxRetries:      cfg.Kafka.MaxRetries,
		RetryInterval:   cfg.Kafka.RetryInterval,
		CommandTimeout:  cfg.Kafka.CommandTimeout,
	}, cmdHandler, log, metricsSvc, tracer)
	if err != nil {
		return fmt.Errorf("creating command consumer: %w", err)
	}
	defer consumer.Close()

	relay := outbox.NewRelay(
		retrievalStore.NewOutboxReader(pool, tracer),
		bus,
		outbox.RelayConfig{
			PollInterval: cfg.Relay.PollInterval,
			BatchSize:    cfg.Relay.BatchSize,
		},
		log, metricsSvc, tracer,
	)

	monitor := lifecycle.NewMonitor(bus, log, metricsSvc, tracer)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	go consumer.Run(workerCtx)
	go relay.Run(workerCtx)
	if err := monitor.Start(workerCtx); err != nil {
		return fmt.Errorf("starting lifecycle monitor: %w", err)
	}

	// -------------------------------------------------------------------------
	// HTTP API

	log.Info(ctx, "startup", "status", "initializing API support")

	limiter := common.NewRateLimiter(cfg.Upload.RequestsPerSecond, cfg.Upload.Burst)
	uploadSvc := upload.NewService(objectStore, cmdHandler, limiter, log, metricsSvc, tracer)
	querySvc := query.NewService(
		retrievalStore.NewTaskStore(pool, tracer),
		retrievalStore.NewImageStore(pool, tracer),
		log, tracer,
	)

	server := api.NewServer(cfg, log, tracer, cmdHandler, uploadSvc, querySvc, consumer, relay, monitor)

	serverErrors := make(chan error, 1)
	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()

	go func() { serverErrors <- server.Start(serverCtx) }()

	// -------------------------------------------------------------------------
	// Shutdown

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Info(ctx, "shutdown", "status", "shutdown started", "signal", sig)
		defer log.Info(ctx, "shutdown", "status", "shutdown complete", "signal", sig)

		// Stop ingress first so in-flight commands drain, then the workers.
		stopServer()
		stopWorkers()
	}

	return nil
}

// runMigrations applies all up migrations from db/migrations before the
// service takes traffic. Migrations need a database/sql handle, so one is
// borrowed from the pool.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire connection: %w", err)
	}
	defer conn.Release()

	db := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	migrationsPath := os.Getenv("MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "file://db/migrations"
	}

	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}
