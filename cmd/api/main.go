// Package main is the entry point for the DrawClub payments API server.
//
// It loads configuration, connects the PostgreSQL pool and AWS clients, wires
// the webhook processing pipeline (ledger, benefit grants, subscription state
// machine) and the member/operator endpoints onto the core chassis, and
// serves HTTP until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"drawclub/internal/api/handlers"
	"drawclub/internal/benefits"
	"drawclub/internal/config"
	"drawclub/internal/core"
	"drawclub/internal/db"
	"drawclub/internal/event"
	"drawclub/internal/external"
	"drawclub/internal/notifications"
	"drawclub/internal/subscription"
	"drawclub/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("drawclub payments API starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()

	pool, err := newPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting database pool: %w", err)
	}
	defer pool.Close()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS SDK config: %w", err)
	}

	// Repositories on the pool. Transactional paths rebind them to the tx
	// via the DBTX parameter.
	accountRepo := db.NewAccountRepo(pool, logger)
	catalogRepo := db.NewCatalogRepo(pool, logger)
	ledgerRepo := db.NewLedgerRepo(pool, logger)
	txRunner := db.NewPoolTxRunner(pool)

	stripeClient := external.NewStripeClient(
		&http.Client{Timeout: cfg.Gateway.Timeout},
		external.StripeClientConfig{
			SecretKey: cfg.Gateway.SecretKey.Unmask(),
			BaseURL:   cfg.Gateway.BaseURL,
			Logger:    logger,
		},
	)

	notifier := newNotifier(awsCfg, cfg.AWS, logger)
	metrics := newMetrics(awsCfg, cfg.AWS, logger)

	calc := benefits.NewCalculator(catalogRepo, logger)
	engine := benefits.NewGrantEngine(ledgerRepo, txRunner, logger)
	benefitSvc := benefits.NewService(
		accountRepo, catalogRepo, stripeClient, calc, engine, notifier, metrics, logger,
	)

	subSvc := subscription.NewService(
		accountRepo, catalogRepo, stripeClient, notifier, metrics,
		cfg.Pipeline.CancellationRecencyWindow, logger,
	)

	router := event.NewRouter(benefitSvc, subSvc, logger)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Pinger = pool

	webhookHandler := handlers.NewWebhookHandler(
		&event.StripeVerifier{}, router, cfg.Gateway.WebhookSecret.Unmask(), logger,
	)
	subHandler := handlers.NewSubscriptionHandler(subSvc, srv.Validator, logger)
	adminHandler := handlers.NewAdminHandler(
		accountRepo, ledgerRepo, cfg.Admin.APIKeyHash.Unmask(), logger,
	)

	srv.MountRoutes(
		webhookHandler.RegisterRoutes,
		subHandler.RegisterRoutes,
		adminHandler.RegisterRoutes,
	)

	return srv.Run(ctx)
}

// newPool builds the pgx pool from the database config.
func newPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	pc.MaxConns = int32(cfg.MaxConns)
	pc.MinConns = int32(cfg.MinConns)
	pc.MaxConnLifetime = cfg.MaxConnLifetime
	pc.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.AcquireTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	return pool, nil
}

// newNotifier builds the SQS notification emitter. The endpoint override
// routes to LocalStack when set.
func newNotifier(awsCfg aws.Config, cfg config.AWSConfig, logger *slog.Logger) subscription.Notifier {
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
	})
	return notifications.NewSQSEmitter(client, cfg.NotificationQueue, logger)
}

// newMetrics builds the CloudWatch recorder, or a no-op when metrics are
// disabled for local development.
func newMetrics(awsCfg aws.Config, cfg config.AWSConfig, logger *slog.Logger) telemetry.Recorder {
	if !cfg.MetricsEnabled {
		return telemetry.Noop{}
	}
	client := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
	})
	return telemetry.NewCloudWatchRecorder(client, logger)
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

// Interface conformance for the wiring above; failures surface at compile
// time rather than in startup panics.
var (
	_ handlers.SubscriptionService = (*subscription.Service)(nil)
	_ handlers.AccountReader       = (*db.AccountRepo)(nil)
	_ handlers.LedgerReader        = (*db.LedgerRepo)(nil)
)
