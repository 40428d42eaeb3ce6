package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/restatedev/sdk-go/server"
	"go.uber.org/fx"

	internalapi "github.com/confirmline/call-confirmation-pipeline/internal/api"
	"github.com/confirmline/call-confirmation-pipeline/internal/callprovider"
	"github.com/confirmline/call-confirmation-pipeline/internal/callwindow"
	"github.com/confirmline/call-confirmation-pipeline/internal/capture"
	appconfig "github.com/confirmline/call-confirmation-pipeline/internal/config"
	"github.com/confirmline/call-confirmation-pipeline/internal/confirmation"
	"github.com/confirmline/call-confirmation-pipeline/internal/events"
	"github.com/confirmline/call-confirmation-pipeline/internal/gateway"
	"github.com/confirmline/call-confirmation-pipeline/internal/notify"
	"github.com/confirmline/call-confirmation-pipeline/internal/scheduler"
	postgres "github.com/confirmline/call-confirmation-pipeline/internal/storage/postgres"
	"github.com/confirmline/call-confirmation-pipeline/internal/telemetry"
)

func newLogger(cfg appconfig.Config) *log.Logger {
	prefix := ""
	if cfg.ServiceName != "" {
		prefix = fmt.Sprintf("[%s] ", cfg.ServiceName)
	}
	logger := log.New(os.Stdout, prefix, log.LstdFlags|log.Lmicroseconds)
	log.SetOutput(os.Stdout)
	log.SetFlags(logger.Flags())
	log.SetPrefix(prefix)
	return logger
}

func setupTelemetry(lc fx.Lifecycle, cfg appconfig.Config, logger *log.Logger) {
	var shutdown func(context.Context) error
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			var err error
			shutdown, err = telemetry.InitTracer(ctx, cfg.ServiceName)
			if err != nil {
				logger.Printf("WARNING: telemetry disabled: %v", err)
				return nil
			}
			logger.Printf("OpenTelemetry initialized for service: %s", cfg.ServiceName)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if shutdown != nil {
				return shutdown(ctx)
			}
			return nil
		},
	})
}

func newSQLDB(lc fx.Lifecycle, cfg appconfig.Config, logger *log.Logger) (*sql.DB, error) {
	logger.Printf("Connecting to PostgreSQL database %s@%s:%d", cfg.Database.Database, cfg.Database.Host, cfg.Database.Port)
	db, err := postgres.OpenDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Printf("Database connection established successfully")
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return db.Close()
		},
	})
	return db, nil
}

func newKafkaProducer(lc fx.Lifecycle, cfg appconfig.Config) *events.Producer {
	prod := events.NewProducer(cfg.Kafka.Brokers)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return prod.Close()
		},
	})
	return prod
}

func newNotifier(cfg appconfig.Config, prod *events.Producer) notify.Notifier {
	if len(cfg.Kafka.Brokers) == 0 {
		return notify.LogNotifier{}
	}
	return notify.NewKafkaNotifier(prod, cfg.Kafka.NotificationsTopic)
}

func newGateway(cfg appconfig.Config) gateway.Gateway {
	return gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.Secret, cfg.Gateway.Timeout)
}

func newDialer(cfg appconfig.Config, logger *log.Logger) callprovider.Dialer {
	switch cfg.CallProvider.Style {
	case "scripted":
		logger.Printf("Using scripted call provider at %s", cfg.CallProvider.BaseURL)
		return callprovider.NewScriptedClient(cfg.CallProvider.BaseURL, cfg.CallProvider.APIKey,
			cfg.CallProvider.FromNumber, cfg.Gateway.Timeout)
	default:
		logger.Printf("Using voice assistant call provider at %s", cfg.CallProvider.BaseURL)
		return callprovider.NewAssistantClient(cfg.CallProvider.BaseURL, cfg.CallProvider.APIKey,
			cfg.CallProvider.AssistantID, cfg.CallProvider.FromNumber, cfg.Gateway.Timeout)
	}
}

func newEngine(cfg appconfig.Config, repo *postgres.Repository, orch *capture.Orchestrator,
	dialer callprovider.Dialer, notifier notify.Notifier, prod *events.Producer) *confirmation.Engine {
	window := callwindow.Policy{
		StartHour: cfg.CallWindow.StartHour,
		EndHour:   cfg.CallWindow.EndHour,
	}
	return confirmation.NewEngine(repo, orch, dialer, window, notifier, prod, confirmation.Config{
		CallbackURL: cfg.CallProvider.CallbackURL,
		RecordCalls: cfg.CallProvider.Record,
		MaxRetries:  cfg.Retry.MaxRetries,
		RetryDelay:  cfg.Retry.Delay,
		EventsTopic: cfg.Kafka.ConfirmationsTopic,
	})
}

func registerWebServer(lc fx.Lifecycle, cfg appconfig.Config, logger *log.Logger, shutdowner fx.Shutdowner,
	engine *confirmation.Engine, repo *postgres.Repository) {
	mux := http.NewServeMux()
	internalapi.NewWebhookHandler(engine, repo, cfg.Gateway.WebhookSecret, cfg.CallProvider.WebhookSecret).Register(mux)
	internalapi.NewOrderHandler(repo).Register(mux)
	httpServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				logger.Printf("Webhook API listening on %s", cfg.HTTP.Addr)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Printf("Webhook API server error: %v", err)
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	})
}

func registerScheduler(lc fx.Lifecycle, cfg appconfig.Config, logger *log.Logger,
	repo *postgres.Repository, engine *confirmation.Engine) {
	sweeper := scheduler.New(repo, engine, cfg.Retry.SweepInterval, cfg.Retry.MaxRetries)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				sweeper.Run(ctx)
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			<-done
			return nil
		},
	})
}

func registerRestateServer(lc fx.Lifecycle, cfg appconfig.Config, logger *log.Logger,
	shutdowner fx.Shutdowner, engine *confirmation.Engine) {
	srv := server.NewRestate().Bind(confirmation.NewService(engine).Definition())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Printf("Restate services listening on %s (runtime %s)",
				cfg.Restate.ListenAddr, cfg.Restate.RuntimeURL)
			go func() {
				defer close(done)
				if err := srv.Start(ctx, cfg.Restate.ListenAddr); err != nil && !errors.Is(err, context.Canceled) {
					logger.Printf("Restate server error: %v", err)
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			<-done
			return nil
		},
	})
}

func main() {
	_ = godotenv.Load()

	app := fx.New(
		fx.Provide(
			appconfig.Load,
			newLogger,
			newSQLDB,
			func(db *sql.DB) *postgres.Repository { return postgres.NewRepository(db) },
			newKafkaProducer,
			newNotifier,
			newGateway,
			newDialer,
			func(repo *postgres.Repository, gw gateway.Gateway, notifier notify.Notifier) *capture.Orchestrator {
				return capture.NewOrchestrator(repo, gw, notifier)
			},
			newEngine,
		),
		fx.Invoke(
			func(logger *log.Logger, cfg appconfig.Config) {
				logger.Printf("Starting %s...", cfg.ServiceName)
			},
			setupTelemetry,
			registerWebServer,
			registerScheduler,
			registerRestateServer,
		),
	)

	app.Run()
}
