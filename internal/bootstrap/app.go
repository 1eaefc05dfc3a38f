package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/cassiomorais/checkout/internal/infrastructure/config"
	"github.com/cassiomorais/checkout/internal/infrastructure/observability"
	infraRedis "github.com/cassiomorais/checkout/internal/infrastructure/redis"
	"github.com/cassiomorais/checkout/internal/repository/postgres"
	"github.com/cassiomorais/checkout/internal/service"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Metrics *observability.Metrics
}

func New(ctx context.Context, serviceName string, metricsNamespace string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info().Str("service", serviceName).Str("instance", cfg.InstanceID).Msg("Starting")

	if cfg.Observability.EnableTracing {
		tp, err := observability.InitTracer(serviceName, cfg.Observability.JaegerEndpoint)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		} else {
			go func() {
				<-ctx.Done()
				observability.Shutdown(context.Background(), tp)
			}()
			logger.Info().Msg("Tracing enabled")
		}
	}

	metrics := observability.NewMetrics(metricsNamespace, nil)

	pool, err := postgres.NewPool(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("Connected to PostgreSQL")

	redisClient, err := infraRedis.NewClient(ctx, &cfg.Redis)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info().Msg("Connected to Redis")

	return &App{
		Config:  cfg,
		Logger:  logger,
		Pool:    pool,
		Redis:   redisClient,
		Metrics: metrics,
	}, nil
}

// Repositories are the Postgres stores shared by the API and the worker.
type Repositories struct {
	Transactions *postgres.TransactionRepository
	Agents       *postgres.AgentRepository
	Commands     *postgres.CommandRepository
	Outbox       *postgres.OutboxRepository
	Idempotency  *postgres.IdempotencyRepository
	TxManager    *postgres.TxManager
}

func (a *App) Repositories() *Repositories {
	return &Repositories{
		Transactions: postgres.NewTransactionRepository(a.Pool),
		Agents:       postgres.NewAgentRepository(a.Pool),
		Commands:     postgres.NewCommandRepository(a.Pool),
		Outbox:       postgres.NewOutboxRepository(a.Pool),
		Idempotency:  postgres.NewIdempotencyRepository(a.Pool),
		TxManager:    postgres.NewTxManager(a.Pool),
	}
}

// CheckoutService wires the checkout service against Postgres and Redis.
func (a *App) CheckoutService(repos *Repositories) *service.CheckoutService {
	return service.NewCheckoutService(
		repos.Transactions,
		repos.Agents,
		repos.Commands,
		repos.Outbox,
		repos.TxManager,
		infraRedis.NewLocker(a.Redis, a.Config.Checkout.LockTTL),
		infraRedis.NewNotifier(a.Redis),
		a.Metrics,
		a.Logger,
		service.CheckoutSettings{
			Currency:     a.Config.Checkout.Currency,
			OnlineWindow: a.Config.Agent.OnlineWindow,
		},
	)
}

func (a *App) AgentService(repos *Repositories) *service.AgentService {
	return service.NewAgentService(
		repos.Agents,
		repos.Commands,
		repos.Transactions,
		repos.Outbox,
		repos.TxManager,
		infraRedis.NewNotifier(a.Redis),
		a.Metrics,
		a.Logger,
		service.AgentSettings{
			OnlineWindow: a.Config.Agent.OnlineWindow,
			MaxPollWait:  a.Config.Agent.MaxPollWait,
		},
	)
}

func (a *App) Close() {
	a.Redis.Close()
	a.Pool.Close()
}
