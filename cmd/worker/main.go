package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cassiomorais/checkout/internal/bootstrap"
	infraRedis "github.com/cassiomorais/checkout/internal/infrastructure/redis"
	"github.com/cassiomorais/checkout/internal/worker"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, "checkout-worker", "checkout_worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	repos := app.Repositories()
	workerCfg := app.Config.Worker
	producer := infraRedis.NewStreamProducer(app.Redis)

	consumer := infraRedis.NewStreamConsumer(
		app.Redis,
		infraRedis.EventStream,
		workerCfg.ConsumerGroup,
		app.Config.InstanceID,
		workerCfg.BatchSize,
		workerCfg.BlockDuration,
	)
	if err := consumer.CreateGroup(ctx); err != nil {
		app.Logger.Error().Err(err).Msg("Failed to create consumer group")
		os.Exit(1)
	}

	relay := worker.NewOutboxRelay(repos.TxManager, repos.Outbox, producer, app.Metrics, app.Logger,
		int(workerCfg.BatchSize), workerCfg.OutboxPollInterval)
	finalizer := worker.NewDocumentFinalizer(consumer, producer, app.CheckoutService(repos),
		worker.LinkRenderer{BaseURL: workerCfg.DocumentBaseURL}, app.Metrics, app.Logger, workerCfg.ClaimMinIdle)
	janitor := worker.NewJanitor(repos.Idempotency, repos.Outbox, workerCfg.OutboxRetention, workerCfg.CleanupInterval, app.Logger)

	app.Logger.Info().
		Str("stream", infraRedis.EventStream).
		Str("group", workerCfg.ConsumerGroup).
		Str("consumer", app.Config.InstanceID).
		Msg("Worker started, listening for events...")

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gCtx) })
	g.Go(func() error { return finalizer.Run(gCtx) })
	g.Go(func() error { return janitor.Run(gCtx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		app.Logger.Error().Err(err).Msg("Worker error")
	}
	app.Logger.Info().Msg("Worker exited")
}
