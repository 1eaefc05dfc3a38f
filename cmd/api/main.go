package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cassiomorais/checkout/internal/bootstrap"
	"github.com/cassiomorais/checkout/internal/controller"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, "checkout-api", "checkout")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	repos := app.Repositories()
	cfg := app.Config

	router := controller.NewRouter(controller.RouterDeps{
		CheckoutService:  app.CheckoutService(repos),
		AgentService:     app.AgentService(repos),
		IdempotencyStore: repos.Idempotency,
		Health: []controller.Dependency{
			controller.PostgresDependency(app.Pool),
			controller.RedisDependency(app.Redis),
		},
		Metrics:        app.Metrics,
		CORSConfig:     cfg.Server.CORS,
		JWTSecret:      cfg.Auth.JWTSecret,
		IdempotencyTTL: cfg.Checkout.IdempotencyTTL,
		AgentRateLimit: cfg.Agent.RateLimitPerMin,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	if cfg.Agent.MaxPollWait >= cfg.Server.WriteTimeout {
		app.Logger.Warn().
			Dur("max_poll_wait", cfg.Agent.MaxPollWait).
			Dur("write_timeout", cfg.Server.WriteTimeout).
			Msg("Agent long polls may outlive the server write timeout")
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.Logger.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		app.Logger.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.Logger.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		app.Logger.Error().Err(err).Msg("API exited with error")
		return
	}
	app.Logger.Info().Msg("Server exited")
}
