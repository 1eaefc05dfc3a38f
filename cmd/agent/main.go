package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cassiomorais/checkout/internal/agent"
	"github.com/cassiomorais/checkout/internal/apiclient"
	"github.com/cassiomorais/checkout/internal/infrastructure/observability"
	"github.com/cassiomorais/checkout/internal/protocol"
	"github.com/cassiomorais/checkout/internal/terminal"
	"github.com/cassiomorais/checkout/pkg/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const usage = `Usage: agent <command> [flags]

Commands:
  setup   write the agent config file, optionally registering a new agent
  run     connect to the checkout service and execute terminal commands
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "setup":
		err = setup(os.Args[2:])
	case "run":
		err = run(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func setup(args []string) error {
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	path := fs.String("config", agent.DefaultConfigPath(), "Path of the agent config file")
	serviceURL := fs.String("service-url", "", "Base URL of the checkout service")
	token := fs.String("token", "", "Agent token issued at registration")
	register := fs.String("register", "", "Register a new agent under this name instead of passing -token")
	operatorToken := fs.String("operator-token", "", "Operator bearer token used with -register")
	host := fs.String("terminal-host", "", "Terminal host")
	port := fs.Int("terminal-port", 0, "Terminal port")
	password := fs.String("terminal-password", "", "Terminal password")
	simulate := fs.Bool("simulate", false, "Use the built-in terminal simulator")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9102")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// Start from what is on disk so setup can be rerun to change one field.
	cfg, err := agent.LoadConfig(*path)
	if err != nil {
		return err
	}
	if *serviceURL != "" {
		cfg.ServiceURL = *serviceURL
	}
	if *token != "" {
		cfg.AgentToken = *token
	}
	if *host != "" {
		cfg.Terminal.Host = *host
	}
	if *port != 0 {
		cfg.Terminal.Port = *port
	}
	if *password != "" {
		cfg.Terminal.Password = *password
	}
	if *simulate {
		cfg.Terminal.Simulate = true
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	if *register != "" {
		if cfg.ServiceURL == "" {
			return errors.New("-register needs -service-url")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		resp, err := apiclient.New(cfg.ServiceURL, *operatorToken).RegisterAgent(ctx, protocol.RegisterAgentRequest{
			Name: *register,
			Terminal: protocol.TerminalTarget{
				Host:     cfg.Terminal.Host,
				Port:     cfg.Terminal.Port,
				Password: cfg.Terminal.Password,
			},
		})
		if err != nil {
			return fmt.Errorf("register agent: %w", err)
		}
		cfg.AgentToken = resp.Token
		fmt.Printf("Registered agent %s (%s)\n", resp.Name, resp.ID)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	if err := agent.SaveConfig(*path, cfg); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", *path)
	return nil
}

func run(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	path := fs.String("config", agent.DefaultConfigPath(), "Path of the agent config file")
	console := fs.Bool("console", false, "Human readable log output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := agent.LoadConfig(*path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !cfg.Terminal.Simulate {
		return errors.New("this build has no hardware terminal driver; set terminal.simulate or run `agent setup -simulate`")
	}

	var logger zerolog.Logger
	if *console {
		logger = observability.InitConsoleLogger(cfg.LogLevel, os.Stderr)
	} else {
		logger = observability.InitLogger(cfg.LogLevel, os.Stdout)
	}

	reg := prometheus.NewRegistry()
	metrics := observability.NewAgentMetrics("checkout_agent", reg)

	driver := terminal.NewGuarded(terminal.NewSimulator(), terminal.BreakerSettings{Name: "terminal"}, metrics.CircuitBreakerState)

	rt := agent.NewRuntime(
		apiclient.New(cfg.ServiceURL, cfg.AgentToken),
		driver,
		clock.Real{},
		metrics,
		logger,
		agent.Settings{
			Version:           version,
			Terminal:          cfg.Terminal.Target(),
			HeartbeatInterval: cfg.HeartbeatInterval,
			PollWait:          cfg.PollWait,
			OperationTimeout:  cfg.Terminal.OperationTimeout,
			MaxBackoff:        cfg.MaxBackoff,
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Run(gCtx) })

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("Serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
