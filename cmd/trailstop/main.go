package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"trailstop/internal/alert"
	"trailstop/internal/bootstrap"
	"trailstop/internal/exchange"
	"trailstop/internal/feed"
	"trailstop/internal/infrastructure/health"
	"trailstop/internal/infrastructure/server"
	"trailstop/internal/journal"
	"trailstop/internal/trailing"
	"trailstop/pkg/concurrency"
	"trailstop/pkg/telemetry"

	"github.com/joho/godotenv"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

var (
	configFile   = flag.String("config", "configs/config.yaml", "Path to configuration file")
	exchangeFlag = flag.String("exchange", "", "Exchange override (binance, alpaca, paper)")
	showVersion  = flag.Bool("version", false, "Show version and exit")
)

const (
	shutdownTimeout     = 15 * time.Second
	healthWatchInterval = 5 * time.Second
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("trailstop version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// .env is optional; real environment variables win
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Failed to read .env: %v\n", err)
	}
	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}
	if envExchange := os.Getenv("EXCHANGE"); envExchange != "" && *exchangeFlag == "" {
		*exchangeFlag = envExchange
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "trailstop: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	app, err := bootstrap.NewApp(*configFile)
	if err != nil {
		return err
	}
	cfg, logger := app.Cfg, app.Logger

	if *exchangeFlag != "" && !strings.EqualFold(*exchangeFlag, cfg.App.Exchange) {
		cfg.App.Exchange = *exchangeFlag
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger.Info("Starting trailstop",
		"version", version,
		"exchange", cfg.App.Exchange,
		"symbol", cfg.Trailing.Symbol,
		"period", cfg.Trailing.Period,
		"bar_lag", cfg.Trailing.BarLag)

	// 1. Telemetry
	if cfg.Telemetry.Enabled {
		tel, err := telemetry.SetupWithOptions(cfg.Telemetry.ServiceName, telemetry.Options{
			ConsoleExport: cfg.Telemetry.ConsoleExport,
		})
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := tel.Shutdown(ctx); err != nil {
				logger.Warn("Telemetry shutdown failed", "error", err)
			}
		}()
	}

	// 2. Venue: gateway and bar clock
	venue, err := exchange.NewVenue(cfg, logger)
	if err != nil {
		return fmt.Errorf("exchange: %w", err)
	}
	if venue.Ping != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.CallTimeout)
		if err := venue.Ping(ctx); err != nil {
			logger.Warn("Exchange health check failed (will continue)", "error", err)
		} else {
			logger.Info("Exchange health check passed", "exchange", venue.Gateway.Name())
		}
		cancel()
	}

	// 3. Reconcile pool
	var pool *concurrency.WorkerPool
	if cfg.Concurrency.ReconcileWorkers > 0 {
		pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "ReconcilePool",
			MaxWorkers:  cfg.Concurrency.ReconcileWorkers,
			MaxCapacity: cfg.Concurrency.ReconcileBuffer,
			NonBlocking: true,
		}, logger)
		defer pool.Stop()
	}

	// 4. Alerts
	alerts := alert.NewAlertManager(logger).WithThrottle(time.Minute)
	if url := cfg.Alerts.SlackWebhookURL.Reveal(); url != "" {
		alerts.AddChannel(alert.NewSlackChannel(url))
	}
	if token := cfg.Alerts.TelegramBotToken.Reveal(); token != "" {
		alerts.AddChannel(alert.NewTelegramChannel(token, cfg.Alerts.TelegramChatID))
	}
	logger.Info("Alert channels configured", "count", alerts.ChannelCount())

	// 5. Engine
	deps := trailing.Dependencies{
		Clock:   venue.Clock,
		Feed:    feed.NewPoller(venue.Gateway, cfg.Trailing.Symbol, cfg.Trailing.PositionPollInterval, logger),
		Gateway: venue.Gateway,
		Alerts:  alerts,
		Pool:    pool,
	}

	var stopJournal *journal.SQLiteJournal
	if cfg.App.JournalPath != "" {
		stopJournal, err = journal.NewSQLiteJournal(cfg.App.JournalPath)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		defer stopJournal.Close()
		deps.Journal = stopJournal
		logger.Info("Decision journal opened", "path", cfg.App.JournalPath)
	}

	engine := trailing.NewEngine(trailing.Config{
		Symbol:  cfg.Trailing.Symbol,
		Period:  cfg.Trailing.Period,
		BarLag:  cfg.Trailing.BarLag,
		Account: cfg.Trailing.Account,
	}, deps, logger)

	// 6. Health
	hm := health.NewHealthManager(logger)
	hm.Register("engine", func() error {
		if !engine.Running() {
			return fmt.Errorf("trailing engine not running")
		}
		return nil
	})
	hm.Register("gateway", venue.Gateway.HealthCheck)
	hm.Register("bars", health.StaleAfter("closed bar", 2*cfg.Trailing.Period, engine.LastBarTime, time.Now))
	if stopJournal != nil {
		hm.Register("journal", stopJournal.HealthCheck)
	}
	if venue.Ping != nil {
		hm.RegisterInfo("exchange_api", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.CallTimeout)
			defer cancel()
			return venue.Ping(ctx)
		})
	}

	runners := []bootstrap.Runner{engine}

	if cfg.Server.HealthPort != "" {
		httpServer := server.NewHealthServer(cfg.Server.HealthPort, logger, hm)
		httpServer.SetStatusProvider(func() interface{} { return engine.Status() })
		if stopJournal != nil {
			httpServer.SetEventSource(stopJournal)
		}
		runners = append(runners, bootstrap.RunnerFunc(func(ctx context.Context) error {
			if err := httpServer.Start(); err != nil {
				return fmt.Errorf("health server: %w", err)
			}
			<-ctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Stop(stopCtx)
		}))
	}

	var grpcServer *server.GRPCHealthServer
	if cfg.Server.GRPCPort != "" {
		grpcServer = server.NewGRPCHealthServer(cfg.Server.GRPCPort, logger)
		runners = append(runners, bootstrap.RunnerFunc(func(ctx context.Context) error {
			if err := grpcServer.Start(); err != nil {
				return fmt.Errorf("grpc health server: %w", err)
			}
			<-ctx.Done()
			grpcServer.Stop()
			return nil
		}))
	}

	runners = append(runners, bootstrap.RunnerFunc(func(ctx context.Context) error {
		if !waitRunning(ctx, engine) {
			return nil
		}
		hm.Watch(ctx, healthWatchInterval, func(healthy bool) {
			if grpcServer != nil {
				grpcServer.SetServing(healthy)
			}
			if !healthy {
				alerts.Alert(ctx, "Trailstop unhealthy",
					fmt.Sprintf("failing: %s", strings.Join(hm.Failing(), ", ")),
					alert.Warning, map[string]string{"symbol": cfg.Trailing.Symbol})
			}
		})
		return nil
	}))

	runErr := app.Run(runners...)

	// 7. Shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if cfg.System.CancelOnExit {
		n := engine.CancelAllStops(shutdownCtx)
		logger.Info("Stops cancelled on exit", "count", n)
	} else {
		logger.Info("Leaving protective stops resting on the exchange",
			"watched", engine.Registry().Len())
	}

	if err := alerts.Wait(shutdownCtx); err != nil {
		logger.Warn("Pending alerts not delivered", "error", err)
	}

	return runErr
}

// waitRunning blocks until the engine loop is up so the first health verdict
// is not a startup artifact. It returns false when ctx ends first.
func waitRunning(ctx context.Context, engine *trailing.Engine) bool {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for !engine.Running() {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}
