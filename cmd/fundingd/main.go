package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/crypto-trading/funding/internal/aggregator"
	"github.com/crypto-trading/funding/internal/basis"
	"github.com/crypto-trading/funding/internal/config"
	"github.com/crypto-trading/funding/internal/eventbus"
	"github.com/crypto-trading/funding/internal/executor"
	"github.com/crypto-trading/funding/internal/monitor"
	"github.com/crypto-trading/funding/internal/persistence"
	"github.com/crypto-trading/funding/internal/registry"
	"github.com/crypto-trading/funding/internal/venue"
	"github.com/crypto-trading/funding/internal/venue/binance"
	"github.com/crypto-trading/funding/internal/venue/bybit"
	"github.com/crypto-trading/funding/internal/venue/hyperliquid"
	"github.com/crypto-trading/funding/internal/venue/okx"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	flag.Parse()

	logger := initLogger("INFO")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger = initLogger(cfg.System.LogLevel)
	logger.Info("configuration loaded",
		"instance_id", cfg.System.InstanceID,
		"venues", len(cfg.Venues),
	)

	configureRuntime(cfg.Runtime, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	metrics := monitor.NewMetrics(prometheus.DefaultRegisterer)

	tracerShutdown, err := monitor.InitTracer(cfg.System.InstanceID, logger)
	if err != nil {
		logger.Warn("tracer initialization failed, continuing without tracing", "error", err)
	}

	alertMgr := monitor.NewAlertManager(cfg.Monitoring.AlertChannels, logger)

	bus := eventbus.New(1024, logger)

	sqliteStore, err := persistence.NewSQLiteStore(cfg.Persistence.HotStoreDB, logger)
	if err != nil {
		logger.Error("failed to open hot store", "error", err)
		os.Exit(1)
	}
	defer sqliteStore.Close()

	pgStore, err := persistence.NewPostgresStore(ctx, cfg.Persistence.ColdStoreDSN, cfg.Persistence.ColdStorePoolSize, logger)
	if err != nil {
		logger.Warn("cold store unavailable, continuing with hot store only", "error", err)
	}
	if pgStore != nil {
		if err := pgStore.RunMigrations(ctx); err != nil {
			logger.Error("cold store migrations failed", "error", err)
			os.Exit(1)
		}
		defer pgStore.Close()
	}

	asyncWriter := persistence.NewAsyncWriter(sqliteStore, pgStore, 10000, logger)
	asyncWriter.Run()

	reg := registry.New(logger)
	if cfg.Executor.VenueTimeoutSeconds > 0 {
		reg.SetVenueTimeout(cfg.Executor.VenueTimeout())
	}
	registerVenues(reg, cfg, logger)

	agg := aggregator.New(reg, bus, logger)
	agg.SetCacheTTL(cfg.Aggregator.CacheTTL())

	repo := executor.NewMemoryRepository()
	gate := executor.NewRiskGate(reg, agg, logger)
	if !cfg.Executor.MaxCapitalUSDT.IsZero() {
		gate.SetMaxCapital(cfg.Executor.MaxCapitalUSDT)
	}

	exec := executor.New(reg, agg, bus, repo, gate, alertMgr, logger)
	exec.SetHalt(executor.NewTradingHalt(cfg.Executor.HaltFile, logger))
	exec.SetMonitorInterval(cfg.Executor.MonitorInterval())
	exec.StartMonitor(ctx)

	reconciler := executor.NewReconciler(reg, repo, alertMgr, logger)
	go reconciler.Run(ctx)

	var basisEngine *basis.Engine
	if cfg.Basis.Enabled {
		basisEngine = basis.NewEngine(reg, bus, cfg.Basis.Symbols, logger)
		if !cfg.Basis.DeltaThresholdRatio.IsZero() {
			basisEngine.SetDeltaThreshold(cfg.Basis.DeltaThresholdRatio)
		}
		basisEngine.SetUpdateInterval(cfg.Basis.UpdateInterval())
		basisEngine.Start(ctx)
	}

	metricsRecorder := monitor.NewRecorder(metrics, bus, logger)
	metricsRecorder.Start(ctx)

	resultRecorder := persistence.NewRecorder(asyncWriter, bus, logger)
	resultRecorder.Start(ctx)

	go forwardMarkPrices(ctx, bus, exec)

	markStream := startMarkPriceStream(ctx, cfg, bus, metrics, logger)

	go runFundingRefresher(ctx, reg, bus, cfg.Aggregator.CacheTTL(), logger)
	go runRetentionSweeper(ctx, sqliteStore, cfg.Persistence.Retention(), logger)

	go startMetricsServer(cfg.Monitoring.MetricsAddr, logger)

	if err := config.WatchAndReload(*configPath, func(newCfg *config.Config) {
		if !newCfg.Executor.MaxCapitalUSDT.IsZero() {
			gate.SetMaxCapital(newCfg.Executor.MaxCapitalUSDT)
		}
		agg.SetCacheTTL(newCfg.Aggregator.CacheTTL())
	}); err != nil {
		logger.Warn("config hot-reload setup failed", "error", err)
	}

	logger.Info("system started successfully",
		"instance_id", cfg.System.InstanceID,
		"venues", len(reg.Venues()),
		"basis_engine", cfg.Basis.Enabled,
	)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if markStream != nil {
		if err := markStream.Close(); err != nil {
			logger.Error("failed to close mark price stream", "error", err)
		}
	}

	exec.Stop()
	if basisEngine != nil {
		basisEngine.Stop()
	}

	bus.Close()
	metricsRecorder.Wait()
	resultRecorder.Wait()
	asyncWriter.Stop()

	if tracerShutdown != nil {
		if err := tracerShutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down tracer", "error", err)
		}
	}

	logger.Info("shutdown complete")
}

func initLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "DEBUG":
		logLevel = slog.LevelDebug
	case "INFO":
		logLevel = slog.LevelInfo
	case "WARN":
		logLevel = slog.LevelWarn
	case "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func configureRuntime(cfg config.RuntimeConfig, logger *slog.Logger) {
	if cfg.GoMaxProcs > 0 {
		runtime.GOMAXPROCS(cfg.GoMaxProcs)
	}
	logger.Info("runtime configured",
		"GOMAXPROCS", runtime.GOMAXPROCS(0),
		"GOGC", cfg.GOGC,
		"GOMEMLIMIT", cfg.GoMemLimit,
	)

	if cfg.GOGC > 0 {
		debug.SetGCPercent(cfg.GOGC)
	}
}

// registerVenues wires every enabled venue into the registry. Credentials
// come from the environment (<VENUE>_API_KEY etc.), never from the config
// file, so a leaked config.yaml cannot leak keys.
func registerVenues(reg *registry.Registry, cfg *config.Config, logger *slog.Logger) {
	for venueName, venueCfg := range cfg.Venues {
		if !venueCfg.Enabled {
			continue
		}

		var factory registry.Factory
		switch venueName {
		case "binance":
			factory = func(baseURL string, creds venue.Credentials, l *slog.Logger) venue.Adapter {
				return binance.New(baseURL, creds, l)
			}
		case "bybit":
			factory = func(baseURL string, creds venue.Credentials, l *slog.Logger) venue.Adapter {
				return bybit.New(baseURL, creds, l)
			}
		case "okx":
			factory = func(baseURL string, creds venue.Credentials, l *slog.Logger) venue.Adapter {
				return okx.New(baseURL, creds, l)
			}
		case "hyperliquid":
			// Read-only venue: no API-key auth, credentials are ignored.
			factory = func(baseURL string, _ venue.Credentials, l *slog.Logger) venue.Adapter {
				return hyperliquid.New(baseURL, l)
			}
		default:
			logger.Warn("unknown venue, skipping", "venue", venueName)
			continue
		}

		reg.Register(venueName, venueCfg.RestURL, factory)

		envPrefix := strings.ToUpper(venueName)
		creds := venue.Credentials{
			Key:        os.Getenv(fmt.Sprintf("%s_API_KEY", envPrefix)),
			Secret:     os.Getenv(fmt.Sprintf("%s_API_SECRET", envPrefix)),
			Passphrase: os.Getenv(fmt.Sprintf("%s_API_PASSPHRASE", envPrefix)),
			Sandbox:    venueCfg.Sandbox,
		}
		if !creds.Empty() {
			if err := reg.SetCredentials(venueName, creds); err != nil {
				logger.Error("failed to apply venue credentials", "venue", venueName, "error", err)
			}
		}
	}
}

// forwardMarkPrices feeds websocket mark prices into the executor's
// monitoring cache.
func forwardMarkPrices(ctx context.Context, bus *eventbus.EventBus, exec *executor.Executor) {
	marks := bus.SubscribeMarkPrice()
	for {
		select {
		case <-ctx.Done():
			return
		case mp, ok := <-marks:
			if !ok {
				return
			}
			exec.OnMarkPrice(mp)
		}
	}
}

func startMarkPriceStream(ctx context.Context, cfg *config.Config, bus *eventbus.EventBus, metrics *monitor.Metrics, logger *slog.Logger) *binance.MarkPriceStream {
	venueCfg, ok := cfg.Venues["binance"]
	if !ok || !venueCfg.Enabled {
		return nil
	}

	stream := binance.NewMarkPriceStream(venueCfg.WsURL, logger)
	if err := stream.Connect(ctx); err != nil {
		logger.Warn("mark price stream unavailable, monitor falls back to order book mids", "error", err)
		metrics.VenueWSReconnect.WithLabelValues("binance").Inc()
		return nil
	}
	go stream.ReadPump(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case mp, ok := <-stream.Updates():
				if !ok {
					return
				}
				bus.PublishMarkPrice(mp)
			}
		}
	}()

	return stream
}

// runFundingRefresher keeps the aggregator snapshot warm and publishes
// every observed rate so the metrics recorder sees the full universe.
func runFundingRefresher(ctx context.Context, reg *registry.Registry, bus *eventbus.EventBus, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rates := reg.AllFundingRates(ctx)
			for _, rate := range rates {
				bus.PublishFundingRate(rate)
			}
			logger.Debug("funding rates refreshed", "count", len(rates))
		}
	}
}

func runRetentionSweeper(ctx context.Context, store *persistence.SQLiteStore, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.CleanupOldRows(retention); err != nil {
				logger.Error("hot store cleanup failed", "error", err)
			}
		}
	}
}

func startMetricsServer(addr string, logger *slog.Logger) {
	if addr == "" {
		addr = ":9090"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", monitor.MetricsHandler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	logger.Info("metrics server starting", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", "error", err)
	}
}
