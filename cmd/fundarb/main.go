package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fundarb/internal/alert"
	"fundarb/internal/config"
	"fundarb/internal/core"
	"fundarb/internal/engine"
	"fundarb/internal/exchange"
	"fundarb/internal/logging"
	"fundarb/internal/mock"
	"fundarb/internal/server"
	"fundarb/internal/store"
	"fundarb/pkg/telemetry"

	"github.com/shopspring/decimal"
)

var configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	// 1. Configuration (defaults when the file is absent)
	cfg := config.DefaultConfig()
	if _, err := os.Stat(*configFile); err == nil {
		loaded, err := config.LoadConfig(*configFile)
		if err != nil {
			bootLogger, _ := logging.NewZapLogger("INFO")
			bootLogger.Fatal("Failed to load config", "path", *configFile, "error", err)
		}
		cfg = loaded
	}

	// 2. Logger
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		panic(err)
	}
	logger.Info("Starting funding arbitrage engine",
		"pairs", strings.Join(cfg.Trading.Pairs, ","),
		"simulation", cfg.Trading.SimulationMode)

	// 3. Telemetry
	var metricsSrv *telemetry.Server
	if cfg.Telemetry.EnableMetrics {
		if err := telemetry.InitMetrics(); err != nil {
			logger.Fatal("Failed to initialize metrics", "error", err)
		}
		metricsSrv = telemetry.NewServer(cfg.Telemetry.MetricsPort, logger)
		metricsSrv.Start()
	}

	// 4. Store
	st, err := store.NewSQLiteStore(cfg.System.DatabasePath)
	if err != nil {
		logger.Fatal("Failed to open database", "path", cfg.System.DatabasePath, "error", err)
	}
	defer st.Close()

	// 5. Alerts
	alerter := alert.NewManager(logger)
	alerter.AddChannel(alert.NewLogChannel(logger))
	if tg := alert.NewTelegramChannel(cfg.Alerts.TelegramBotToken, cfg.Alerts.TelegramChatID); tg.Enabled() {
		alerter.AddChannel(tg)
		logger.Info("Telegram alerts enabled")
	}
	if slack := alert.NewSlackChannel(cfg.Alerts.SlackWebhookURL); slack.Enabled() {
		alerter.AddChannel(slack)
		logger.Info("Slack alerts enabled")
	}

	// 6. Venues. Only simulated venues ship with this binary; each one is
	// still wrapped in the resilience guard so the engine exercises the same
	// code path it would against live adapters.
	if !cfg.Trading.SimulationMode {
		logger.Fatal("No live venue adapters are built into this binary; set trading.simulation_mode: true")
	}
	exchanges := buildSimulatedVenues(cfg, logger)

	// 7. Engine + control plane
	coord := engine.New(cfg, exchanges, st, alerter, logger)
	srv := server.New(cfg, coord, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	if err := coord.Start(context.Background()); err != nil {
		logger.Error("Engine did not start; control plane remains available", "error", err)
	}

	// 8. Shutdown on signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("Control server exited", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	coord.Stop(shutdownCtx)
	coord.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Control server shutdown", "error", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Stop(shutdownCtx)
	}
	logger.Info("Shutdown complete")
}

// Reference mid prices for the simulated books.
var simMidPrices = map[string]string{
	"BTC/USDT:USDT": "50000",
	"ETH/USDT:USDT": "3000",
	"SOL/USDT:USDT": "150",
}

// Per-venue funding rates, cycled by venue order. The spread between the
// extremes is wide enough for the detector to surface opportunities.
var simRates = []string{"-0.0003", "0.0015", "0.0002", "0.0006"}

// buildSimulatedVenues seeds a mock venue per configured exchange (two
// defaults when none are configured) with static books and staggered funding
// rates.
func buildSimulatedVenues(cfg *config.Config, logger core.ILogger) map[string]core.IExchange {
	names := make([]string, 0, len(cfg.Exchanges))
	for name := range cfg.Exchanges {
		names = append(names, name)
	}
	if len(names) == 0 {
		names = []string{"binance", "bybit"}
	}

	out := make(map[string]core.IExchange, len(names))
	for i, name := range names {
		venue := mock.NewExchange(name)
		rate := decimal.RequireFromString(simRates[i%len(simRates)])
		for _, pair := range cfg.Trading.Pairs {
			venue.SetFundingRate(&core.FundingRate{
				Exchange:        name,
				Symbol:          pair,
				Rate:            rate,
				IntervalHours:   8,
				NextFundingTime: nextFundingBoundary(time.Now().UTC()),
				Timestamp:       time.Now().UTC(),
			})
			venue.SetOrderBook(simBook(name, pair))
		}
		out[name] = exchange.NewGuard(venue, logger)
		logger.Info("Simulated venue ready", "exchange", name, "rate", rate.String())
	}
	return out
}

// nextFundingBoundary returns the next 00/08/16 UTC settlement time.
func nextFundingBoundary(now time.Time) time.Time {
	hour := ((now.Hour() / 8) + 1) * 8
	day := now
	if hour >= 24 {
		hour = 0
		day = now.Add(24 * time.Hour)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hour, 0, 0, 0, time.UTC)
}

func simBook(venue, pair string) *core.OrderBook {
	midStr, ok := simMidPrices[pair]
	if !ok {
		midStr = "100"
	}
	mid := decimal.RequireFromString(midStr)
	tick := mid.Div(decimal.NewFromInt(10000))

	book := &core.OrderBook{Exchange: venue, Symbol: pair, Timestamp: time.Now().UTC()}
	for i := 1; i <= 10; i++ {
		offset := tick.Mul(decimal.NewFromInt(int64(i)))
		book.Bids = append(book.Bids, core.OrderBookLevel{Price: mid.Sub(offset), Size: decimal.NewFromInt(25)})
		book.Asks = append(book.Asks, core.OrderBookLevel{Price: mid.Add(offset), Size: decimal.NewFromInt(25)})
	}
	return book
}
