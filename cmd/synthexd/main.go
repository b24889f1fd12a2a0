package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openperp/synthex/api"
	"github.com/openperp/synthex/internal/config"
	"github.com/openperp/synthex/internal/engine"
	"github.com/openperp/synthex/internal/events"
	"github.com/openperp/synthex/internal/funding"
	"github.com/openperp/synthex/internal/ledger"
	"github.com/openperp/synthex/internal/liquidation"
	"github.com/openperp/synthex/internal/marketmaker"
	"github.com/openperp/synthex/internal/metrics"
	"github.com/openperp/synthex/internal/model"
	"github.com/openperp/synthex/internal/oracle"
	"github.com/openperp/synthex/internal/registry"
	"github.com/openperp/synthex/internal/service"
	"github.com/openperp/synthex/internal/store"
	"github.com/openperp/synthex/internal/trigger"
	"github.com/openperp/synthex/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}
	defer zapLogger.Sync()

	repo, err := buildStore(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("open store", zap.Error(err))
	}

	var cache *registry.PriceCache
	if cfg.Redis.Enabled {
		cache, err = registry.NewPriceCache(cfg.Redis.Addr, 0)
		if err != nil {
			zapLogger.Warn("redis unavailable, price cache disabled", zap.Error(err))
			cache = nil
		}
	}

	static := oracle.NewStatic(nil)
	reg := registry.New(zapLogger, static, cache, cfg.Oracle.Staleness)
	for _, inst := range cfg.Instruments {
		reg.Register(registry.Instrument{Symbol: inst.Symbol, DisplayName: inst.DisplayName})
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	var pub *events.Publisher
	if cfg.Kafka.Enabled {
		pub = events.New(zapLogger, cfg.Kafka.Brokers)
		defer pub.Close()
	}

	led := ledger.New(zapLogger, repo, ledger.Config{
		MarginRate: decimal.NewFromFloat(cfg.Trading.MarginRate),
	})

	var enginePub engine.Publisher
	if pub != nil {
		enginePub = pub
	}
	eng := engine.New(zapLogger, repo, led, reg, enginePub, m)
	for _, inst := range cfg.Instruments {
		eng.RegisterInstrument(inst.Symbol)
	}

	liq := liquidation.New(zapLogger, repo, led, reg, reg, m, liquidation.Config{
		Thresholds: liquidation.Thresholds{
			Warning:     decimal.NewFromFloat(cfg.Trading.WarningThreshold),
			Danger:      decimal.NewFromFloat(cfg.Trading.DangerThreshold),
			Liquidation: decimal.Zero,
		},
		Interval: cfg.Trading.LiquidationInterval,
	})

	var fundingPub funding.Publisher
	if pub != nil {
		fundingPub = pub
	}
	fund := funding.New(zapLogger, repo, led, reg, eng, reg, fundingPub, m, funding.Config{
		DeviationWeight: decimal.NewFromFloat(cfg.Trading.FundingDeviationW),
		ImbalanceWeight: decimal.NewFromFloat(cfg.Trading.FundingImbalanceW),
		MaxRate:         decimal.NewFromFloat(cfg.Trading.FundingMaxRate),
		Interval:        cfg.Trading.FundingInterval,
	})

	trig := trigger.New(zapLogger, repo, eng, reg, reg, m, trigger.Config{
		Interval: cfg.Trading.TriggerInterval,
	})

	ctx := context.Background()
	var maker *marketmaker.Maker
	if cfg.Trading.MakerEnabled {
		makerID := uuid.New()
		deposit := decimal.NewFromFloat(cfg.Trading.MakerInitialDeposit)
		if deposit.IsPositive() {
			if err := led.Deposit(ctx, makerID, deposit); err != nil {
				zapLogger.Fatal("seed market maker", zap.Error(err))
			}
		}
		maker = marketmaker.New(zapLogger, eng, reg, fund, led, reg, m, marketmaker.Config{
			UserID:        makerID,
			Levels:        cfg.Trading.MakerLevels,
			BaseSpread:    decimal.NewFromFloat(cfg.Trading.MakerBaseSpread),
			LevelStep:     decimal.NewFromFloat(cfg.Trading.MakerLevelStep),
			QuoteSize:     decimal.NewFromFloat(cfg.Trading.MakerQuoteSize),
			FundingWeight: decimal.NewFromFloat(cfg.Trading.MakerFundingWeight),
			InventoryCap:  decimal.NewFromFloat(cfg.Trading.MakerInventoryCap),
			Interval:      cfg.Trading.MakerInterval,
		})
	}

	trading := service.New(zapLogger, reg, eng, led, liq, fund, trig, maker)
	if cfg.Oracle.FeedURL != "" {
		trading.AddRunner(oracle.NewFeed(zapLogger, cfg.Oracle.FeedURL, reg))
	}
	if err := trading.Start(ctx); err != nil {
		zapLogger.Fatal("start services", zap.Error(err))
	}

	server := api.New(zapLogger, trading, promReg, cfg.Server.Addr)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		zapLogger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			zapLogger.Error("http server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("http shutdown", zap.Error(err))
	}
	trading.Stop()
	if cache != nil {
		cache.Close()
	}
	zapLogger.Info("shutdown complete")
}

func buildStore(cfg *config.Config, zapLogger *zap.Logger) (model.Repository, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgres(cfg.Store.DSN, zapLogger)
	case "sqlite":
		dsn := cfg.Store.DSN
		if dsn == "" {
			dsn = "synthex.db"
		}
		return store.NewSQLite(dsn, zapLogger)
	default:
		return store.NewMemory(), nil
	}
}
