package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/velocimex/riskgate/internal/capitalflow"
	"github.com/velocimex/riskgate/internal/config"
	"github.com/velocimex/riskgate/internal/deadman"
	"github.com/velocimex/riskgate/internal/events"
	"github.com/velocimex/riskgate/internal/execution"
	"github.com/velocimex/riskgate/internal/gateway"
	"github.com/velocimex/riskgate/internal/governance"
	"github.com/velocimex/riskgate/internal/journal"
	"github.com/velocimex/riskgate/internal/risk"
	"github.com/velocimex/riskgate/internal/venue"
	"github.com/velocimex/riskgate/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.New(logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	var configPaths []string
	if path := os.Getenv("RISKGATE_CONFIG"); path != "" {
		configPaths = append(configPaths, path)
	}
	cfg, v, err := config.Load(configPaths...)
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	jnl, err := journal.Open(cfg.Journal.Path, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to open journal", zap.Error(err))
	}
	defer jnl.Close()

	bus := events.NewBus(zapLogger)

	engine := risk.NewEngine(cfg.Risk.Limits, cfg.Risk.InitialEquity, zapLogger)
	checker := risk.NewInvariantChecker(engine, zapLogger)
	limiter := capitalflow.NewLimiter(cfg.CapitalFlow, bus, jnl, zapLogger)

	trust := venue.NewTrustManager(cfg.Venue.Trust, jnl, zapLogger)
	retry := venue.NewRetryEngine(cfg.Venue.Router.Retry, jnl, zapLogger)
	router := venue.NewRouter(cfg.Venue.Router, trust, retry, bus, zapLogger)
	router.Register(venue.NewPaperAdapter("paper", decimal.NewFromFloat(0.001)))

	executor := execution.NewExecutor(cfg.Execution, router, execution.StaticAnalyzer{
		Snapshot: execution.MarketSnapshot{
			AvgTradeSize:   decimal.NewFromInt(1),
			P90TradeSize:   decimal.NewFromInt(3),
			LiquidityDepth: decimal.NewFromInt(1000),
		},
	}, bus, jnl, zapLogger.Sugar())

	gw := gateway.New(engine, limiter, router, executor, bus, zapLogger)

	multisig := governance.NewMultiSig(bus, jnl, zapLogger)
	timelock := governance.NewTimeLock(cfg.Governance.Timelock, bus, jnl, zapLogger)
	defer timelock.Shutdown()

	dms := deadman.NewSwitch(cfg.Deadman, gw.BindDeadman(cfg.Deadman.Name), bus, zapLogger)
	if cfg.Deadman.Enabled {
		dms.Start()
		defer dms.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if err := executor.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start executor", zap.Error(err))
	}
	defer executor.Stop()

	g.Go(func() error {
		checker.Run(ctx, cfg.Risk.InvariantInterval)
		return nil
	})
	g.Go(func() error {
		multisig.RunExpirySweep(ctx, cfg.Governance.SweepInterval)
		return nil
	})

	watcher, err := config.NewWatcher(v, func(next *config.Config) {
		// Only operational knobs apply here; risk and flow limits change
		// through governance proposals alone.
		zapLogger.Info("operational config updated",
			zap.String("log_level", next.Logging.Level),
			zap.Duration("invariant_interval", next.Risk.InvariantInterval))
	}, zapLogger)
	if err != nil {
		zapLogger.Warn("config hot-reload unavailable", zap.Error(err))
	} else {
		g.Go(func() error {
			watcher.Run(ctx)
			return nil
		})
	}

	metricsSrv := &http.Server{
		Addr:    cfg.Monitoring.MetricsAddr,
		Handler: promhttp.Handler(),
	}
	g.Go(func() error {
		zapLogger.Info("metrics listener started", zap.String("addr", cfg.Monitoring.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	zapLogger.Info("riskgate started",
		zap.String("environment", cfg.Environment),
		zap.String("journal", cfg.Journal.Path))

	if err := g.Wait(); err != nil {
		zapLogger.Fatal("riskgate terminated", zap.Error(err))
	}
	zapLogger.Info("riskgate stopped")
}
