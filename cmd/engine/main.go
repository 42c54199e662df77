package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-core/internal/adaptive"
	"futures-signal-core/internal/admin"
	"futures-signal-core/internal/api"
	"futures-signal-core/internal/auth"
	"futures-signal-core/internal/cache"
	"futures-signal-core/internal/candles"
	"futures-signal-core/internal/circuit"
	"futures-signal-core/internal/composite"
	"futures-signal-core/internal/config"
	"futures-signal-core/internal/correlation"
	"futures-signal-core/internal/database"
	"futures-signal-core/internal/emitter"
	"futures-signal-core/internal/events"
	"futures-signal-core/internal/exchange"
	"futures-signal-core/internal/filters"
	"futures-signal-core/internal/lifecycle"
	"futures-signal-core/internal/logging"
	"futures-signal-core/internal/ml"
	"futures-signal-core/internal/model"
	"futures-signal-core/internal/notification"
	"futures-signal-core/internal/outcome"
	"futures-signal-core/internal/patterns"
	"futures-signal-core/internal/regime"
	"futures-signal-core/internal/scheduler"
	"futures-signal-core/internal/sizing"
	"futures-signal-core/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(&logging.Config{
		Level: cfg.Logging.Level, Output: cfg.Logging.Output,
		JSONFormat: cfg.Logging.JSONFormat, IncludeFile: cfg.Logging.IncludeFile,
		Component: "main",
	})
	logging.SetDefault(logger)
	zlog := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if !cfg.Logging.JSONFormat {
		zlog = zlog.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	if err := loadVaultSecrets(cfg, logger); err != nil {
		logger.Warn("vault secret load failed, continuing with config-file values", "err", err)
	}

	db, err := database.NewDB(cfg.Database, zlog)
	if err != nil {
		logger.Fatal("database connect failed", "err", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal("database migration failed", "err", err)
	}
	repo := database.NewRepository(db)

	var cacheSvc *cache.Service
	if cfg.Redis.Enabled {
		cacheSvc = cache.New(cfg.Redis, zlog)
	}

	bus := events.New()

	exch := exchange.New("", 20)
	notifier := notification.New(cfg.Notification)

	store := candles.New()
	regimeDet := regime.New(regime.Thresholds{
		CrashDrawdownPct: cfg.Regime.CrashDrawdownPct, TrendSlopeEpsilon: cfg.Regime.TrendSlopeEpsilon,
		LowVolThreshold: cfg.Regime.LowVolThreshold,
	})
	patternTable := patterns.NewTable(patterns.HighestScore)
	compositeEngine := composite.New()
	pipeline := filters.NewPipeline()

	quotas := make([]correlation.GroupQuota, 0, len(cfg.Correlation.GroupQuotas))
	for group, max := range cfg.Correlation.GroupQuotas {
		quotas = append(quotas, correlation.GroupQuota{Group: group, Max: max})
	}
	correl := correlation.New(cfg.Correlation.DuplicateCooldown, quotas, symbolGroupClassifier, func(symbol string) ([]model.Candle, bool) {
		return store.Snapshot(symbol, cfg.Universe.Interval, 100, time.Now())
	}, cfg.Correlation.CorrBlockThreshold, cfg.Correlation.CorrPenaltyFloor)

	sizer := sizing.New()
	emit := emitter.New(repo, notifier, emitter.DefaultRetryConfig())

	lifecycleCfg := lifecycle.Config{
		ActivationMinProfitPct: cfg.Lifecycle.ActivationMinProfitPct, KTrail: cfg.Lifecycle.KTrail,
		MinTrailDistancePct: cfg.Lifecycle.MinTrailDistancePct, MaxTrailDistancePct: cfg.Lifecycle.MaxTrailDistancePct,
		BreakevenOffsetPct: cfg.Lifecycle.BreakevenOffsetPct, TP1SplitPct: cfg.Lifecycle.TP1SplitPct,
		MinPartialSizeUSDT: cfg.Lifecycle.MinPartialSizeUSDT,
	}
	lifecycleM := lifecycle.New(repo, notifier, bus, lifecycleCfg, zlog)

	seed, err := repo.LoadParameterSnapshot(ctx)
	if err != nil {
		logger.Warn("failed to load prior parameter snapshot, starting from defaults", "err", err)
		seed = nil
	}
	adaptiveCfg := adaptive.Config{
		RunHourUTC: cfg.Adaptive.RunHourUTC, LookbackDays: cfg.Adaptive.LookbackDays,
		TightenStep: cfg.Adaptive.TightenStep, LoosenStep: cfg.Adaptive.LoosenStep,
		LowWinRate: cfg.Adaptive.LowWinRate, HighWinRate: cfg.Adaptive.HighWinRate,
		MinThresholdMult: cfg.Adaptive.MinThresholdMult, MaxThresholdMult: cfg.Adaptive.MaxThresholdMult,
	}
	adaptiveCtl := adaptive.New(repo, repo, adaptiveCfg, seed)

	breakerCfg := circuit.Config{
		Enabled: cfg.CircuitBreaker.Enabled, MaxLossPerHourPct: cfg.CircuitBreaker.MaxLossPerHourPct,
		MaxConsecutiveLosses: cfg.CircuitBreaker.MaxConsecutiveLosses, CooldownMinutes: cfg.CircuitBreaker.CooldownMinutes,
		MaxTradesPerMinute: cfg.CircuitBreaker.MaxTradesPerMinute, MaxDailyLossPct: cfg.CircuitBreaker.MaxDailyLossPct,
		MaxDailyTrades: cfg.CircuitBreaker.MaxDailyTrades,
	}
	breaker := circuit.New(breakerCfg, bus)

	adminCtl := admin.New(correl, lifecycleM, repo)

	outcome.New(repo, correl, bus, zlog)

	if err := rehydrateCorrelationState(ctx, repo, correl); err != nil {
		logger.Warn("failed to rehydrate correlation state from open positions", "err", err)
	}

	predictor := ml.New()

	schedCfg := scheduler.Config{
		Symbols: cfg.Universe.Symbols, Interval: cfg.Universe.Interval,
		TickInterval: cfg.Scheduler.TickInterval, WorkerPoolSize: cfg.Scheduler.WorkerPoolSize,
		TickDeadlineMult: cfg.Scheduler.TickDeadlineMult, LifecycleTick: cfg.Scheduler.LifecycleTick,
		AdaptiveTick: cfg.Scheduler.AdaptiveTick, ShutdownTimeout: cfg.Scheduler.ShutdownTimeout,
		BaseSizeUSDT: cfg.Sizing.BaseUSDT, Leverage: cfg.Sizing.Leverage,
		Levels: emitter.Levels{KSL: cfg.Lifecycle.KSL, KTP1: cfg.Lifecycle.KTP1, KTP2: cfg.Lifecycle.KTP2},
		ThresholdSoft: cfg.Scoring.ThresholdSoft, CooldownWindow: cfg.Correlation.DuplicateCooldown,
	}

	sched := scheduler.New(
		schedCfg, exch, repo, store, regimeDet, patternTable, compositeEngine, pipeline,
		correl, sizer, emit, lifecycleM, adaptiveCtl, bus, breaker, adminCtl, predictor,
		func(ctx context.Context) ([]model.Position, error) { return repo.LoadOpenPositions(ctx, "system") },
	)

	if cacheSvc != nil {
		wireSnapshotCache(bus, cacheSvc, logger)
	}

	var jwtManager *auth.JWTManager
	if cfg.Auth.Enabled {
		jwtManager = auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenDuration)
	}
	server := api.New(cfg.Server, adminCtl, jwtManager, bus)

	sched.Start()
	if err := server.Start(); err != nil {
		sched.Stop()
		logger.Fatal("api server failed to start", "err", err)
	}

	logger.Info("engine started", "symbols", len(cfg.Universe.Symbols))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sched.Stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api server shutdown error", "err", err)
	}
	if cacheSvc != nil {
		_ = cacheSvc.Close()
	}
	logger.Info("engine stopped cleanly")
}

// loadVaultSecrets overlays operator secrets (database DSN, Telegram bot
// token, Discord webhook URL, JWT secret) onto cfg when Vault is enabled.
// A nil client (Vault disabled) is a no-op, matching vault.NewClient's
// own nil,nil contract.
func loadVaultSecrets(cfg *config.Config, logger *logging.Logger) error {
	client, err := vault.NewClient(cfg.Vault)
	if err != nil {
		return err
	}
	if client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	secrets, err := client.LoadSecrets(ctx)
	if err != nil {
		return err
	}
	if dsn, ok := secrets["database_dsn"]; ok && dsn != "" {
		cfg.Database.DSN = dsn
	}
	if token, ok := secrets["telegram_bot_token"]; ok && token != "" {
		cfg.Notification.Telegram.BotToken = token
	}
	if webhook, ok := secrets["discord_webhook_url"]; ok && webhook != "" {
		cfg.Notification.Discord.WebhookURL = webhook
	}
	if secret, ok := secrets["jwt_secret"]; ok && secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	logger.Info("vault secrets loaded", "count", len(secrets))
	return nil
}

// wireSnapshotCache subscribes the cross-instance Redis cache to the two
// snapshot events the Scheduler publishes, giving other instances of
// this engine a fast read path onto the latest regime/parameter state
// without touching Postgres. Best-effort: a cache write failure is
// logged, never fatal, consistent with cache.Service's own graceful
// degradation.
func wireSnapshotCache(bus *events.Bus, cacheSvc *cache.Service, logger *logging.Logger) {
	bus.Subscribe(events.TypeRegimeChanged, func(e events.Event) {
		snap, ok := e.Data.(*model.RegimeSnapshot)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := cacheSvc.SetJSON(ctx, cache.RegimeSnapshotKey, snap, cache.DefaultSnapshotTTL); err != nil {
			logger.Debug("regime snapshot cache write failed", "err", err)
		}
	})
	bus.Subscribe(events.TypeParameterSnapshot, func(e events.Event) {
		snap, ok := e.Data.(*model.ParameterSnapshot)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := cacheSvc.SetJSON(ctx, cache.ParameterSnapshotKey, snap, cache.DefaultSnapshotTTL); err != nil {
			logger.Debug("parameter snapshot cache write failed", "err", err)
		}
	})
}

// symbolGroupClassifier buckets high-beta majors into a shared quota
// group; every other symbol is ungrouped (no quota applies).
func symbolGroupClassifier(symbol string) string {
	switch symbol {
	case "BTCUSDT", "ETHUSDT":
		return "BTC_HIGH"
	default:
		return ""
	}
}

// rehydrateCorrelationState replays every position still open at
// startup into the Correlation Risk Manager's registry, so a restart
// doesn't forget what's already open and under-block concentration or
// group-quota risk on the next tick.
func rehydrateCorrelationState(ctx context.Context, repo *database.Repository, correl *correlation.Manager) error {
	positions, err := repo.LoadOpenPositions(ctx, "system")
	if err != nil {
		return err
	}
	for _, pos := range positions {
		correl.RecordOpen(pos.UserID, model.OpenPositionRef{
			Symbol: pos.Symbol, Side: pos.Side, OpenedAt: pos.OpenedAt,
		})
	}
	return nil
}
