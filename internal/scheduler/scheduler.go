// Package scheduler implements the Scheduler/Orchestrator (C13): a
// ticker-driven loop over the configured symbol universe, a bounded
// worker pool per tick, and an independent cadence driving the Position
// Lifecycle Manager. Grounded directly on internal/scanner/scanner.go's
// ticker-plus-worker-pool shape (buffered symbol channel, fixed worker
// goroutines, context-deadline-bounded scan, graceful Stop draining the
// wait group).
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"futures-signal-core/internal/admin"
	"futures-signal-core/internal/candles"
	"futures-signal-core/internal/circuit"
	"futures-signal-core/internal/composite"
	"futures-signal-core/internal/correlation"
	"futures-signal-core/internal/emitter"
	"futures-signal-core/internal/events"
	"futures-signal-core/internal/filters"
	"futures-signal-core/internal/lifecycle"
	"futures-signal-core/internal/logging"
	"futures-signal-core/internal/ml"
	"futures-signal-core/internal/model"
	"futures-signal-core/internal/patterns"
	"futures-signal-core/internal/ports"
	"futures-signal-core/internal/regime"
	"futures-signal-core/internal/sizing"
)

// ErrTickTimeout describes a tick that exceeds
// TickDeadlineMult*TickInterval; tick logs such an overrun as a warning
// and does not return this error.
var ErrTickTimeout = errors.New("scheduler: tick exceeded deadline")

// Config mirrors config.SchedulerConfig plus the pieces the orchestrator
// needs that other components own (universe, sizing base, emitter
// k-multipliers).
type Config struct {
	Symbols          []string
	Interval         string // candle interval, e.g. "5m"
	TickInterval     time.Duration
	WorkerPoolSize   int
	TickDeadlineMult int
	LifecycleTick    time.Duration
	AdaptiveTick     time.Duration
	ShutdownTimeout  time.Duration
	BaseSizeUSDT     float64
	Leverage         int
	Levels           emitter.Levels
	ThresholdSoft    float64
	CooldownWindow   time.Duration
}

// ParameterSource abstracts the Adaptive Parameter Controller (C12) so
// the scheduler can drive its daily retune job without importing
// internal/adaptive directly.
type ParameterSource interface {
	Current() *model.ParameterSnapshot
	DueForRun(now time.Time) bool
	Run(ctx context.Context, now time.Time) (*model.ParameterSnapshot, error)
}

// Scheduler wires every per-tick component together and drives them on
// their respective cadences.
type Scheduler struct {
	cfg Config

	exchange    ports.ExchangePort
	persistence ports.PersistencePort

	store      *candles.Store
	regimeDet  *regime.Detector
	patterns   *patterns.Table
	composite  *composite.Engine
	pipeline   *filters.Pipeline
	correl     *correlation.Manager
	sizer      *sizing.Sizer
	emit       *emitter.Emitter
	lifecycleM *lifecycle.Manager
	params     ParameterSource
	bus        *events.Bus
	breaker    *circuit.Breaker
	admin      *admin.Controller
	predictor  ml.Predictor
	lastRegime model.Regime

	openPositions func(ctx context.Context) ([]model.Position, error)

	logger   *logging.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New builds a Scheduler. Every collaborator is constructed and owned
// by the caller (cmd/engine's wiring) and injected here — no package
// globals, matching the bus's own redesign.
func New(
	cfg Config,
	exchange ports.ExchangePort,
	persistence ports.PersistencePort,
	store *candles.Store,
	regimeDet *regime.Detector,
	patternTable *patterns.Table,
	compositeEngine *composite.Engine,
	pipeline *filters.Pipeline,
	correl *correlation.Manager,
	sizer *sizing.Sizer,
	emit *emitter.Emitter,
	lifecycleM *lifecycle.Manager,
	params ParameterSource,
	bus *events.Bus,
	breaker *circuit.Breaker,
	adminCtl *admin.Controller,
	predictor ml.Predictor,
	openPositions func(ctx context.Context) ([]model.Position, error),
) *Scheduler {
	if predictor == nil {
		predictor = ml.New()
	}
	return &Scheduler{
		cfg: cfg, exchange: exchange, persistence: persistence,
		store: store, regimeDet: regimeDet, patterns: patternTable,
		composite: compositeEngine, pipeline: pipeline, correl: correl,
		sizer: sizer, emit: emit, lifecycleM: lifecycleM, params: params,
		bus: bus, breaker: breaker, admin: adminCtl, predictor: predictor, openPositions: openPositions,
		logger:   logging.Default().WithComponent("scheduler"),
		stopChan: make(chan struct{}),
	}
}

// Start launches the tick loop and the independent lifecycle loop in
// the background.
func (s *Scheduler) Start() {
	s.wg.Add(3)
	go s.runTickLoop()
	go s.runLifecycleLoop()
	go s.runAdaptiveLoop()
	s.logger.Info("scheduler started", "symbols", len(s.cfg.Symbols), "tick_interval", s.cfg.TickInterval)
}

// Stop signals the tick, lifecycle and adaptive loops to exit and waits up to ShutdownTimeout for
// them to drain in-flight work.
func (s *Scheduler) Stop() {
	close(s.stopChan)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped cleanly")
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn("scheduler shutdown timeout exceeded, proceeding anyway")
	}
}

func (s *Scheduler) runTickLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.tick()
	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopChan:
			return
		}
	}
}

func (s *Scheduler) runLifecycleLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.LifecycleTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.driveLifecycle()
		case <-s.stopChan:
			return
		}
	}
}

// runAdaptiveLoop polls the Adaptive Parameter Controller (C12) on a
// coarse cadence and triggers its daily retune job once DueForRun
// reports true. It never runs the retune inline on the tick/lifecycle
// cadences since a full lookback scan can take longer than either.
func (s *Scheduler) runAdaptiveLoop() {
	defer s.wg.Done()
	interval := s.cfg.AdaptiveTick
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.driveAdaptive()
		case <-s.stopChan:
			return
		}
	}
}

func (s *Scheduler) driveAdaptive() {
	if s.params == nil {
		return
	}
	now := time.Now()
	if !s.params.DueForRun(now) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout+time.Minute)
	defer cancel()
	snap, err := s.params.Run(ctx, now)
	if err != nil {
		s.logger.Error("adaptive controller run failed", "err", err)
		return
	}
	s.logger.Info("adaptive controller retuned parameters", "version", snap.Version)
	if s.bus != nil {
		s.bus.Publish(events.Event{Type: events.TypeParameterSnapshot, Data: snap})
	}
}

// tick runs one full evaluation cycle: refresh candles, compute the
// regime snapshot once, fan out per-symbol work to the worker pool,
// enforce the tick deadline.
func (s *Scheduler) tick() {
	deadline := time.Duration(s.cfg.TickDeadlineMult) * s.cfg.TickInterval
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	tickID := time.Now().Format("20060102T150405.000")
	start := time.Now()

	btcCandles, err := s.refreshCandles(ctx, "BTCUSDT")
	var snap *model.RegimeSnapshot
	if err == nil {
		snap, err = s.regimeDet.Compute(btcCandles)
	}
	if err != nil || snap == nil {
		snap = s.regimeDet.Current()
	}
	if snap == nil {
		s.logger.Error("no regime snapshot available, skipping tick", "tick_id", tickID)
		return
	}
	if s.bus != nil && snap.Regime != s.lastRegime {
		s.lastRegime = snap.Regime
		s.bus.Publish(events.Event{Type: events.TypeRegimeChanged, Data: snap})
	}

	tickers, err := s.exchange.FetchTickers(ctx)
	if err != nil {
		tickers = nil
	}

	symbolChan := make(chan string, len(s.cfg.Symbols))
	for _, sym := range s.cfg.Symbols {
		symbolChan <- sym
	}
	close(symbolChan)

	var wg sync.WaitGroup
	poolSize := s.cfg.WorkerPoolSize
	if poolSize < 1 {
		poolSize = 1
	}
	for i := 0; i < poolSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for symbol := range symbolChan {
				select {
				case <-ctx.Done():
					return
				default:
					s.evaluateSymbol(ctx, tickID, symbol, snap, btcCandles, tickers)
				}
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		s.logger.Warn("tick exceeded deadline", "tick_id", tickID, "elapsed", time.Since(start))
		return
	}
	s.logger.Debug("tick completed", "tick_id", tickID, "elapsed", time.Since(start))
}

func (s *Scheduler) refreshCandles(ctx context.Context, symbol string) ([]model.Candle, error) {
	fetched, err := s.exchange.FetchCandles(ctx, symbol, s.cfg.Interval, 200)
	if err != nil {
		return nil, err
	}
	for _, c := range fetched {
		_ = s.store.Append(symbol, s.cfg.Interval, c)
	}
	return s.store.Snapshot(symbol, s.cfg.Interval, 200, time.Now())
}

func (s *Scheduler) evaluateSymbol(ctx context.Context, tickID, symbol string, snap *model.RegimeSnapshot, btcCandles []model.Candle, tickers map[string]ports.PriceQuote) {
	if s.admin != nil && s.admin.IsPaused("system") {
		return
	}

	candleWindow, err := s.refreshCandles(ctx, symbol)
	if err != nil {
		s.logger.Debug("skipping symbol, data error", "symbol", symbol, "err", err)
		return
	}

	cand, found := s.patterns.Evaluate(symbol, candleWindow)
	if !found {
		return
	}
	cand.RegimeAtGen = snap.Regime

	params := s.params.Current()
	weights := defaultWeightsFor(params, snap.Regime)
	compResult, err := s.composite.Evaluate(candleWindow, weights)
	if err != nil {
		return
	}
	cand.CompositeScore = compResult.Score
	cand.CompositeConfidence = compResult.Confidence

	if score, err := s.predictor.Predict(ml.FeatureVector{
		MomentumScore:     compResult.Scores[composite.StrategyTrend],
		MeanReversion:     compResult.Scores[composite.StrategyMeanRev],
		BreakoutStrength:  compResult.Scores[composite.StrategyBreakout],
		VolumeRatio:       compResult.Scores[composite.StrategyVolume],
		CompositeScore:    compResult.Score,
		PatternConfidence: cand.PatternConfidence,
		VolatilityPct:     cand.VolatilityPct / 100,
	}); err == nil {
		cand.AIScore = score
	}

	var volume24h float64
	if quote, ok := tickers[symbol]; ok {
		volume24h = quote.Volume24h * quote.Price
	}

	fctx := &filters.Context{
		Candidate: cand, Candles: candleWindow, BTCCandles: btcCandles,
		Regime: snap, Params: params, Now: time.Now(),
		ThresholdSoft:  s.cfg.ThresholdSoft,
		CooldownWindow: s.cfg.CooldownWindow,
		Volume24hUSD:   volume24h,
		VolumeRangeLo:  50_000,
		VolumeRangeHi:  500_000_000,
		SymbolHealth:   1.0,
		Correlation: func(c model.SignalCandidate) filters.CorrelationDecision {
			d := s.correl.Check("system", c.Symbol, c.Side, time.Now())
			return filters.CorrelationDecision{Allowed: d.Allowed, Penalty: d.Penalty, Reason: d.Reason}
		},
		LastSignalAt: func(sym string, side model.Side) (time.Time, bool) {
			return s.correl.LastSignal("system", sym, side)
		},
	}

	trace, passed := s.pipeline.Run(tickID, fctx)
	cand = fctx.Candidate // quality_score gate writes QualityScore back onto ctx.Candidate
	if s.admin != nil {
		s.admin.RecordTrace(trace)
	}
	if !passed {
		return
	}

	if s.breaker != nil {
		if ok, reason := s.breaker.CanTrade(); !ok {
			s.logger.Warn("circuit breaker blocking emission", "symbol", symbol, "reason", reason)
			return
		}
	}

	mult := s.sizer.Multiplier(sizing.Inputs{
		CompositeScore: cand.CompositeScore, QualityScore: cand.QualityScore,
		RegimeMult: snap.PositionSizeMult, VolatilityPct: cand.VolatilityPct,
	})
	sizeUSDT := s.sizer.FinalSize(s.cfg.BaseSizeUSDT, snap, sizing.Inputs{
		CompositeScore: cand.CompositeScore, QualityScore: cand.QualityScore,
		RegimeMult: snap.PositionSizeMult, VolatilityPct: cand.VolatilityPct,
	}, fctx.AppliedCorrelationPenalty)
	_ = mult

	signal, err := s.emit.Emit(ctx, "system", cand, s.cfg.Levels, snap, sizeUSDT, s.cfg.Leverage)
	if err != nil {
		s.logger.Warn("signal rejected at emission", "symbol", symbol, "err", err)
		return
	}

	s.correl.RecordOpen("system", model.OpenPositionRef{Symbol: symbol, Side: signal.Side, OpenedAt: time.Now()})

	if s.bus != nil {
		s.bus.Publish(events.Event{Type: events.TypeSignalEmitted, Data: signal})
	}

	pos := model.Position{
		UserID: signal.UserID, SignalID: signal.SignalID, Symbol: signal.Symbol,
		Side: signal.Side, Entry: signal.Entry, ATR: signal.ATR,
		SizeUSDT: signal.SizeUSDT, RemainingSize: signal.SizeUSDT,
		SL: signal.SL, TP1: signal.TP1, TP2: signal.TP2, Status: model.StatusOpen,
		MessageRef: signal.MessageRef, OpenedAt: time.Now(), LastUpdate: time.Now(),
		PatternType: signal.PatternType, RawScore: signal.RawScore, AIScore: signal.AIScore, MarketRegime: snap.Regime,
		CompositeScore: signal.CompositeScore, CompositeConfidence: signal.CompositeConfidence,
		VolatilityPct: signal.VolatilityPct,
	}
	if err := s.persistence.SavePosition(ctx, pos); err != nil {
		s.logger.Error("failed to persist opened position", "symbol", symbol, "err", err)
	}
}

func defaultWeightsFor(params *model.ParameterSnapshot, r model.Regime) map[string]float64 {
	if params != nil {
		if w, ok := params.StrategyWeights[r]; ok && len(w) > 0 {
			return w
		}
	}
	return composite.DefaultWeights()
}

// driveLifecycle evaluates every open position against its symbol's
// latest close, on the independent lifecycle cadence.
func (s *Scheduler) driveLifecycle() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LifecycleTick)
	defer cancel()

	positions, err := s.openPositions(ctx)
	if err != nil {
		s.logger.Error("failed to load open positions", "err", err)
		return
	}
	snap := s.regimeDet.Current()
	if snap == nil {
		return
	}
	for _, pos := range positions {
		price, ok := s.store.LastClose(pos.Symbol, s.cfg.Interval)
		if !ok {
			continue
		}
		if _, err := s.lifecycleM.Evaluate(ctx, pos, price, snap, time.Now()); err != nil {
			s.logger.Error("lifecycle evaluation failed", "symbol", pos.Symbol, "signal_id", pos.SignalID, "err", err)
		}
	}
}
