// Package filters implements the Filter Pipeline (C6): an ordered,
// short-circuiting sequence of gates. Every gate is registered as a
// uniform Gate variant (no name-keyed dispatch); the pipeline stops at
// the first BLOCK and records the full per-tick trace for diagnostics.
package filters

import (
	"math"
	"time"

	"futures-signal-core/internal/indicators"
	"futures-signal-core/internal/model"
	"futures-signal-core/internal/ports"
)

// CorrelationDecision mirrors the Correlation Risk Manager's verdict
// shape without importing internal/correlation directly, keeping the
// pipeline decoupled from C7's implementation.
type CorrelationDecision struct {
	Allowed   bool
	Penalty   float64 // multiplier in [0.5, 1.0], 1.0 when no penalty applies
	Reason    string
}

// Context bundles everything a gate needs to evaluate one candidate.
// Built fresh per (symbol, tick) by the orchestrator.
type Context struct {
	Candidate     model.SignalCandidate
	Candles       []model.Candle // same interval as the candidate
	HTFCandles    []model.Candle // higher timeframe, e.g. 4h
	BTCCandles    []model.Candle
	Regime        *model.RegimeSnapshot
	Params        *model.ParameterSnapshot
	Now           time.Time
	Volume24hUSD  float64
	VolumeRangeLo float64
	VolumeRangeHi float64
	SymbolHealth  float64 // 0..1, external health score
	Correlation   func(candidate model.SignalCandidate) CorrelationDecision
	LastSignalAt  func(symbol string, side model.Side) (time.Time, bool)
	CooldownWindow time.Duration
	ThresholdSoft float64 // §6 Scoring config; ai_score gate compares rawScore against ThresholdSoft*regime.ThresholdMult*Params.ThresholdMult[regime]

	// AppliedCorrelationPenalty is filled in by the correlation_risk gate
	// so the sizer can read it back off a passing trace.
	AppliedCorrelationPenalty float64
}

// Gate is the uniform operation every filter-pipeline stage implements.
type Gate interface {
	Name() string
	Evaluate(ctx *Context) ports.StageResult
}

// Pipeline is the fixed, ordered gate table (§4.6). Order is load
// bearing: cheap gates run first.
type Pipeline struct {
	gates []Gate
}

// NewPipeline builds the engine's standard 12-gate pipeline in spec
// order.
func NewPipeline() *Pipeline {
	return &Pipeline{
		gates: []Gate{
			validationGate{},
			aiScoreGate{},
			anomalyGate{},
			volumeGate{},
			volatilityGate{},
			emaPatternGate{},
			btcFilterGate{},
			directionCheckGate{},
			qualityScoreGate{},
			mtfConfirmationGate{},
			correlationRiskGate{},
			duplicateSignalGate{},
		},
	}
}

// Run evaluates every gate in order, stopping at the first BLOCK.
// Returns the full trace and whether the candidate passed every gate.
func (p *Pipeline) Run(tickID string, ctx *Context) (ports.FilterTrace, bool) {
	trace := ports.FilterTrace{TickID: tickID, Symbol: ctx.Candidate.Symbol, FinalVerdict: "PASS"}
	for _, g := range p.gates {
		res := g.Evaluate(ctx)
		trace.Stages = append(trace.Stages, res)
		if !res.Passed {
			trace.FinalVerdict = res.ReasonCode
			return trace, false
		}
	}
	return trace, true
}

// ---- 1. validation ----

type validationGate struct{}

func (validationGate) Name() string { return "validation" }

func (validationGate) Evaluate(ctx *Context) ports.StageResult {
	const minHistory = 50
	if len(ctx.Candles) < minHistory {
		return block("validation", "insufficient_history", nil)
	}
	last := ctx.Candles[len(ctx.Candles)-1]
	if math.IsNaN(last.Close) || math.IsNaN(ctx.Candidate.Entry) {
		return block("validation", "nan_value", nil)
	}
	if ctx.Now.Sub(last.T) > 2*time.Hour {
		return block("validation", "stale_candle", nil)
	}
	return pass("validation", nil)
}

// ---- 2. ai_score ----

type aiScoreGate struct{}

func (aiScoreGate) Name() string { return "ai_score" }

func (aiScoreGate) Evaluate(ctx *Context) ports.StageResult {
	soft := ctx.ThresholdSoft
	if soft == 0 {
		soft = 15
	}
	regimeMult := ctx.Regime.ThresholdMult
	if regimeMult == 0 {
		regimeMult = 1.0
	}
	// paramsMult is the Adaptive Parameter Controller's latest per-regime
	// retune (§9's daily feedback loop); it composes with, rather than
	// falls back from, the regime table's static multiplier, so a day's
	// retune actually moves the live threshold.
	paramsMult := 1.0
	if ctx.Params != nil {
		if m, ok := ctx.Params.ThresholdMult[ctx.Regime.Regime]; ok && m != 0 {
			paramsMult = m
		}
	}
	required := soft * regimeMult * paramsMult
	metrics := map[string]float64{
		"raw_score": ctx.Candidate.RawScore, "required": required,
		"regime_mult": regimeMult, "params_mult": paramsMult,
	}
	if ctx.Candidate.RawScore < required {
		return block("ai_score", "below_threshold", metrics)
	}
	return pass("ai_score", metrics)
}

// ---- 3. anomaly_filter ----

type anomalyGate struct{}

func (anomalyGate) Name() string { return "anomaly_filter" }

func (anomalyGate) Evaluate(ctx *Context) ports.StageResult {
	rets := indicators.LogReturns(ctx.Candles)
	if len(rets) < 2 {
		return pass("anomaly_filter", nil)
	}
	last := rets[len(rets)-1]
	mean, std := meanStd(rets)
	z := 0.0
	if std > 0 {
		z = (last - mean) / std
	}
	lastCandle := ctx.Candles[len(ctx.Candles)-1]
	wick := math.Max(lastCandle.High-math.Max(lastCandle.Open, lastCandle.Close), math.Min(lastCandle.Open, lastCandle.Close)-lastCandle.Low)
	metrics := map[string]float64{"z_score": z, "wick": wick, "atr": ctx.Candidate.ATR}
	if math.Abs(z) >= 4 {
		return block("anomaly_filter", "return_zscore", metrics)
	}
	if ctx.Candidate.ATR > 0 && wick > 5*ctx.Candidate.ATR {
		return block("anomaly_filter", "wick_anomaly", metrics)
	}
	return pass("anomaly_filter", metrics)
}

// ---- 4. volume ----

type volumeGate struct{}

func (volumeGate) Name() string { return "volume" }

func (volumeGate) Evaluate(ctx *Context) ports.StageResult {
	metrics := map[string]float64{"volume_24h_usd": ctx.Volume24hUSD}
	if ctx.VolumeRangeHi > 0 && (ctx.Volume24hUSD < ctx.VolumeRangeLo || ctx.Volume24hUSD > ctx.VolumeRangeHi) {
		return block("volume", "volume_out_of_range", metrics)
	}
	stats, err := indicators.RollingVolume(ctx.Candles[:len(ctx.Candles)-1], 20)
	if err == nil {
		recent := ctx.Candles[len(ctx.Candles)-1].Volume
		metrics["recent_volume"] = recent
		metrics["rolling_mean"] = stats.Mean
		if recent <= stats.Mean*0.8 {
			return block("volume", "volume_below_rolling_mean", metrics)
		}
	}
	return pass("volume", metrics)
}

// ---- 5. volatility ----

type volatilityGate struct{}

func (volatilityGate) Name() string { return "volatility" }

func (volatilityGate) Evaluate(ctx *Context) ports.StageResult {
	metrics := map[string]float64{"volatility_pct": ctx.Candidate.VolatilityPct}
	if ctx.Candidate.VolatilityPct < 0.5 || ctx.Candidate.VolatilityPct > 15 {
		return block("volatility", "volatility_out_of_range", metrics)
	}
	return pass("volatility", metrics)
}

// ---- 6. ema_pattern ----

type emaPatternGate struct{}

func (emaPatternGate) Name() string { return "ema_pattern" }

func (emaPatternGate) Evaluate(ctx *Context) ports.StageResult {
	fast, err1 := indicators.EMA(ctx.Candles, 12)
	slow, err2 := indicators.EMA(ctx.Candles, 26)
	if err1 != nil || err2 != nil {
		return block("ema_pattern", "ema_unavailable", nil)
	}
	metrics := map[string]float64{"ema_fast": fast, "ema_slow": slow}
	aligned := (ctx.Candidate.Side == model.Long && fast >= slow) || (ctx.Candidate.Side == model.Short && fast <= slow)
	if !aligned {
		return block("ema_pattern", "ema_misaligned", metrics)
	}
	return pass("ema_pattern", metrics)
}

// ---- 7. btc_filter ----

type btcFilterGate struct{}

func (btcFilterGate) Name() string { return "btc_filter" }

func (btcFilterGate) Evaluate(ctx *Context) ports.StageResult {
	metrics := map[string]float64{"regime_confidence": ctx.Regime.Confidence}
	blocked := ctx.Candidate.Side == model.Long &&
		(ctx.Regime.Regime == model.Crash || ctx.Regime.Regime == model.BearTrend) &&
		ctx.Regime.Confidence <= 0.9
	if blocked {
		return block("btc_filter", "btc_side_mismatch", metrics)
	}
	return pass("btc_filter", metrics)
}

// ---- 8. direction_check ----

type directionCheckGate struct{}

func (directionCheckGate) Name() string { return "direction_check" }

func (directionCheckGate) Evaluate(ctx *Context) ports.StageResult {
	corroborating := 0
	fast, err1 := indicators.EMA(ctx.Candles, 12)
	slow, err2 := indicators.EMA(ctx.Candles, 26)
	if err1 == nil && err2 == nil {
		if (ctx.Candidate.Side == model.Long && fast >= slow) || (ctx.Candidate.Side == model.Short && fast <= slow) {
			corroborating++
		}
	}
	if rsi, err := indicators.RSI(ctx.Candles, 14); err == nil {
		if (ctx.Candidate.Side == model.Long && rsi >= 50) || (ctx.Candidate.Side == model.Short && rsi <= 50) {
			corroborating++
		}
	}
	if macd, err := indicators.MACD(ctx.Candles, 12, 26, 9); err == nil {
		if (ctx.Candidate.Side == model.Long && macd.Histogram >= 0) || (ctx.Candidate.Side == model.Short && macd.Histogram <= 0) {
			corroborating++
		}
	}
	last := ctx.Candles[len(ctx.Candles)-1].Close
	if sma, err := indicators.SMA(ctx.Candles, 20); err == nil {
		if (ctx.Candidate.Side == model.Long && last >= sma) || (ctx.Candidate.Side == model.Short && last <= sma) {
			corroborating++
		}
	}
	metrics := map[string]float64{"corroborating": float64(corroborating)}
	if corroborating < 3 {
		return block("direction_check", "insufficient_corroboration", metrics)
	}
	return pass("direction_check", metrics)
}

// ---- 9. quality_score ----

type qualityScoreGate struct{}

func (qualityScoreGate) Name() string { return "quality_score" }

func (qualityScoreGate) Evaluate(ctx *Context) ports.StageResult {
	proximity := staticLevelProximity(ctx)
	quality := 0.35*ctx.Candidate.PatternConfidence + 0.2*proximity + 0.15*ctx.SymbolHealth + 0.3*volumeQuality(ctx)
	ctx.Candidate.QualityScore = quality
	metrics := map[string]float64{
		"quality_score": quality, "quality_min": ctx.Params.QualityMin,
		"static_level_proximity": proximity,
	}
	if quality < ctx.Params.QualityMin {
		return block("quality_score", "below_quality_min", metrics)
	}
	return pass("quality_score", metrics)
}

func volumeQuality(ctx *Context) float64 {
	stats, err := indicators.RollingVolume(ctx.Candles, 20)
	if err != nil || stats.Mean == 0 {
		return 0.5
	}
	ratio := ctx.Candles[len(ctx.Candles)-1].Volume / stats.Mean
	if ratio > 2 {
		ratio = 2
	}
	return ratio / 2
}

// staticLevelProximity scores how close the candidate's entry price is
// to the last 20-candle swing high/low: 1.0 at the nearer level,
// falling linearly to 0 at 2% away from it, and 0 beyond that.
func staticLevelProximity(ctx *Context) float64 {
	hi, lo, err := indicators.SwingLevels(ctx.Candles, 20)
	if err != nil {
		return 0.5
	}
	price := ctx.Candidate.Entry
	if price <= 0 {
		return 0.5
	}
	distHi := math.Abs(price-hi) / price
	distLo := math.Abs(price-lo) / price
	dist := distHi
	if distLo < dist {
		dist = distLo
	}
	const band = 0.02
	proximity := 1 - dist/band
	if proximity < 0 {
		return 0
	}
	if proximity > 1 {
		return 1
	}
	return proximity
}

// ---- 10. mtf_confirmation ----

type mtfConfirmationGate struct{}

func (mtfConfirmationGate) Name() string { return "mtf_confirmation" }

func (mtfConfirmationGate) Evaluate(ctx *Context) ports.StageResult {
	if len(ctx.HTFCandles) == 0 {
		return pass("mtf_confirmation", nil)
	}
	fast, err1 := indicators.EMA(ctx.HTFCandles, 12)
	slow, err2 := indicators.EMA(ctx.HTFCandles, 26)
	if err1 != nil || err2 != nil {
		return pass("mtf_confirmation", nil)
	}
	metrics := map[string]float64{"htf_ema_fast": fast, "htf_ema_slow": slow}
	aligned := (ctx.Candidate.Side == model.Long && fast >= slow) || (ctx.Candidate.Side == model.Short && fast <= slow)
	if !aligned {
		return block("mtf_confirmation", "htf_trend_mismatch", metrics)
	}
	return pass("mtf_confirmation", metrics)
}

// ---- 11. correlation_risk ----

type correlationRiskGate struct{}

func (correlationRiskGate) Name() string { return "correlation_risk" }

func (correlationRiskGate) Evaluate(ctx *Context) ports.StageResult {
	if ctx.Correlation == nil {
		return pass("correlation_risk", nil)
	}
	decision := ctx.Correlation(ctx.Candidate)
	metrics := map[string]float64{"penalty": decision.Penalty}
	if !decision.Allowed {
		return block("correlation_risk", decision.Reason, metrics)
	}
	ctx.AppliedCorrelationPenalty = decision.Penalty
	return pass("correlation_risk", metrics)
}

// ---- 12. duplicate_signal ----

type duplicateSignalGate struct{}

func (duplicateSignalGate) Name() string { return "duplicate_signal" }

func (duplicateSignalGate) Evaluate(ctx *Context) ports.StageResult {
	if ctx.LastSignalAt == nil {
		return pass("duplicate_signal", nil)
	}
	at, found := ctx.LastSignalAt(ctx.Candidate.Symbol, ctx.Candidate.Side)
	if !found {
		return pass("duplicate_signal", nil)
	}
	window := ctx.CooldownWindow
	if window == 0 {
		window = time.Hour
	}
	if ctx.Now.Sub(at) < window {
		return block("duplicate_signal", "cooldown_active", map[string]float64{"seconds_since_last": ctx.Now.Sub(at).Seconds()})
	}
	return pass("duplicate_signal", nil)
}

// ---- helpers ----

func pass(stage string, metrics map[string]float64) ports.StageResult {
	return ports.StageResult{Stage: stage, Passed: true, ReasonCode: "", Metrics: metrics}
}

func block(stage, reason string, metrics map[string]float64) ports.StageResult {
	return ports.StageResult{Stage: stage, Passed: false, ReasonCode: reason, Metrics: metrics}
}

func meanStd(v []float64) (mean, std float64) {
	for _, x := range v {
		mean += x
	}
	mean /= float64(len(v))
	var sumSq float64
	for _, x := range v {
		d := x - mean
		sumSq += d * d
	}
	std = math.Sqrt(sumSq / float64(len(v)))
	return mean, std
}
