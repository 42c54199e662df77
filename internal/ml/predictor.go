// Package ml implements the Predict(featureVector) -> score contract:
// a deterministic stand-in for a trained model, scoring a candidate's
// extracted features into [0,1]. Training binaries and model persistence
// are out of scope; Predictor is the full interface a real model would
// have to satisfy to slot in behind the Composite Signal Engine.
package ml

import "math"

// FeatureVector holds the features extracted from a signal candidate's
// candle window, grounded on the teacher's PriceFeatures set
// (internal/ai/ml/predictor.go) but trimmed to what the composite engine
// and pattern detectors already compute, so no second indicator pass is
// needed to build one.
type FeatureVector struct {
	MomentumScore     float64 // trend sub-strategy score, [0,1]
	MeanReversion     float64 // mean-reversion sub-strategy score, [0,1]
	BreakoutStrength  float64 // breakout sub-strategy score, [0,1]
	VolumeRatio       float64 // volume sub-strategy score, [0,1]
	CompositeScore    float64 // already-blended composite score, [0,1]
	PatternConfidence float64 // [0,1]
	VolatilityPct     float64 // fraction, e.g. 0.02 for 2%
}

// Predictor is the contract a model implementation must satisfy.
type Predictor interface {
	Predict(fv FeatureVector) (float64, error)
}

// WeightedPredictor is the deterministic stub: a fixed linear combination
// of the feature vector squashed through a logistic, standing in for a
// trained model until one is plugged in behind the same interface.
type WeightedPredictor struct {
	weights weights
}

type weights struct {
	momentum, meanRev, breakout, volume, composite, confidence, volPenalty float64
}

// New builds the stub predictor with fixed weights tuned so that strong
// agreement across sub-strategies plus high pattern confidence pushes
// the score toward 1, and high volatility pulls it back down.
func New() *WeightedPredictor {
	return &WeightedPredictor{weights: weights{
		momentum: 0.9, meanRev: 0.4, breakout: 0.7, volume: 0.5,
		composite: 1.3, confidence: 0.8, volPenalty: 2.0,
	}}
}

// Predict combines fv into a single [0,1] score via a logistic squash.
// Deterministic and side-effect free: same input always yields the same
// output, matching the contract's only stated requirement.
func (p *WeightedPredictor) Predict(fv FeatureVector) (float64, error) {
	w := p.weights
	x := w.momentum*(fv.MomentumScore-0.5) +
		w.meanRev*(fv.MeanReversion-0.5) +
		w.breakout*(fv.BreakoutStrength-0.5) +
		w.volume*(fv.VolumeRatio-0.5) +
		w.composite*(fv.CompositeScore-0.5) +
		w.confidence*(fv.PatternConfidence-0.5) -
		w.volPenalty*fv.VolatilityPct
	return sigmoid(x), nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
