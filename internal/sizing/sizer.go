// Package sizing implements the Adaptive Position Sizer (C8): blends
// composite score, quality score, regime, and volatility into a size
// multiplier, then applies it together with the regime's size
// multiplier and any correlation penalty to a base notional.
// Grounded on internal/risk/manager.go's calculatePositionSize, whose
// fixed/percent/kelly/atr switch is replaced here by a single
// multi-factor blend since the spec defines one deterministic formula
// rather than a configurable method.
package sizing

import "futures-signal-core/internal/model"

const (
	minMultiplier = 0.5
	maxMultiplier = 1.5
)

// Inputs bundles the four factors the sizer blends.
type Inputs struct {
	CompositeScore float64 // [0,1]
	QualityScore   float64 // [0,1]
	RegimeMult     float64 // RegimeSnapshot.PositionSizeMult, already in [0.2, 1.4]
	VolatilityPct  float64 // realized volatility, percent
}

// Sizer computes the adaptive multiplier and final notional size.
type Sizer struct{}

// New creates a Sizer.
func New() *Sizer { return &Sizer{} }

// Multiplier blends the four factors per §4.8:
//
//	multiplier = clamp(0.4*compositeFactor + 0.3*qualityFactor + 0.2*regimeFactor + 0.1*volFactor, 0.5, 1.5)
func (Sizer) Multiplier(in Inputs) float64 {
	compositeFactor := 0.5 + in.CompositeScore*1.0
	qualityFactor := 0.5 + in.QualityScore*1.0
	regimeFactor := clamp(in.RegimeMult, 0.5, 1.5)
	volFactor := volatilityFactor(in.VolatilityPct)

	blended := 0.4*compositeFactor + 0.3*qualityFactor + 0.2*regimeFactor + 0.1*volFactor
	return clamp(blended, minMultiplier, maxMultiplier)
}

// volatilityFactor maps realized volatility to [0.5, 1.5]: low vol (near
// 0%) favors larger size, high vol (>=15%, the Filter Pipeline's own
// ceiling) favors the floor.
func volatilityFactor(volPct float64) float64 {
	const ceiling = 15.0
	ratio := volPct / ceiling
	return clamp(1.5-ratio, 0.5, 1.5)
}

// FinalSize computes baseUSDT * regime size mult * adaptive mult *
// correlation penalty.
func (s Sizer) FinalSize(baseUSDT float64, regime *model.RegimeSnapshot, in Inputs, correlationPenalty float64) float64 {
	adaptive := s.Multiplier(in)
	size := baseUSDT * regime.PositionSizeMult * adaptive * correlationPenalty
	if size < 0 {
		return 0
	}
	return size
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
