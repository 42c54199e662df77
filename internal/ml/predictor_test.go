package ml

import "testing"

func TestPredictIsDeterministic(t *testing.T) {
	p := New()
	fv := FeatureVector{
		MomentumScore: 0.8, MeanReversion: 0.3, BreakoutStrength: 0.6,
		VolumeRatio: 0.7, CompositeScore: 0.75, PatternConfidence: 0.9, VolatilityPct: 0.01,
	}
	first, err := p.Predict(fv)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	second, err := p.Predict(fv)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if first != second {
		t.Fatalf("expected deterministic output, got %v then %v", first, second)
	}
	if first < 0 || first > 1 {
		t.Fatalf("expected score in [0,1], got %v", first)
	}
}

func TestPredictRewardsAgreementAndConfidence(t *testing.T) {
	p := New()
	strong := FeatureVector{
		MomentumScore: 0.9, MeanReversion: 0.9, BreakoutStrength: 0.9,
		VolumeRatio: 0.9, CompositeScore: 0.9, PatternConfidence: 0.9, VolatilityPct: 0.01,
	}
	weak := FeatureVector{
		MomentumScore: 0.5, MeanReversion: 0.5, BreakoutStrength: 0.5,
		VolumeRatio: 0.5, CompositeScore: 0.5, PatternConfidence: 0.5, VolatilityPct: 0.01,
	}
	strongScore, _ := p.Predict(strong)
	weakScore, _ := p.Predict(weak)
	if strongScore <= weakScore {
		t.Fatalf("expected strong agreement to score higher: strong=%v weak=%v", strongScore, weakScore)
	}
}

func TestPredictPenalizesVolatility(t *testing.T) {
	p := New()
	base := FeatureVector{
		MomentumScore: 0.8, MeanReversion: 0.6, BreakoutStrength: 0.6,
		VolumeRatio: 0.6, CompositeScore: 0.7, PatternConfidence: 0.7, VolatilityPct: 0.01,
	}
	volatile := base
	volatile.VolatilityPct = 0.2

	baseScore, _ := p.Predict(base)
	volatileScore, _ := p.Predict(volatile)
	if volatileScore >= baseScore {
		t.Fatalf("expected high volatility to reduce score: base=%v volatile=%v", baseScore, volatileScore)
	}
}
