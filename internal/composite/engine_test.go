package composite

import (
	"testing"
	"time"

	"futures-signal-core/internal/model"
)

func candles(n int, f func(i int) (close, volume float64)) []model.Candle {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]model.Candle, n)
	for i := 0; i < n; i++ {
		c, v := f(i)
		out[i] = model.Candle{T: base.Add(time.Duration(i) * time.Minute), Open: c, High: c + 1, Low: c - 1, Close: c, Volume: v}
	}
	return out
}

func TestEvaluateRequiresThreeStrategies(t *testing.T) {
	e := New()
	c := candles(5, func(i int) (float64, float64) { return 100, 10 })
	if _, err := e.Evaluate(c, DefaultWeights()); err != ErrInsufficientSignals {
		t.Fatalf("expected ErrInsufficientSignals, got %v", err)
	}
}

func TestEvaluateProducesBoundedResult(t *testing.T) {
	e := New()
	c := candles(60, func(i int) (float64, float64) {
		return 100 + float64(i)*0.5, 1000 + float64(i%5)*100
	})
	res, err := e.Evaluate(c, DefaultWeights())
	if err != nil {
		t.Fatal(err)
	}
	if res.Score < 0 || res.Score > 1 {
		t.Errorf("score out of bounds: %v", res.Score)
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		t.Errorf("confidence out of bounds: %v", res.Confidence)
	}
	if res.Bonus < -2.5 || res.Bonus > 2.5 {
		t.Errorf("bonus out of bounds: %v", res.Bonus)
	}
}

func TestAgreementConfidenceHighWhenScoresAgree(t *testing.T) {
	agree := map[string]float64{"a": 0.8, "b": 0.8, "c": 0.8, "d": 0.8}
	disagree := map[string]float64{"a": 0.99, "b": 0.01, "c": 0.5, "d": 0.5}
	if agreementConfidence(agree) <= agreementConfidence(disagree) {
		t.Errorf("expected agreeing scores to yield higher confidence: agree=%v disagree=%v",
			agreementConfidence(agree), agreementConfidence(disagree))
	}
}
