package patterns

import (
	"math"
	"testing"
	"time"

	"futures-signal-core/internal/model"
)

func series(n int, f func(i int) float64) []model.Candle {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]model.Candle, n)
	for i := 0; i < n; i++ {
		c := f(i)
		out[i] = model.Candle{T: base.Add(time.Duration(i) * time.Minute), Open: c, High: c * 1.002, Low: c * 0.998, Close: c, Volume: 1000}
	}
	return out
}

func TestClassicEMACrossDetectsUptrend(t *testing.T) {
	d := classicEMACross{}
	// drift down, then rally so that EMA(fast) crosses above EMA(slow)
	// exactly on the last candle
	c := series(60, func(i int) float64 {
		if i < 49 {
			return 100 - float64(i)
		}
		return 100 - 48 + float64(i-48)*2
	})
	cand, ok := d.Evaluate("ETHUSDT", c)
	if !ok {
		t.Fatal("expected a candidate on strong uptrend")
	}
	if cand.Side != model.Long {
		t.Errorf("expected LONG, got %v", cand.Side)
	}
}

func TestBreakoutRequiresVolumeConfirmation(t *testing.T) {
	d := breakout{}
	c := series(25, func(i int) float64 { return 100 })
	// no breakout without volume spike
	c[len(c)-1].Close = 110
	c[len(c)-1].High = 111
	if _, ok := d.Evaluate("BTCUSDT", c); ok {
		t.Error("expected no breakout candidate without volume confirmation")
	}
	c[len(c)-1].Volume = 5000
	cand, ok := d.Evaluate("BTCUSDT", c)
	if !ok {
		t.Fatal("expected breakout candidate with volume confirmation")
	}
	if cand.Side != model.Long {
		t.Errorf("expected LONG breakout, got %v", cand.Side)
	}
}

func TestTableHighestScoreSelection(t *testing.T) {
	table := NewTable(HighestScore)
	c := series(60, func(i int) float64 { return 100 + math.Sin(float64(i)/4)*3 })
	// Not asserting a specific detector wins, just that selection is
	// internally consistent: if any candidate is returned its score is
	// the max among all producing detectors.
	cand, ok := table.Evaluate("ETHUSDT", c)
	if !ok {
		return
	}
	for _, d := range table.detectors {
		other, ok := d.Evaluate("ETHUSDT", c)
		if ok && other.RawScore > cand.RawScore {
			t.Errorf("table did not select highest score: %s scored %v > selected %v", d.Name(), other.RawScore, cand.RawScore)
		}
	}
}
