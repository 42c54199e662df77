package correlation

import (
	"testing"
	"time"

	"futures-signal-core/internal/model"
)

func series(base time.Time, n int, f func(i int) float64) []model.Candle {
	out := make([]model.Candle, n)
	for i := 0; i < n; i++ {
		c := f(i)
		out[i] = model.Candle{T: base.Add(time.Duration(i) * time.Minute), Open: c, High: c, Low: c, Close: c, Volume: 1}
	}
	return out
}

func TestCheckBlocksConcentrationOnHighCorrelation(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	btc := series(base, 110, func(i int) float64 { return 100 + float64(i)*0.3 })
	eth := series(base, 110, func(i int) float64 { return 50 + float64(i)*0.15 })

	m := New(time.Hour, nil, nil, func(symbol string) ([]model.Candle, bool) {
		switch symbol {
		case "BTCUSDT":
			return btc, true
		case "ETHUSDT":
			return eth, true
		}
		return nil, false
	}, 0, 0)

	now := base.Add(110 * time.Minute)
	m.RecordOpen("u1", model.OpenPositionRef{Symbol: "BTCUSDT", Side: model.Long, OpenedAt: now.Add(-time.Hour)})
	d := m.Check("u1", "ETHUSDT", model.Long, now)
	if d.Allowed {
		t.Fatalf("expected concentration block, got %+v", d)
	}
	if d.Reason != "concentration" {
		t.Errorf("expected concentration reason, got %s", d.Reason)
	}
}

func TestCheckBlocksHedgeContradiction(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	btc := series(base, 110, func(i int) float64 { return 100 + float64(i)*0.3 })
	eth := series(base, 110, func(i int) float64 { return 50 + float64(i)*0.15 })

	m := New(time.Hour, nil, nil, func(symbol string) ([]model.Candle, bool) {
		switch symbol {
		case "BTCUSDT":
			return btc, true
		case "ETHUSDT":
			return eth, true
		}
		return nil, false
	}, 0, 0)

	now := base.Add(110 * time.Minute)
	m.RecordOpen("u1", model.OpenPositionRef{Symbol: "BTCUSDT", Side: model.Long, OpenedAt: now.Add(-time.Hour)})
	d := m.Check("u1", "ETHUSDT", model.Short, now)
	if d.Allowed || d.Reason != "hedge-contradiction" {
		t.Fatalf("expected hedge-contradiction block, got %+v", d)
	}
}

func TestCheckEnforcesCooldown(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := New(time.Hour, nil, nil, func(symbol string) ([]model.Candle, bool) { return nil, false }, 0, 0)
	now := base
	m.RecordOpen("u1", model.OpenPositionRef{Symbol: "SOLUSDT", Side: model.Long, OpenedAt: now})
	m.RecordClose("u1", "SOLUSDT", model.Long)

	d := m.Check("u1", "SOLUSDT", model.Long, now.Add(10*time.Minute))
	if d.Allowed || d.Reason != "cooldown" {
		t.Fatalf("expected cooldown block, got %+v", d)
	}
	d2 := m.Check("u1", "SOLUSDT", model.Long, now.Add(2*time.Hour))
	if !d2.Allowed {
		t.Fatalf("expected allow after cooldown elapses, got %+v", d2)
	}
}

func TestCheckEnforcesGroupQuota(t *testing.T) {
	quotas := []GroupQuota{{Group: "BTC_HIGH", Max: 1}}
	m := New(time.Hour, quotas, func(symbol string) string { return "BTC_HIGH" }, func(symbol string) ([]model.Candle, bool) { return nil, false }, 0, 0)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.RecordOpen("u1", model.OpenPositionRef{Symbol: "BTCUSDT", Side: model.Long, Group: "BTC_HIGH", OpenedAt: now})
	d := m.Check("u1", "ETHUSDT", model.Long, now.Add(time.Minute))
	if d.Allowed || d.Reason != "group_quota" {
		t.Fatalf("expected group_quota block, got %+v", d)
	}
}

func TestCheckAllowsWhenUncorrelated(t *testing.T) {
	m := New(time.Hour, nil, nil, func(symbol string) ([]model.Candle, bool) { return nil, false }, 0, 0)
	d := m.Check("u1", "BTCUSDT", model.Long, time.Now())
	if !d.Allowed || d.Penalty != 1.0 {
		t.Fatalf("expected plain allow, got %+v", d)
	}
}
