package adaptive

import (
	"context"
	"testing"
	"time"

	"futures-signal-core/internal/model"
)

type stubSource struct {
	results []model.TradeResult
}

func (s *stubSource) RecentTradeResults(ctx context.Context, since time.Time) ([]model.TradeResult, error) {
	return s.results, nil
}

type stubPublisher struct {
	published []*model.ParameterSnapshot
}

func (s *stubPublisher) SaveSignal(ctx context.Context, sig model.EmittedSignal) error { return nil }
func (s *stubPublisher) LoadOpenPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return nil, nil
}
func (s *stubPublisher) SavePosition(ctx context.Context, p model.Position) error { return nil }
func (s *stubPublisher) SaveTradeResult(ctx context.Context, r model.TradeResult) error { return nil }
func (s *stubPublisher) PublishParameterSnapshot(ctx context.Context, snap *model.ParameterSnapshot) error {
	s.published = append(s.published, snap)
	return nil
}
func (s *stubPublisher) LoadParameterSnapshot(ctx context.Context) (*model.ParameterSnapshot, error) {
	return nil, nil
}
func (s *stubPublisher) RecordCorrelationEvent(ctx context.Context, userID, symbol string, side model.Side, decision, reason string, at time.Time) error {
	return nil
}

func TestRunTightensThresholdOnLowWinRate(t *testing.T) {
	results := []model.TradeResult{
		{MarketRegime: model.BullTrend, PatternType: "classic_ema_cross", IsWinner: false},
		{MarketRegime: model.BullTrend, PatternType: "classic_ema_cross", IsWinner: false},
		{MarketRegime: model.BullTrend, PatternType: "classic_ema_cross", IsWinner: true},
	}
	pub := &stubPublisher{}
	c := New(pub, &stubSource{results: results}, DefaultConfig(), nil)
	snap, err := c.Run(context.Background(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if snap.ThresholdMult[model.BullTrend] <= 1.0 {
		t.Errorf("expected threshold mult to tighten above 1.0 on <50%% win rate, got %v", snap.ThresholdMult[model.BullTrend])
	}
	if snap.Version != 2 {
		t.Errorf("expected version to increment to 2, got %d", snap.Version)
	}
	if len(pub.published) != 1 {
		t.Errorf("expected exactly one published snapshot")
	}
}

func TestRunLoosensThresholdOnHighWinRate(t *testing.T) {
	results := []model.TradeResult{
		{MarketRegime: model.BearTrend, PatternType: "breakout", IsWinner: true},
		{MarketRegime: model.BearTrend, PatternType: "breakout", IsWinner: true},
		{MarketRegime: model.BearTrend, PatternType: "breakout", IsWinner: true},
		{MarketRegime: model.BearTrend, PatternType: "breakout", IsWinner: false},
	}
	pub := &stubPublisher{}
	c := New(pub, &stubSource{results: results}, DefaultConfig(), nil)
	snap, err := c.Run(context.Background(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if snap.ThresholdMult[model.BearTrend] >= 1.0 {
		t.Errorf("expected threshold mult to loosen below 1.0 on >70%% win rate, got %v", snap.ThresholdMult[model.BearTrend])
	}
}

func TestCurrentReturnsSeedBeforeFirstRun(t *testing.T) {
	pub := &stubPublisher{}
	c := New(pub, &stubSource{}, DefaultConfig(), nil)
	snap := c.Current()
	if snap.Version != 1 {
		t.Errorf("expected seed version 1, got %d", snap.Version)
	}
}

func TestDueForRunRespectsRunHourAndLastRun(t *testing.T) {
	c := New(&stubPublisher{}, &stubSource{}, Config{RunHourUTC: 2}, nil)
	before := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	if c.DueForRun(before) {
		t.Errorf("expected not due before the run hour")
	}
	after := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
	if !c.DueForRun(after) {
		t.Errorf("expected due after the run hour with no prior run")
	}
	if _, err := c.Run(context.Background(), after); err != nil {
		t.Fatal(err)
	}
	if c.DueForRun(after.Add(time.Hour)) {
		t.Errorf("expected not due again later the same day after a run")
	}
	nextDay := after.AddDate(0, 0, 1)
	if !c.DueForRun(nextDay) {
		t.Errorf("expected due again the following day")
	}
}
