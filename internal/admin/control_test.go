package admin

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-core/internal/correlation"
	"futures-signal-core/internal/events"
	"futures-signal-core/internal/lifecycle"
	"futures-signal-core/internal/model"
	"futures-signal-core/internal/ports"
)

type stubPersistence struct {
	open []model.Position
}

func (s *stubPersistence) SaveSignal(ctx context.Context, sig model.EmittedSignal) error { return nil }
func (s *stubPersistence) LoadOpenPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return s.open, nil
}
func (s *stubPersistence) SavePosition(ctx context.Context, p model.Position) error { return nil }
func (s *stubPersistence) SaveTradeResult(ctx context.Context, r model.TradeResult) error {
	return nil
}
func (s *stubPersistence) PublishParameterSnapshot(ctx context.Context, snap *model.ParameterSnapshot) error {
	return nil
}
func (s *stubPersistence) LoadParameterSnapshot(ctx context.Context) (*model.ParameterSnapshot, error) {
	return nil, nil
}
func (s *stubPersistence) RecordCorrelationEvent(ctx context.Context, userID, symbol string, side model.Side, decision, reason string, at time.Time) error {
	return nil
}

type stubNotifier struct{}

func (stubNotifier) Emit(ctx context.Context, userID string, signal ports.RenderedSignal) (string, error) {
	return "ref", nil
}
func (stubNotifier) Update(ctx context.Context, messageRef string, patch ports.LifecyclePatch) error {
	return nil
}

func buildController(t *testing.T, persist *stubPersistence) *Controller {
	t.Helper()
	correl := correlation.New(time.Minute, nil, func(string) string { return "" }, func(string) ([]model.Candle, bool) { return nil, false }, 0, 0)
	lcMgr := lifecycle.New(persist, stubNotifier{}, events.New(), lifecycle.Config{
		ActivationMinProfitPct: 1.0, KTrail: 1.0, MinTrailDistancePct: 0.3,
		MaxTrailDistancePct: 3.0, BreakevenOffsetPct: 0.3, TP1SplitPct: 50, MinPartialSizeUSDT: 50,
	}, zerolog.Nop())
	return New(correl, lcMgr, persist)
}

func TestPauseResumeRoundTrip(t *testing.T) {
	c := buildController(t, &stubPersistence{})
	status, _ := c.GetRiskStatus(context.Background(), "u1")
	if status.Paused {
		t.Fatal("expected user not paused initially")
	}

	if err := c.PauseUser(context.Background(), "u1"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	status, _ = c.GetRiskStatus(context.Background(), "u1")
	if !status.Paused {
		t.Fatal("expected user paused after PauseUser")
	}

	if err := c.ResumeUser(context.Background(), "u1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if c.IsPaused("u1") {
		t.Fatal("expected user not paused after ResumeUser")
	}
}

func TestForceCloseAllClosesEveryOpenPosition(t *testing.T) {
	persist := &stubPersistence{open: []model.Position{
		{UserID: "u1", SignalID: "s1", Symbol: "ETHUSDT", Side: model.Long, Entry: 100, SL: 95, TP1: 105, TP2: 110, Status: model.StatusOpen, RemainingSize: 100},
		{UserID: "u1", SignalID: "s2", Symbol: "BTCUSDT", Side: model.Short, Entry: 50000, SL: 51000, TP1: 49000, TP2: 48000, Status: model.StatusOpen, RemainingSize: 100},
	}}
	c := buildController(t, persist)

	if err := c.ForceCloseAll(context.Background(), "u1"); err != nil {
		t.Fatalf("force close all: %v", err)
	}
}

func TestRecordTraceAndGetFilterTraceByCompositeKey(t *testing.T) {
	c := buildController(t, &stubPersistence{})
	c.RecordTrace(ports.FilterTrace{TickID: "tick-1", Symbol: "ETHUSDT", FinalVerdict: "PASS"})

	got, err := c.GetFilterTrace(context.Background(), "tick-1|ETHUSDT")
	if err != nil {
		t.Fatalf("expected trace found by composite key, got err: %v", err)
	}
	if got.Symbol != "ETHUSDT" {
		t.Fatalf("expected ETHUSDT trace, got %s", got.Symbol)
	}
}

func TestGetFilterTraceByBareTickIDFallsBackToAnySymbol(t *testing.T) {
	c := buildController(t, &stubPersistence{})
	c.RecordTrace(ports.FilterTrace{TickID: "tick-2", Symbol: "BTCUSDT", FinalVerdict: "PASS"})

	got, err := c.GetFilterTrace(context.Background(), "tick-2")
	if err != nil {
		t.Fatalf("expected fallback lookup to find a trace, got err: %v", err)
	}
	if got.TickID != "tick-2" {
		t.Fatalf("expected tick-2 trace, got %s", got.TickID)
	}
}

func TestGetFilterTraceNotFound(t *testing.T) {
	c := buildController(t, &stubPersistence{})
	if _, err := c.GetFilterTrace(context.Background(), "missing"); err != ports.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
