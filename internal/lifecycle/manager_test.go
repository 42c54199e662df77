package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-core/internal/events"
	"futures-signal-core/internal/model"
	"futures-signal-core/internal/ports"
)

type stubPersistence struct {
	saved []model.Position
}

func (s *stubPersistence) SaveSignal(ctx context.Context, sig model.EmittedSignal) error { return nil }
func (s *stubPersistence) LoadOpenPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return nil, nil
}
func (s *stubPersistence) SavePosition(ctx context.Context, p model.Position) error {
	s.saved = append(s.saved, p)
	return nil
}
func (s *stubPersistence) SaveTradeResult(ctx context.Context, r model.TradeResult) error { return nil }
func (s *stubPersistence) PublishParameterSnapshot(ctx context.Context, snap *model.ParameterSnapshot) error {
	return nil
}
func (s *stubPersistence) LoadParameterSnapshot(ctx context.Context) (*model.ParameterSnapshot, error) {
	return nil, nil
}
func (s *stubPersistence) RecordCorrelationEvent(ctx context.Context, userID, symbol string, side model.Side, decision, reason string, at time.Time) error {
	return nil
}

type stubNotifier struct {
	updates []ports.LifecyclePatch
}

func (n *stubNotifier) Emit(ctx context.Context, userID string, signal ports.RenderedSignal) (string, error) {
	return "msg-ref", nil
}
func (n *stubNotifier) Update(ctx context.Context, messageRef string, patch ports.LifecyclePatch) error {
	n.updates = append(n.updates, patch)
	return nil
}

func basePosition() model.Position {
	return model.Position{
		UserID: "u1", SignalID: "s1", Symbol: "ETHUSDT", Side: model.Long,
		Entry: 2500, ATR: 20, SizeUSDT: 200, RemainingSize: 200,
		SL: 2460, TP1: 2530, TP2: 2560, Status: model.StatusOpen,
		MessageRef: "msg-ref", OpenedAt: time.Now(),
	}
}

func regime() *model.RegimeSnapshot {
	return &model.RegimeSnapshot{Regime: model.BullTrend, SLMult: 1.0, TPMult: 1.0}
}

func newManager(p *stubPersistence, n *stubNotifier) *Manager {
	cfg := Config{
		ActivationMinProfitPct: 1.0,
		KTrail:                 1.0,
		MinTrailDistancePct:    0.3,
		MaxTrailDistancePct:    3.0,
		BreakevenOffsetPct:     0.3,
		TP1SplitPct:            50,
		MinPartialSizeUSDT:     50,
	}
	return New(p, n, events.New(), cfg, zerolog.Nop())
}

func TestEvaluateClosesOnStopLoss(t *testing.T) {
	p := &stubPersistence{}
	m := newManager(p, &stubNotifier{})
	pos := basePosition()
	updated, err := m.Evaluate(context.Background(), pos, 2450, regime(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != model.StatusClosedSL {
		t.Errorf("expected CLOSED_SL, got %s", updated.Status)
	}
	if updated.RemainingSize != 0 {
		t.Errorf("expected remaining size zeroed, got %v", updated.RemainingSize)
	}
}

func TestEvaluatePartialCloseOnTP1(t *testing.T) {
	p := &stubPersistence{}
	m := newManager(p, &stubNotifier{})
	pos := basePosition()
	updated, err := m.Evaluate(context.Background(), pos, 2535, regime(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != model.StatusTP1Partial {
		t.Errorf("expected TP1_PARTIAL, got %s", updated.Status)
	}
	if updated.RemainingSize != 100 {
		t.Errorf("expected half size remaining, got %v", updated.RemainingSize)
	}
	wantSL := pos.Entry * 1.003
	if diff := updated.SL - wantSL; diff > 0.001 || diff < -0.001 {
		t.Errorf("expected SL moved to breakeven+offset %v, got %v", wantSL, updated.SL)
	}
}

func TestEvaluateSkipsPartialBelowMinSize(t *testing.T) {
	p := &stubPersistence{}
	m := newManager(p, &stubNotifier{})
	pos := basePosition()
	pos.RemainingSize = 40
	updated, err := m.Evaluate(context.Background(), pos, 2535, regime(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != model.StatusOpen {
		t.Errorf("expected partial TP skipped below min size, stayed OPEN, got %s", updated.Status)
	}
}

func TestEvaluateClosesOnTP2(t *testing.T) {
	p := &stubPersistence{}
	m := newManager(p, &stubNotifier{})
	pos := basePosition()
	pos.Status = model.StatusTP1Partial
	pos.TP1Hit = true
	pos.RemainingSize = 100
	updated, err := m.Evaluate(context.Background(), pos, 2565, regime(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != model.StatusClosedTP {
		t.Errorf("expected CLOSED_TP, got %s", updated.Status)
	}
}

func TestEvaluateIsNoopOnceTerminal(t *testing.T) {
	p := &stubPersistence{}
	m := newManager(p, &stubNotifier{})
	pos := basePosition()
	pos.Status = model.StatusClosedSL
	updated, err := m.Evaluate(context.Background(), pos, 2400, regime(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(p.saved) != 0 {
		t.Errorf("expected no persistence call for a terminal position, got %d", len(p.saved))
	}
	if updated.Status != model.StatusClosedSL {
		t.Errorf("status should be unchanged")
	}
}

func TestEvaluateActivatesAndAdvancesTrailingStop(t *testing.T) {
	p := &stubPersistence{}
	m := newManager(p, &stubNotifier{})
	pos := basePosition()
	// keep both targets out of reach so only the trailing path runs
	pos.TP1 = 2600
	pos.TP2 = 2700

	updated, err := m.Evaluate(context.Background(), pos, 2530, regime(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !updated.TrailingActive {
		t.Fatalf("expected trailing to activate above 1%% profit")
	}
	if updated.HighWaterMark != 2530 {
		t.Errorf("expected high water mark 2530, got %v", updated.HighWaterMark)
	}
	if updated.SL <= pos.SL {
		t.Errorf("expected trailing stop to advance above original SL, got %v", updated.SL)
	}

	updated2, err := m.Evaluate(context.Background(), updated, 2545, regime(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if updated2.SL <= updated.SL {
		t.Errorf("expected trailing stop to advance further as price rises, got %v vs %v", updated2.SL, updated.SL)
	}
}

func TestEvaluateTrailingStopNeverRetreats(t *testing.T) {
	p := &stubPersistence{}
	m := newManager(p, &stubNotifier{})
	pos := basePosition()
	pos.TrailingActive = true
	pos.HighWaterMark = 2550
	pos.SL = 2530 // already at the trail distance implied by the current high water mark

	updated, err := m.Evaluate(context.Background(), pos, 2535, regime(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if updated.SL != pos.SL {
		t.Errorf("expected stop to hold when price retraces, got %v want %v", updated.SL, pos.SL)
	}
	if updated.HighWaterMark != 2550 {
		t.Errorf("expected high water mark to hold at prior peak, got %v", updated.HighWaterMark)
	}
}

func TestCloseManualForcesTerminalFromAnyState(t *testing.T) {
	p := &stubPersistence{}
	n := &stubNotifier{}
	m := newManager(p, n)
	pos := basePosition()
	updated, err := m.CloseManual(context.Background(), pos, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != model.StatusClosedManual {
		t.Errorf("expected CLOSED_MANUAL, got %s", updated.Status)
	}
	if len(n.updates) != 1 || n.updates[0].Kind != "CLOSED_MANUAL" {
		t.Errorf("expected one CLOSED_MANUAL lifecycle patch dispatched, got %+v", n.updates)
	}
}
