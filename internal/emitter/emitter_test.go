package emitter

import (
	"context"
	"testing"
	"time"

	"futures-signal-core/internal/model"
	"futures-signal-core/internal/ports"
)

type stubPersistence struct {
	saved []model.EmittedSignal
}

func (s *stubPersistence) SaveSignal(ctx context.Context, sig model.EmittedSignal) error {
	s.saved = append(s.saved, sig)
	return nil
}
func (s *stubPersistence) LoadOpenPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return nil, nil
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

type stubNotifier struct {
	failTimes int
	calls     int
}

func (n *stubNotifier) Emit(ctx context.Context, userID string, signal ports.RenderedSignal) (string, error) {
	n.calls++
	if n.calls <= n.failTimes {
		return "", &ports.ErrFlood{RetryAfter: time.Millisecond}
	}
	return "msg-ref", nil
}
func (n *stubNotifier) Update(ctx context.Context, messageRef string, patch ports.LifecyclePatch) error {
	return nil
}

func sampleCandidate() model.SignalCandidate {
	return model.SignalCandidate{
		Symbol: "ETHUSDT", Side: model.Long, Entry: 2500, ATR: 12,
		CompositeScore: 0.82, CompositeConfidence: 0.85, QualityScore: 0.75,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestEmitComputesLevelsForLong(t *testing.T) {
	persist := &stubPersistence{}
	notifier := &stubNotifier{}
	e := New(persist, notifier, DefaultRetryConfig())
	regime := &model.RegimeSnapshot{Regime: model.BullTrend, SLMult: 0.8, TPMult: 1.5}
	sig, err := e.Emit(context.Background(), "u1", sampleCandidate(), Levels{KSL: 1.5, KTP1: 1.5, KTP2: 3.0}, regime, 182, 5)
	if err != nil {
		t.Fatal(err)
	}
	if sig.SL >= sig.Entry || sig.Entry >= sig.TP1 || sig.TP1 > sig.TP2 {
		t.Errorf("ordering invariant violated: %+v", sig)
	}
	if len(persist.saved) != 1 {
		t.Errorf("expected exactly one persisted signal, got %d", len(persist.saved))
	}
	if sig.MessageRef != "msg-ref" {
		t.Errorf("expected dispatch to succeed, got messageRef=%q", sig.MessageRef)
	}
}

func TestEmitAcceptsMirroredLevelsForShort(t *testing.T) {
	persist := &stubPersistence{}
	notifier := &stubNotifier{}
	e := New(persist, notifier, DefaultRetryConfig())
	cand := sampleCandidate()
	cand.Side = model.Short
	regime := &model.RegimeSnapshot{SLMult: 0.8, TPMult: 1.5}
	_, err := e.Emit(context.Background(), "u1", cand, Levels{KSL: 1.5, KTP1: 1.5, KTP2: 3.0}, regime, 100, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(persist.saved) != 1 {
		t.Fatalf("expected short candidate to persist with valid inverted ordering, got %d saves", len(persist.saved))
	}
}

func TestEmitSucceedsAfterTransientFlood(t *testing.T) {
	persist := &stubPersistence{}
	notifier := &stubNotifier{failTimes: 2}
	retry := DefaultRetryConfig()
	retry.BaseDelay = time.Millisecond
	e := New(persist, notifier, retry)
	regime := &model.RegimeSnapshot{Regime: model.BullTrend, SLMult: 0.8, TPMult: 1.5}
	sig, err := e.Emit(context.Background(), "u1", sampleCandidate(), Levels{KSL: 1.5, KTP1: 1.5, KTP2: 3.0}, regime, 182, 5)
	if err != nil {
		t.Fatal(err)
	}
	if sig.MessageRef != "msg-ref" {
		t.Errorf("expected eventual dispatch success, got %q", sig.MessageRef)
	}
	if notifier.calls != 3 {
		t.Errorf("expected 3 attempts (2 failures + 1 success), got %d", notifier.calls)
	}
}

func TestEmitDoesNotFailWhenDispatchExhausted(t *testing.T) {
	persist := &stubPersistence{}
	notifier := &stubNotifier{failTimes: 100}
	retry := RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, Budget: 50 * time.Millisecond}
	e := New(persist, notifier, retry)
	regime := &model.RegimeSnapshot{Regime: model.BullTrend, SLMult: 0.8, TPMult: 1.5}
	sig, err := e.Emit(context.Background(), "u1", sampleCandidate(), Levels{KSL: 1.5, KTP1: 1.5, KTP2: 3.0}, regime, 182, 5)
	if err != nil {
		t.Fatalf("expected emit to still succeed (signal persisted) even when dispatch is exhausted: %v", err)
	}
	if sig.MessageRef != "" {
		t.Errorf("expected empty messageRef after exhaustion, got %q", sig.MessageRef)
	}
	if len(persist.saved) != 1 {
		t.Errorf("expected exactly one persisted signal despite dispatch failure")
	}
}
