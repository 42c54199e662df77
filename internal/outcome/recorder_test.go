package outcome

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-core/internal/correlation"
	"futures-signal-core/internal/events"
	"futures-signal-core/internal/model"
	"futures-signal-core/internal/ports"
)

type stubPersistence struct {
	results []model.TradeResult
	failNext bool
}

func (s *stubPersistence) SaveSignal(ctx context.Context, sig model.EmittedSignal) error { return nil }
func (s *stubPersistence) LoadOpenPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return nil, nil
}
func (s *stubPersistence) SavePosition(ctx context.Context, p model.Position) error { return nil }
func (s *stubPersistence) SaveTradeResult(ctx context.Context, r model.TradeResult) error {
	if s.failNext {
		s.failNext = false
		return ports.ErrDeliveryFailed
	}
	s.results = append(s.results, r)
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

func closedPosition() model.Position {
	return model.Position{
		UserID: "u1", SignalID: "s1", Symbol: "ETHUSDT", Side: model.Long,
		Entry: 2500, SL: 2560, TP2: 2560, Status: model.StatusClosedTP,
		OpenedAt: time.Now().Add(-2 * time.Hour), LastUpdate: time.Now(),
		PatternType: "classic_ema_cross", MarketRegime: model.BullTrend,
		CompositeScore: 0.8, CompositeConfidence: 0.85,
	}
}

func TestRecordBuildsWinningTradeResult(t *testing.T) {
	p := &stubPersistence{}
	r := New(p, nil, events.New(), zerolog.Nop())
	if err := r.Record(context.Background(), closedPosition()); err != nil {
		t.Fatal(err)
	}
	if len(p.results) != 1 {
		t.Fatalf("expected one trade result, got %d", len(p.results))
	}
	res := p.results[0]
	if !res.IsWinner {
		t.Errorf("expected a profitable close to be a winner")
	}
	if res.PnLPct <= 0 {
		t.Errorf("expected positive pnl pct, got %v", res.PnLPct)
	}
}

func TestRecordIsIdempotentPerSignal(t *testing.T) {
	p := &stubPersistence{}
	r := New(p, nil, events.New(), zerolog.Nop())
	pos := closedPosition()
	if err := r.Record(context.Background(), pos); err != nil {
		t.Fatal(err)
	}
	if err := r.Record(context.Background(), pos); err != nil {
		t.Fatal(err)
	}
	if len(p.results) != 1 {
		t.Errorf("expected exactly one trade result despite two Record calls, got %d", len(p.results))
	}
}

func TestRecordAllowsRetryAfterPersistenceFailure(t *testing.T) {
	p := &stubPersistence{failNext: true}
	r := New(p, nil, events.New(), zerolog.Nop())
	pos := closedPosition()
	if err := r.Record(context.Background(), pos); err == nil {
		t.Fatal("expected the first, failing write to return an error")
	}
	if err := r.Record(context.Background(), pos); err != nil {
		t.Fatalf("expected retry after failure to succeed, got %v", err)
	}
	if len(p.results) != 1 {
		t.Errorf("expected exactly one persisted result after the retry, got %d", len(p.results))
	}
}

func TestBusDeliversPositionClosedToRecorder(t *testing.T) {
	p := &stubPersistence{}
	bus := events.New()
	New(p, nil, bus, zerolog.Nop())

	done := make(chan struct{})
	bus.SubscribeAll(func(events.Event) { close(done) })
	bus.Publish(events.Event{Type: events.TypePositionClosed, Data: closedPosition()})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for bus delivery")
	}
	// Publish fans out to goroutines; give the recorder's handler a beat.
	time.Sleep(20 * time.Millisecond)
	if len(p.results) != 1 {
		t.Errorf("expected the recorder to persist exactly one trade result via the bus, got %d", len(p.results))
	}
}

func TestOnPositionClosedReleasesCorrelationState(t *testing.T) {
	p := &stubPersistence{}
	correl := correlation.New(time.Minute, nil, nil, func(string) ([]model.Candle, bool) { return nil, false }, 0, 0)
	pos := closedPosition()
	correl.RecordOpen(pos.UserID, model.OpenPositionRef{Symbol: pos.Symbol, Side: pos.Side, OpenedAt: pos.OpenedAt})

	bus := events.New()
	New(p, correl, bus, zerolog.Nop())
	bus.Publish(events.Event{Type: events.TypePositionClosed, Data: pos})

	time.Sleep(20 * time.Millisecond)
	open, _ := correl.Snapshot(pos.UserID)
	if len(open) != 0 {
		t.Errorf("expected the closed position to be released from correlation state, got %d still open", len(open))
	}
}
