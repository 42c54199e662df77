// Package emitter implements the Signal Emitter (C9): computes stop-loss
// and take-profit levels, persists the resulting EmittedSignal
// idempotently, and dispatches it through the NotificationPort with
// exponential-backoff retry. Grounded on internal/notification's
// dispatch surface and internal/settlement/error_handling.go's
// RetryConfig/backoff-delay-table idiom.
package emitter

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"futures-signal-core/internal/model"
	"futures-signal-core/internal/ports"
)

// ErrInvalidCandidate is returned when the computed SL/TP levels violate
// the emitter's ordering invariant; the candidate is dropped, never
// emitted.
var ErrInvalidCandidate = errors.New("emitter: invalid sl/tp ordering")

// Levels holds the k-multipliers used to derive SL/TP from ATR.
type Levels struct {
	KSL  float64
	KTP1 float64
	KTP2 float64
}

// RetryConfig controls the notification dispatch retry loop.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	Budget     time.Duration
}

// DefaultRetryConfig matches the notification dispatcher's default
// budget (§6 Notification config: retryBudget).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 4, BaseDelay: 500 * time.Millisecond, Budget: 30 * time.Second}
}

// Emitter turns a sized SignalCandidate into a persisted, dispatched
// EmittedSignal.
type Emitter struct {
	persistence ports.PersistencePort
	notifier    ports.NotificationPort
	retry       RetryConfig
}

// New builds an Emitter over the given ports.
func New(persistence ports.PersistencePort, notifier ports.NotificationPort, retry RetryConfig) *Emitter {
	return &Emitter{persistence: persistence, notifier: notifier, retry: retry}
}

// Emit computes SL/TP, validates the ordering invariant, persists the
// signal (idempotent by (symbol, side, candleT)), then best-effort
// dispatches it. A dispatch failure does not unwind the persisted
// signal: the caller always gets back the EmittedSignal once
// persistence succeeds.
func (e *Emitter) Emit(ctx context.Context, userID string, cand model.SignalCandidate, levels Levels, regime *model.RegimeSnapshot, sizeUSDT float64, leverage int) (model.EmittedSignal, error) {
	sl, tp1, tp2 := computeLevels(cand, levels, regime)

	signal := model.EmittedSignal{
		SignalCandidate: cand,
		SignalID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte(userID+"|"+cand.Symbol+"|"+string(cand.Side)+"|"+cand.Timestamp.UTC().Format(time.RFC3339Nano))).String(),
		UserID:          userID,
		SL:              sl,
		TP1:             tp1,
		TP2:             tp2,
		SizeUSDT:        sizeUSDT,
		Leverage:        leverage,
		Status:          model.StatusOpen,
		CandleT:         cand.Timestamp,
	}

	if !validOrdering(signal) {
		return model.EmittedSignal{}, ErrInvalidCandidate
	}

	if err := e.persistence.SaveSignal(ctx, signal); err != nil {
		return model.EmittedSignal{}, err
	}

	rendered := ports.RenderedSignal{
		SignalID: signal.SignalID, Symbol: signal.Symbol, Side: signal.Side,
		Entry: signal.Entry, SL: signal.SL, TP1: signal.TP1, TP2: signal.TP2,
		SizeUSDT: signal.SizeUSDT, Confidence: signal.CompositeConfidence,
	}
	messageRef, err := e.dispatchWithRetry(ctx, userID, rendered)
	if err == nil {
		signal.MessageRef = messageRef
	}
	// Dispatch exhaustion is deliberately swallowed here: the signal is
	// already durable and visible through the control port even if no
	// notification ever reaches the user.
	return signal, nil
}

func computeLevels(cand model.SignalCandidate, lv Levels, regime *model.RegimeSnapshot) (sl, tp1, tp2 float64) {
	dist := cand.ATR * regime.SLMult
	tpDist1 := cand.ATR * regime.TPMult
	if cand.Side == model.Long {
		sl = cand.Entry - lv.KSL*dist
		tp1 = cand.Entry + lv.KTP1*tpDist1
		tp2 = cand.Entry + lv.KTP2*tpDist1
		return
	}
	sl = cand.Entry + lv.KSL*dist
	tp1 = cand.Entry - lv.KTP1*tpDist1
	tp2 = cand.Entry - lv.KTP2*tpDist1
	return
}

func validOrdering(s model.EmittedSignal) bool {
	if s.Side == model.Long {
		return s.SL < s.Entry && s.Entry < s.TP1 && s.TP1 <= s.TP2
	}
	return s.SL > s.Entry && s.Entry > s.TP1 && s.TP1 >= s.TP2
}

// dispatchWithRetry attempts delivery with exponential backoff, honouring
// a server-specified retryAfter over the computed delay, and bounded by
// both MaxRetries and the total time Budget.
func (e *Emitter) dispatchWithRetry(ctx context.Context, userID string, rendered ports.RenderedSignal) (string, error) {
	deadline := time.Now().Add(e.retry.Budget)
	delay := e.retry.BaseDelay

	var lastErr error
	for attempt := 0; attempt <= e.retry.MaxRetries; attempt++ {
		if time.Now().After(deadline) {
			return "", lastErr
		}
		ref, err := e.notifier.Emit(ctx, userID, rendered)
		if err == nil {
			return ref, nil
		}
		lastErr = err

		wait := delay
		var flood *ports.ErrFlood
		if errors.As(err, &flood) {
			wait = flood.RetryAfter
		}
		if time.Now().Add(wait).After(deadline) {
			return "", lastErr
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
	return "", lastErr
}
