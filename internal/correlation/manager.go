// Package correlation implements the Correlation Risk Manager (C7): a
// per-user open-position registry with pairwise correlation checks,
// concentration/hedge-contradiction blocking, group quotas, and a
// signal-cooldown history. All mutation for one user is serialized by a
// per-user lock; no global lock is held across users.
package correlation

import (
	"math"
	"sync"
	"time"

	"futures-signal-core/internal/model"
)

const (
	defaultBlockThreshold = 0.85
	defaultPenaltyFloor   = 0.6
	correlationLook       = 100
)

// Decision is the verdict Check returns.
type Decision struct {
	Allowed bool
	Penalty float64 // 1.0 when no penalty applies; in [0.5, 1.0) otherwise
	Reason  string  // populated when Allowed is false, or "penalty" when discounted
}

// GroupQuota caps concurrent open positions in a named symbol group
// (e.g. "BTC_HIGH" for high-beta majors).
type GroupQuota struct {
	Group string
	Max   int
}

// userState is one user's correlation bookkeeping. Mutated only while
// holding mu.
type userState struct {
	mu      sync.Mutex
	open    []model.OpenPositionRef
	history []model.SignalHistoryEntry
}

// Manager owns CorrelationState for every user exclusively; no other
// component mutates open-position or signal-history bookkeeping.
type Manager struct {
	usersMu sync.RWMutex
	users   map[string]*userState

	quotas       []GroupQuota
	cooldown     time.Duration
	symbolGroup  func(symbol string) string
	candleWindow func(symbol string) ([]model.Candle, bool)

	blockThreshold float64
	penaltyFloor   float64

	pairMu    sync.Mutex
	pairCache map[pairKey]float64
}

type pairKey struct {
	a, b string
	t    time.Time
}

// New builds a Manager. symbolGroup classifies a symbol into a quota
// group (return "" for ungrouped symbols); candleWindow supplies the
// last `correlationLook` candles for a symbol, sourced from the Candle
// Store's own snapshot. blockThreshold/penaltyFloor are the |rho|
// cutoffs for outright blocking and for starting to discount size; a
// zero value for either falls back to defaultBlockThreshold/
// defaultPenaltyFloor so existing callers that don't care about tuning
// these still get sane behavior.
func New(cooldown time.Duration, quotas []GroupQuota, symbolGroup func(string) string, candleWindow func(string) ([]model.Candle, bool), blockThreshold, penaltyFloor float64) *Manager {
	if blockThreshold <= 0 {
		blockThreshold = defaultBlockThreshold
	}
	if penaltyFloor <= 0 {
		penaltyFloor = defaultPenaltyFloor
	}
	return &Manager{
		users:          make(map[string]*userState),
		quotas:         quotas,
		cooldown:       cooldown,
		symbolGroup:    symbolGroup,
		candleWindow:   candleWindow,
		blockThreshold: blockThreshold,
		penaltyFloor:   penaltyFloor,
		pairCache:      make(map[pairKey]float64),
	}
}

func (m *Manager) stateFor(userID string) *userState {
	m.usersMu.RLock()
	s, ok := m.users[userID]
	m.usersMu.RUnlock()
	if ok {
		return s
	}
	m.usersMu.Lock()
	defer m.usersMu.Unlock()
	if s, ok = m.users[userID]; ok {
		return s
	}
	s = &userState{}
	m.users[userID] = s
	return s
}

// Check evaluates a prospective (userID, symbol, side) signal against
// the user's current open positions and recent signal history.
func (m *Manager) Check(userID, symbol string, side model.Side, now time.Time) Decision {
	s := m.stateFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = trimHistory(s.history, now, 24*time.Hour)

	maxRho := 0.0
	for _, ref := range s.open {
		if ref.Symbol == symbol {
			continue
		}
		rho, ok := m.correlation(symbol, ref.Symbol, now)
		if !ok {
			continue
		}
		abs := math.Abs(rho)
		if abs >= m.blockThreshold {
			if ref.Side == side {
				return Decision{Allowed: false, Reason: "concentration"}
			}
			return Decision{Allowed: false, Reason: "hedge-contradiction"}
		}
		if abs > maxRho {
			maxRho = abs
		}
	}

	if group := m.groupOf(symbol); group != "" {
		if blocked := m.groupQuotaExceeded(s, group); blocked {
			return Decision{Allowed: false, Reason: "group_quota"}
		}
	}

	for _, h := range s.history {
		if h.Symbol == symbol && h.Side == side && now.Sub(h.At) < m.cooldown {
			return Decision{Allowed: false, Reason: "cooldown"}
		}
	}

	if maxRho >= m.penaltyFloor {
		penalty := 1 - (maxRho-m.penaltyFloor)/0.25*0.5
		if penalty < 0.5 {
			penalty = 0.5
		}
		return Decision{Allowed: true, Penalty: penalty, Reason: "penalty"}
	}

	return Decision{Allowed: true, Penalty: 1.0}
}

func (m *Manager) groupOf(symbol string) string {
	if m.symbolGroup == nil {
		return ""
	}
	return m.symbolGroup(symbol)
}

func (m *Manager) groupQuotaExceeded(s *userState, group string) bool {
	var max int
	found := false
	for _, q := range m.quotas {
		if q.Group == group {
			max = q.Max
			found = true
			break
		}
	}
	if !found {
		return false
	}
	count := 0
	for _, ref := range s.open {
		if ref.Group == group {
			count++
		}
	}
	return count >= max
}

// RecordOpen registers a newly opened position in the user's
// correlation state and appends a signal-history entry for cooldown
// tracking. ref.Group is filled in from the configured classifier when
// left blank, so callers don't need to duplicate the group lookup.
func (m *Manager) RecordOpen(userID string, ref model.OpenPositionRef) {
	if ref.Group == "" {
		ref.Group = m.groupOf(ref.Symbol)
	}
	s := m.stateFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = append(s.open, ref)
	s.history = append(s.history, model.SignalHistoryEntry{Symbol: ref.Symbol, Side: ref.Side, At: ref.OpenedAt})
}

// RecordClose removes a closed position from the user's open set.
func (m *Manager) RecordClose(userID, symbol string, side model.Side) {
	s := m.stateFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.open[:0]
	for _, ref := range s.open {
		if ref.Symbol == symbol && ref.Side == side {
			continue
		}
		out = append(out, ref)
	}
	s.open = out
}

// Snapshot reports a user's current open positions and history length
// for observability.
func (m *Manager) Snapshot(userID string) (open []model.OpenPositionRef, historyLen int) {
	s := m.stateFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.OpenPositionRef, len(s.open))
	copy(out, s.open)
	return out, len(s.history)
}

// LastSignal reports the most recent history entry for (symbol, side),
// used by the duplicate_signal filter gate's cooldown check.
func (m *Manager) LastSignal(userID, symbol string, side model.Side) (time.Time, bool) {
	s := m.stateFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	var last time.Time
	found := false
	for _, e := range s.history {
		if e.Symbol == symbol && e.Side == side && e.At.After(last) {
			last, found = e.At, true
		}
	}
	return last, found
}

func trimHistory(h []model.SignalHistoryEntry, now time.Time, window time.Duration) []model.SignalHistoryEntry {
	out := h[:0]
	for _, e := range h {
		if now.Sub(e.At) <= window {
			out = append(out, e)
		}
	}
	return out
}

// correlation returns the Pearson correlation of log-returns between
// two symbols over the last correlationLook candles, cached per
// (symbol-pair, most-recent candle timestamp) for the duration of one
// tick.
func (m *Manager) correlation(a, b string, now time.Time) (float64, bool) {
	if m.candleWindow == nil {
		return 0, false
	}
	ca, ok := m.candleWindow(a)
	if !ok || len(ca) < 2 {
		return 0, false
	}
	cb, ok := m.candleWindow(b)
	if !ok || len(cb) < 2 {
		return 0, false
	}

	key := normalizedPairKey(a, b, ca[len(ca)-1].T)
	m.pairMu.Lock()
	if v, ok := m.pairCache[key]; ok {
		m.pairMu.Unlock()
		return v, true
	}
	m.pairMu.Unlock()

	ra := logReturns(ca, correlationLook)
	rb := logReturns(cb, correlationLook)
	n := len(ra)
	if len(rb) < n {
		n = len(rb)
	}
	if n < 2 {
		return 0, false
	}
	rho := pearson(ra[len(ra)-n:], rb[len(rb)-n:])

	m.pairMu.Lock()
	m.pairCache[key] = rho
	m.pairMu.Unlock()
	return rho, true
}

func normalizedPairKey(a, b string, t time.Time) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{a: a, b: b, t: t}
}

func logReturns(c []model.Candle, maxLen int) []float64 {
	if len(c) > maxLen+1 {
		c = c[len(c)-maxLen-1:]
	}
	if len(c) < 2 {
		return nil
	}
	out := make([]float64, len(c)-1)
	for i := 1; i < len(c); i++ {
		out[i-1] = math.Log(c[i].Close / c[i-1].Close)
	}
	return out
}

func pearson(a, b []float64) float64 {
	n := float64(len(a))
	var meanA, meanB float64
	for i := range a {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= n
	meanB /= n

	var cov, varA, varB float64
	for i := range a {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}
