// Package admin implements ports.ControlPort: the operator-facing pause/
// resume/force-close/diagnostic surface internal/api exposes over HTTP.
// It owns no trading logic of its own; every operation delegates to the
// collaborator that already owns the relevant state (the Correlation
// Risk Manager for open positions, the Lifecycle Manager for manual
// closes, the Filter Pipeline's per-tick trace for diagnostics).
package admin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"futures-signal-core/internal/correlation"
	"futures-signal-core/internal/lifecycle"
	"futures-signal-core/internal/ports"
)

// Controller implements ports.ControlPort.
type Controller struct {
	correl     *correlation.Manager
	lifecycleM *lifecycle.Manager
	persist    ports.PersistencePort

	pausedMu sync.RWMutex
	paused   map[string]bool

	tracesMu sync.Mutex
	traces   map[string]*ports.FilterTrace
}

// New builds a Controller. The in-memory trace table is cleared wholesale
// once it holds more than 10,000 entries; entries are not evicted
// individually.
func New(correl *correlation.Manager, lifecycleM *lifecycle.Manager, persist ports.PersistencePort) *Controller {
	return &Controller{
		correl: correl, lifecycleM: lifecycleM, persist: persist,
		paused: make(map[string]bool),
		traces: make(map[string]*ports.FilterTrace),
	}
}

// IsPaused reports whether the scheduler should skip emitting new
// signals for userID. The scheduler consults this before Emit.
func (c *Controller) IsPaused(userID string) bool {
	c.pausedMu.RLock()
	defer c.pausedMu.RUnlock()
	return c.paused[userID]
}

func (c *Controller) PauseUser(ctx context.Context, userID string) error {
	c.pausedMu.Lock()
	defer c.pausedMu.Unlock()
	c.paused[userID] = true
	return nil
}

func (c *Controller) ResumeUser(ctx context.Context, userID string) error {
	c.pausedMu.Lock()
	defer c.pausedMu.Unlock()
	delete(c.paused, userID)
	return nil
}

// ForceCloseAll marks every open position for userID closed-manual
// through the Lifecycle Manager. It never touches an exchange; the
// manager's dispatch already handles notification and persistence.
func (c *Controller) ForceCloseAll(ctx context.Context, userID string) error {
	positions, err := c.persist.LoadOpenPositions(ctx, userID)
	if err != nil {
		return fmt.Errorf("admin: load open positions: %w", err)
	}
	now := time.Now()
	var firstErr error
	for _, pos := range positions {
		if _, err := c.lifecycleM.CloseManual(ctx, pos, now); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RecordTrace stores the most recent FilterTrace under its (tickID,
// symbol) composite key so GetFilterTrace can retrieve it later.
func (c *Controller) RecordTrace(trace ports.FilterTrace) {
	key := traceKey(trace.TickID, trace.Symbol)
	c.tracesMu.Lock()
	defer c.tracesMu.Unlock()
	if len(c.traces) > 10_000 {
		c.traces = make(map[string]*ports.FilterTrace)
	}
	t := trace
	c.traces[key] = &t
}

func traceKey(tickID, symbol string) string { return tickID + "|" + symbol }

// GetFilterTrace accepts either a bare tickID (returns an arbitrary
// symbol's trace from that tick, useful when a tick only evaluated one
// symbol of interest) or the "tickID|symbol" composite key RecordTrace
// stores under.
func (c *Controller) GetFilterTrace(ctx context.Context, tickID string) (*ports.FilterTrace, error) {
	c.tracesMu.Lock()
	defer c.tracesMu.Unlock()

	if t, ok := c.traces[tickID]; ok {
		return t, nil
	}
	for key, t := range c.traces {
		if len(key) > len(tickID) && key[:len(tickID)] == tickID && key[len(tickID)] == '|' {
			return t, nil
		}
	}
	return nil, ports.ErrNotFound
}

func (c *Controller) GetRiskStatus(ctx context.Context, userID string) (*ports.RiskStatus, error) {
	open, _ := c.correl.Snapshot(userID)
	return &ports.RiskStatus{
		UserID:        userID,
		OpenPositions: open,
		Paused:        c.IsPaused(userID),
	}, nil
}

var _ ports.ControlPort = (*Controller)(nil)
