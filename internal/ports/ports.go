// Package ports defines the boundary contracts between the signal-engine
// core and its external collaborators (exchange connectivity, user
// notification, persistence, and the admin control surface). None of
// these are implemented here; concrete adapters live in internal/exchange,
// internal/notification, internal/database, and internal/api.
package ports

import (
	"context"
	"errors"
	"time"

	"futures-signal-core/internal/model"
)

// Sentinel errors returned across port boundaries (§7 error taxonomy).
var (
	ErrSymbolUnknown   = errors.New("ports: symbol unknown")
	ErrNetwork         = errors.New("ports: network error")
	ErrDeliveryFailed  = errors.New("ports: delivery failed")
	ErrNotFound        = errors.New("ports: not found")
)

// ErrRateLimited is returned by ExchangePort when the exchange signals
// flood control; RetryAfter is authoritative and must be honoured by the
// caller rather than a fixed backoff.
type ErrRateLimited struct {
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string { return "ports: rate limited" }

// ErrFlood is returned by NotificationPort under the same honour-the-
// server contract as ErrRateLimited.
type ErrFlood struct {
	RetryAfter time.Duration
}

func (e *ErrFlood) Error() string { return "ports: notification flood control" }

// PriceQuote is a lightweight last-price/24h-volume view used by the
// universe/ticker refresh step.
type PriceQuote struct {
	Symbol    string
	Price     float64
	Volume24h float64
}

// ExchangePort is the only way the core touches market data. Real REST/WS
// wiring is out of scope; callers get candles, not sockets.
type ExchangePort interface {
	FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error)
	FetchTickers(ctx context.Context) (map[string]PriceQuote, error)
	ListSymbols(ctx context.Context) ([]string, error)
}

// RenderedSignal is the core's opaque payload handed to the notification
// adapter; the adapter decides how to render it for its channel.
type RenderedSignal struct {
	SignalID   string
	Symbol     string
	Side       model.Side
	Entry      float64
	SL         float64
	TP1        float64
	TP2        float64
	SizeUSDT   float64
	Confidence float64
}

// LifecyclePatch describes a follow-up update to an already-delivered
// signal message (TP1 hit, trailing update, closed).
type LifecyclePatch struct {
	Kind      string // "TP1_PARTIAL" | "TRAILING" | "CLOSED_TP" | "CLOSED_SL" | "CLOSED_MANUAL"
	NewSL     float64
	ClosedPct float64
	At        time.Time
}

// NotificationPort delivers rendered signals and lifecycle updates to a
// user-facing channel (Telegram, Discord, email — adapter's choice).
type NotificationPort interface {
	Emit(ctx context.Context, userID string, signal RenderedSignal) (messageRef string, err error)
	Update(ctx context.Context, messageRef string, patch LifecyclePatch) error
}

// PersistencePort is the core's only view of durable storage.
type PersistencePort interface {
	SaveSignal(ctx context.Context, s model.EmittedSignal) error
	LoadOpenPositions(ctx context.Context, userID string) ([]model.Position, error)
	SavePosition(ctx context.Context, p model.Position) error
	SaveTradeResult(ctx context.Context, r model.TradeResult) error
	PublishParameterSnapshot(ctx context.Context, snap *model.ParameterSnapshot) error
	LoadParameterSnapshot(ctx context.Context) (*model.ParameterSnapshot, error)
	RecordCorrelationEvent(ctx context.Context, userID, symbol string, side model.Side, decision, reason string, at time.Time) error
}

// FilterTrace is the ordered per-stage diagnostic record for one symbol
// in one tick (§4.6).
type FilterTrace struct {
	TickID   string
	Symbol   string
	Stages   []StageResult
	FinalVerdict string // "PASS" or the reason code of the blocking stage
}

// StageResult is one gate's verdict within a FilterTrace.
type StageResult struct {
	Stage      string
	Passed     bool
	ReasonCode string
	Metrics    map[string]float64
}

// RiskStatus summarizes a user's current correlation/position exposure
// for the admin surface.
type RiskStatus struct {
	UserID        string
	OpenPositions []model.OpenPositionRef
	Paused        bool
}

// ControlPort is the admin surface exposed by the core (served over HTTP
// by internal/api in this repo).
type ControlPort interface {
	PauseUser(ctx context.Context, userID string) error
	ResumeUser(ctx context.Context, userID string) error
	ForceCloseAll(ctx context.Context, userID string) error
	GetFilterTrace(ctx context.Context, tickID string) (*FilterTrace, error)
	GetRiskStatus(ctx context.Context, userID string) (*RiskStatus, error)
}
