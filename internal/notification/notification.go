// Package notification implements ports.NotificationPort over Telegram and
// Discord: it renders an emitted signal into a channel message and, for
// Telegram, keeps the message's ID so a later lifecycle patch can edit it
// in place. Dispatch is rate-limited globally and per user, and a failed
// send is retried for a bounded budget before being dropped.
//
// Admission into a dispatch is gated by a bounded FIFO queue sized by
// config.NotificationConfig.DispatchQueueSize: when it is full, Emit
// drops the newest signal immediately with ErrDispatchOverflow instead of
// blocking the caller or the scheduler tick behind it. A dispatch that
// clears admission but then exhausts its retry budget, on either Emit or
// Update, is appended to a bounded in-memory dead-letter log for operator
// inspection rather than silently discarded.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"futures-signal-core/internal/config"
	"futures-signal-core/internal/ports"
)

// ErrDispatchOverflow is returned by Emit when the bounded dispatch queue
// is already full. The reason code DispatchOverflow is what RecordTrace/
// operator tooling should surface for a dropped signal.
var ErrDispatchOverflow = fmt.Errorf("notification: dispatch queue full (DispatchOverflow)")

// maxDeadLetters bounds the in-memory dead-letter log; once full, the
// oldest entry is evicted to make room for the newest.
const maxDeadLetters = 1000

// DeadLetter is one dispatch that either never got an admission slot
// (Kind "overflow") or cleared admission but exhausted its retry budget
// on every channel (Kind "emit" or "update").
type DeadLetter struct {
	Kind     string // "overflow" | "emit" | "update"
	UserID   string
	SignalID string
	Reason   string
	Err      string
	At       time.Time
}

// channel implementations send a rendered signal and, if they support
// editable messages, return an identifier Update can use later.
type channel interface {
	name() string
	send(ctx context.Context, text string) (editRef string, err error)
	edit(ctx context.Context, editRef string, text string) error
}

// Dispatcher is the ports.NotificationPort implementation. It fans a
// signal out to every enabled channel and records one messageRef per
// channel so Update can replay the patch to all of them.
type Dispatcher struct {
	channels []channel

	globalLimiter *rate.Limiter
	perUserMu     sync.Mutex
	perUser       map[string]*rate.Limiter
	perUserRate   rate.Limit

	retryBudget time.Duration

	refsMu sync.Mutex
	refs   map[string][]channelRef // messageRef -> per-channel edit refs

	queue         chan struct{} // admission slots; len(queue) is the current in-flight count
	overflowCount int64         // atomic

	deadLettersMu sync.Mutex
	deadLetters   []DeadLetter
}

type channelRef struct {
	channel string
	ref     string
}

func New(cfg config.NotificationConfig) *Dispatcher {
	d := &Dispatcher{
		globalLimiter: rate.NewLimiter(rate.Limit(cfg.GlobalRatePerSec), cfg.GlobalRatePerSec),
		perUser:       make(map[string]*rate.Limiter),
		perUserRate:   rate.Every(time.Minute / time.Duration(maxInt(cfg.PerUserRatePerMin, 1))),
		retryBudget:   cfg.RetryBudget,
		refs:          make(map[string][]channelRef),
		queue:         make(chan struct{}, maxInt(cfg.DispatchQueueSize, 1)),
	}
	if cfg.Telegram.Enabled {
		d.channels = append(d.channels, &telegramChannel{botToken: cfg.Telegram.BotToken, chatID: cfg.Telegram.ChatID, client: &http.Client{Timeout: 10 * time.Second}})
	}
	if cfg.Discord.Enabled {
		d.channels = append(d.channels, &discordChannel{webhookURL: cfg.Discord.WebhookURL, client: &http.Client{Timeout: 10 * time.Second}})
	}
	return d
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (d *Dispatcher) limiterFor(userID string) *rate.Limiter {
	d.perUserMu.Lock()
	defer d.perUserMu.Unlock()
	l, ok := d.perUser[userID]
	if !ok {
		l = rate.NewLimiter(d.perUserRate, 1)
		d.perUser[userID] = l
	}
	return l
}

// Emit renders the signal and sends it to every enabled channel, retrying
// each send for up to retryBudget before giving up on that channel. Entry
// is gated by the bounded dispatch queue: if every admission slot is
// already in use, the newest signal is dropped on the spot and
// ErrDispatchOverflow is returned — Emit never blocks the caller waiting
// for queue room.
func (d *Dispatcher) Emit(ctx context.Context, userID string, signal ports.RenderedSignal) (string, error) {
	select {
	case d.queue <- struct{}{}:
	default:
		atomic.AddInt64(&d.overflowCount, 1)
		d.recordDeadLetter(DeadLetter{
			Kind: "overflow", UserID: userID, SignalID: signal.SignalID,
			Reason: "DispatchOverflow", At: time.Now(),
		})
		return "", ErrDispatchOverflow
	}
	defer func() { <-d.queue }()

	if err := d.globalLimiter.Wait(ctx); err != nil {
		return "", err
	}
	if err := d.limiterFor(userID).Wait(ctx); err != nil {
		return "", err
	}

	text := renderSignal(signal)
	messageRef := userID + "|" + signal.SignalID

	var refs []channelRef
	var lastErr error
	for _, ch := range d.channels {
		editRef, err := d.sendWithRetry(ctx, func(ctx context.Context) (string, error) {
			return ch.send(ctx, text)
		})
		if err != nil {
			lastErr = err
			continue
		}
		refs = append(refs, channelRef{channel: ch.name(), ref: editRef})
	}
	if len(refs) == 0 && lastErr != nil {
		d.recordDeadLetter(DeadLetter{
			Kind: "emit", UserID: userID, SignalID: signal.SignalID,
			Reason: "retry_budget_exhausted", Err: lastErr.Error(), At: time.Now(),
		})
		return "", fmt.Errorf("notification: all channels failed: %w", lastErr)
	}

	d.refsMu.Lock()
	d.refs[messageRef] = refs
	d.refsMu.Unlock()

	return messageRef, nil
}

// OverflowCount reports how many signals have been dropped for
// DispatchOverflow since the Dispatcher was built.
func (d *Dispatcher) OverflowCount() int64 { return atomic.LoadInt64(&d.overflowCount) }

// DeadLetters returns a snapshot of the dispatcher's dead-letter log, for
// operator surfaces (e.g. a ControlPort diagnostic endpoint). The
// returned slice is a copy; mutating it has no effect on the Dispatcher.
func (d *Dispatcher) DeadLetters() []DeadLetter {
	d.deadLettersMu.Lock()
	defer d.deadLettersMu.Unlock()
	out := make([]DeadLetter, len(d.deadLetters))
	copy(out, d.deadLetters)
	return out
}

func (d *Dispatcher) recordDeadLetter(dl DeadLetter) {
	d.deadLettersMu.Lock()
	defer d.deadLettersMu.Unlock()
	d.deadLetters = append(d.deadLetters, dl)
	if len(d.deadLetters) > maxDeadLetters {
		d.deadLetters = d.deadLetters[len(d.deadLetters)-maxDeadLetters:]
	}
}

// Update edits the previously sent message on every channel that
// supports editing (Telegram); channels without edit support (Discord
// webhooks) silently skip the patch. Each edit honours the same retry
// budget as Emit; a channel that exhausts it without success is recorded
// to the dead-letter log rather than silently dropped.
func (d *Dispatcher) Update(ctx context.Context, messageRef string, patch ports.LifecyclePatch) error {
	d.refsMu.Lock()
	refs := d.refs[messageRef]
	d.refsMu.Unlock()
	if len(refs) == 0 {
		return fmt.Errorf("%w: %s", ports.ErrNotFound, messageRef)
	}

	text := renderPatch(patch)
	var lastErr error
	for _, r := range refs {
		ch := d.channelByName(r.channel)
		if ch == nil {
			continue
		}
		if _, err := d.sendWithRetry(ctx, func(ctx context.Context) (string, error) {
			return "", ch.edit(ctx, r.ref, text)
		}); err != nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		userID, signalID := splitMessageRef(messageRef)
		d.recordDeadLetter(DeadLetter{
			Kind: "update", UserID: userID, SignalID: signalID,
			Reason: "retry_budget_exhausted:" + patch.Kind, Err: lastErr.Error(), At: time.Now(),
		})
	}
	return lastErr
}

func splitMessageRef(messageRef string) (userID, signalID string) {
	i := strings.LastIndexByte(messageRef, '|')
	if i < 0 {
		return messageRef, ""
	}
	return messageRef[:i], messageRef[i+1:]
}

func (d *Dispatcher) channelByName(name string) channel {
	for _, ch := range d.channels {
		if ch.name() == name {
			return ch
		}
	}
	return nil
}

// sendWithRetry retries do (a channel's send or edit call) with
// exponential backoff until it succeeds or the dispatcher's retry budget
// elapses, whichever comes first.
func (d *Dispatcher) sendWithRetry(ctx context.Context, do func(context.Context) (string, error)) (string, error) {
	deadline := time.Now().Add(d.retryBudget)
	backoff := 500 * time.Millisecond
	var lastErr error
	for {
		ref, err := do(ctx)
		if err == nil {
			return ref, nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			return "", lastErr
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func renderSignal(s ports.RenderedSignal) string {
	return fmt.Sprintf("%s %s @ %.6f\nSL %.6f | TP1 %.6f | TP2 %.6f\nSize %.2f USDT | Confidence %.2f",
		s.Side, s.Symbol, s.Entry, s.SL, s.TP1, s.TP2, s.SizeUSDT, s.Confidence)
}

func renderPatch(p ports.LifecyclePatch) string {
	switch p.Kind {
	case "TP1_PARTIAL":
		return fmt.Sprintf("TP1 hit, closed %.0f%% of position", p.ClosedPct)
	case "TRAILING":
		return fmt.Sprintf("Trailing stop moved to %.6f", p.NewSL)
	case "CLOSED_SL":
		return "Position closed: stop loss"
	case "CLOSED_TP":
		return "Position closed: take profit"
	case "CLOSED_MANUAL":
		return "Position closed: manual"
	default:
		return p.Kind
	}
}

// telegramChannel sends via the Bot API and edits via editMessageText,
// which is the only provider here that supports in-place patches.
type telegramChannel struct {
	botToken string
	chatID   string
	client   *http.Client
}

func (t *telegramChannel) name() string { return "telegram" }

func (t *telegramChannel) send(ctx context.Context, text string) (string, error) {
	payload := map[string]interface{}{"chat_id": t.chatID, "text": text}
	var out struct {
		OK     bool `json:"ok"`
		Result struct {
			MessageID int64 `json:"message_id"`
		} `json:"result"`
	}
	if err := t.call(ctx, "sendMessage", payload, &out); err != nil {
		return "", err
	}
	if !out.OK {
		return "", fmt.Errorf("telegram: sendMessage not ok")
	}
	return strconv.FormatInt(out.Result.MessageID, 10), nil
}

func (t *telegramChannel) edit(ctx context.Context, editRef, text string) error {
	messageID, err := strconv.ParseInt(editRef, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad message id %q: %w", editRef, err)
	}
	payload := map[string]interface{}{"chat_id": t.chatID, "message_id": messageID, "text": text}
	var out struct {
		OK bool `json:"ok"`
	}
	if err := t.call(ctx, "editMessageText", payload, &out); err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("telegram: editMessageText not ok")
	}
	return nil
}

func (t *telegramChannel) call(ctx context.Context, method string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("https://api.telegram.org/bot%s/%s", t.botToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ports.ErrNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return &ports.ErrFlood{RetryAfter: time.Second}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: telegram status %d", ports.ErrDeliveryFailed, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// discordChannel posts to a webhook; webhooks have no reliable edit
// endpoint without also tracking the webhook's message ID response, so
// edit is a best-effort no-op.
type discordChannel struct {
	webhookURL string
	client     *http.Client
}

func (d *discordChannel) name() string { return "discord" }

func (d *discordChannel) send(ctx context.Context, text string) (string, error) {
	payload := map[string]interface{}{"content": text}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ports.ErrNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &ports.ErrFlood{RetryAfter: time.Second}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return "", fmt.Errorf("%w: discord status %d", ports.ErrDeliveryFailed, resp.StatusCode)
	}
	return "", nil
}

func (d *discordChannel) edit(ctx context.Context, editRef, text string) error {
	return nil
}
