// Package exchange implements ports.ExchangePort against Binance USDT-M
// futures market data endpoints. It is read-only: candles, tickers, and
// the tradeable symbol list. It never signs or places an order, per the
// engine's non-goal of brokering trades itself.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"futures-signal-core/internal/model"
	"futures-signal-core/internal/ports"
)

const defaultBaseURL = "https://fapi.binance.com"

// Client is a thin, unsigned futures market-data client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New builds a Client. weightPerSec approximates Binance's futures
// request-weight budget; requests block on the limiter rather than
// risking a ban.
func New(baseURL string, weightPerSec int) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if weightPerSec <= 0 {
		weightPerSec = 20
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(weightPerSec), weightPerSec),
	}
}

func (c *Client) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	var raw [][]interface{}
	if err := c.get(ctx, "/fapi/v1/klines", params, &raw); err != nil {
		return nil, err
	}

	out := make([]model.Candle, 0, len(raw))
	for _, r := range raw {
		if len(r) < 6 {
			continue
		}
		openMs, ok := r[0].(float64)
		if !ok {
			continue
		}
		out = append(out, model.Candle{
			Symbol:   symbol,
			Interval: interval,
			T:        time.UnixMilli(int64(openMs)),
			Open:     parseFloat(r[1]),
			High:     parseFloat(r[2]),
			Low:      parseFloat(r[3]),
			Close:    parseFloat(r[4]),
			Volume:   parseFloat(r[5]),
		})
	}
	return out, nil
}

func (c *Client) FetchTickers(ctx context.Context) (map[string]ports.PriceQuote, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var raw []struct {
		Symbol      string `json:"symbol"`
		LastPrice   string `json:"lastPrice"`
		QuoteVolume string `json:"quoteVolume"`
	}
	if err := c.get(ctx, "/fapi/v1/ticker/24hr", nil, &raw); err != nil {
		return nil, err
	}

	out := make(map[string]ports.PriceQuote, len(raw))
	for _, t := range raw {
		price, _ := strconv.ParseFloat(t.LastPrice, 64)
		quoteVol, _ := strconv.ParseFloat(t.QuoteVolume, 64)
		out[t.Symbol] = ports.PriceQuote{Symbol: t.Symbol, Price: price, Volume24h: quoteVol}
	}
	return out, nil
}

func (c *Client) ListSymbols(ctx context.Context) ([]string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var info struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			Status     string `json:"status"`
			ContractType string `json:"contractType"`
			QuoteAsset string `json:"quoteAsset"`
		} `json:"symbols"`
	}
	if err := c.get(ctx, "/fapi/v1/exchangeInfo", nil, &info); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" || s.QuoteAsset != "USDT" || s.ContractType != "PERPETUAL" {
			continue
		}
		out = append(out, s.Symbol)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	endpoint := c.baseURL + path
	if params != nil {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ports.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ports.ErrNetwork, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 {
		return &ports.ErrRateLimited{RetryAfter: time.Second}
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ports.ErrSymbolUnknown, path)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("exchange: %s returned %d: %s", path, resp.StatusCode, string(body))
	}

	return json.Unmarshal(body, out)
}

func parseFloat(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case float64:
		return t
	default:
		return 0
	}
}
