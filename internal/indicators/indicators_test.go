package indicators

import (
	"math"
	"testing"
	"time"

	"futures-signal-core/internal/model"
)

func makeCandles(closes []float64) []model.Candle {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]model.Candle, len(closes))
	for i, c := range closes {
		out[i] = model.Candle{
			T: base.Add(time.Duration(i) * time.Minute),
			Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 1000 + float64(i),
		}
	}
	return out
}

func TestSMAAndEMA(t *testing.T) {
	c := makeCandles([]float64{1, 2, 3, 4, 5})
	sma, err := SMA(c, 5)
	if err != nil {
		t.Fatal(err)
	}
	if sma != 3 {
		t.Errorf("expected SMA 3, got %v", sma)
	}
	if _, err := SMA(c, 6); err != ErrInsufficientData {
		t.Errorf("expected ErrInsufficientData, got %v", err)
	}
	if _, err := EMA(c, 6); err != ErrInsufficientData {
		t.Errorf("expected ErrInsufficientData for EMA, got %v", err)
	}
}

func TestRSIBounds(t *testing.T) {
	up := makeCandles([]float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15})
	rsi, err := RSI(up, 14)
	if err != nil {
		t.Fatal(err)
	}
	if rsi != 100 {
		t.Errorf("expected RSI 100 for monotonic up-series, got %v", rsi)
	}
}

func TestATRNonNegative(t *testing.T) {
	c := makeCandles([]float64{100, 102, 101, 105, 103, 107, 106, 110, 108, 112, 111, 115, 113, 117, 116})
	atr, err := ATR(c, 14)
	if err != nil {
		t.Fatal(err)
	}
	if atr <= 0 {
		t.Errorf("expected positive ATR, got %v", atr)
	}
}

func TestBollingerOrdering(t *testing.T) {
	c := makeCandles([]float64{10, 12, 9, 11, 13, 10, 12, 14, 9, 11, 15, 10, 12, 13, 11, 14, 10, 12, 13, 15})
	bb, err := Bollinger(c, 20, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !(bb.Lower < bb.Middle && bb.Middle < bb.Upper) {
		t.Errorf("expected lower < middle < upper, got %+v", bb)
	}
}

func TestMACDRequiresWarmup(t *testing.T) {
	c := makeCandles(make([]float64, 20))
	if _, err := MACD(c, 12, 26, 9); err != ErrInsufficientData {
		t.Errorf("expected ErrInsufficientData, got %v", err)
	}

	closesSlice := make([]float64, 40)
	for i := range closesSlice {
		closesSlice[i] = 100 + math.Sin(float64(i)/3)*5
	}
	full := makeCandles(closesSlice)
	res, err := MACD(full, 12, 26, 9)
	if err != nil {
		t.Fatal(err)
	}
	if res.Histogram != res.MACD-res.Signal {
		t.Errorf("histogram must equal MACD-Signal, got %+v", res)
	}
}

func TestRealizedVolatilityNonNegative(t *testing.T) {
	c := makeCandles([]float64{100, 101, 99, 102, 98, 103})
	v, err := RealizedVolatility(c)
	if err != nil {
		t.Fatal(err)
	}
	if v < 0 {
		t.Errorf("expected non-negative volatility, got %v", v)
	}
}
