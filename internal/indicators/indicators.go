// Package indicators is the Indicator Kernel (C2): pure, stateless
// functions over a candle slice. Same input always produces the same
// output; every function returns ErrInsufficientData when the slice is
// shorter than the indicator's warm-up requirement.
package indicators

import (
	"errors"
	"math"

	"futures-signal-core/internal/model"
)

// ErrInsufficientData is returned when the candle slice is too short for
// the indicator's warm-up period.
var ErrInsufficientData = errors.New("indicators: insufficient data")

func closes(c []model.Candle) []float64 {
	out := make([]float64, len(c))
	for i, k := range c {
		out[i] = k.Close
	}
	return out
}

// SMA is the simple moving average of the last `period` closes.
func SMA(c []model.Candle, period int) (float64, error) {
	if len(c) < period || period <= 0 {
		return 0, ErrInsufficientData
	}
	sum := 0.0
	for _, k := range c[len(c)-period:] {
		sum += k.Close
	}
	return sum / float64(period), nil
}

// EMA is the exponential moving average over the whole slice, seeded
// with the SMA of the first `period` closes.
func EMA(c []model.Candle, period int) (float64, error) {
	if len(c) < period || period <= 0 {
		return 0, ErrInsufficientData
	}
	seed, err := SMA(c[:period], period)
	if err != nil {
		return 0, err
	}
	return emaSeries(closes(c)[period-1:], seed, period)[len(c)-period], nil
}

// emaSeries returns the EMA value after folding in each of values[1:],
// starting from seed (values[0] is assumed already represented by seed).
// The returned slice has the same length as values, where index i is the
// EMA after consuming values[0..i].
func emaSeries(values []float64, seed float64, period int) []float64 {
	mult := 2.0 / float64(period+1)
	out := make([]float64, len(values))
	ema := seed
	out[0] = seed
	for i := 1; i < len(values); i++ {
		ema = values[i]*mult + ema*(1-mult)
		out[i] = ema
	}
	return out
}

// RSI is the 14-period (or `period`) Relative Strength Index, computed
// from the simple average of gains and losses over the last `period`
// close-to-close changes (not Wilder smoothing).
func RSI(c []model.Candle, period int) (float64, error) {
	if len(c) < period+1 {
		return 0, ErrInsufficientData
	}
	var gains, losses float64
	vals := closes(c)
	for i := len(vals) - period; i < len(vals); i++ {
		change := vals[i] - vals[i-1]
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100, nil
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs)), nil
}

// MACDResult holds the MACD line, its signal line, and the histogram.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD computes the MACD line as fastEMA-slowEMA, and its signal line as
// the EMA(signalPeriod) of the MACD line itself (not an approximation) —
// this requires at least slowPeriod+signalPeriod candles so the MACD
// line has enough history to smooth.
func MACD(c []model.Candle, fastPeriod, slowPeriod, signalPeriod int) (MACDResult, error) {
	need := slowPeriod + signalPeriod
	if len(c) < need {
		return MACDResult{}, ErrInsufficientData
	}
	// Build the MACD line series over the tail window so the signal EMA
	// has `signalPeriod` points to warm up on.
	series := make([]float64, signalPeriod)
	for i := 0; i < signalPeriod; i++ {
		window := c[:len(c)-signalPeriod+i+1]
		fast, err := EMA(window, fastPeriod)
		if err != nil {
			return MACDResult{}, err
		}
		slow, err := EMA(window, slowPeriod)
		if err != nil {
			return MACDResult{}, err
		}
		series[i] = fast - slow
	}
	macdLine := series[len(series)-1]
	signalSeed := series[0]
	signalSeries := emaSeries(series, signalSeed, signalPeriod)
	signalLine := signalSeries[len(signalSeries)-1]
	return MACDResult{
		MACD:      macdLine,
		Signal:    signalLine,
		Histogram: macdLine - signalLine,
	}, nil
}

// ATR is the 14-period (or `period`) Average True Range.
func ATR(c []model.Candle, period int) (float64, error) {
	if len(c) < period+1 {
		return 0, ErrInsufficientData
	}
	trs := make([]float64, 0, period)
	for i := len(c) - period; i < len(c); i++ {
		prevClose := c[i-1].Close
		tr := math.Max(c[i].High-c[i].Low, math.Max(math.Abs(c[i].High-prevClose), math.Abs(c[i].Low-prevClose)))
		trs = append(trs, tr)
	}
	sum := 0.0
	for _, v := range trs {
		sum += v
	}
	return sum / float64(period), nil
}

// BollingerResult holds the upper/middle/lower band values.
type BollingerResult struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger computes Bollinger Bands(period, stdDevMultiplier).
func Bollinger(c []model.Candle, period int, stdDevMultiplier float64) (BollingerResult, error) {
	mid, err := SMA(c, period)
	if err != nil {
		return BollingerResult{}, err
	}
	window := c[len(c)-period:]
	var sumSq float64
	for _, k := range window {
		d := k.Close - mid
		sumSq += d * d
	}
	stdDev := math.Sqrt(sumSq / float64(period))
	return BollingerResult{
		Upper:  mid + stdDevMultiplier*stdDev,
		Middle: mid,
		Lower:  mid - stdDevMultiplier*stdDev,
	}, nil
}

// VolumeStats is the rolling mean/std of candle volume over the slice.
type VolumeStats struct {
	Mean float64
	Std  float64
}

// RollingVolume computes the mean and population std-deviation of
// volume over the last `period` candles.
func RollingVolume(c []model.Candle, period int) (VolumeStats, error) {
	if len(c) < period || period <= 0 {
		return VolumeStats{}, ErrInsufficientData
	}
	window := c[len(c)-period:]
	var sum float64
	for _, k := range window {
		sum += k.Volume
	}
	mean := sum / float64(period)
	var sumSq float64
	for _, k := range window {
		d := k.Volume - mean
		sumSq += d * d
	}
	return VolumeStats{Mean: mean, Std: math.Sqrt(sumSq / float64(period))}, nil
}

// LogReturns returns the slice of log(close[i]/close[i-1]) values, one
// shorter than the input.
func LogReturns(c []model.Candle) []float64 {
	if len(c) < 2 {
		return nil
	}
	out := make([]float64, len(c)-1)
	for i := 1; i < len(c); i++ {
		out[i-1] = math.Log(c[i].Close / c[i-1].Close)
	}
	return out
}

// RealizedVolatility is the standard deviation of log-returns over the
// whole slice (not annualized).
func RealizedVolatility(c []model.Candle) (float64, error) {
	rets := LogReturns(c)
	if len(rets) < 2 {
		return 0, ErrInsufficientData
	}
	var mean float64
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	var sumSq float64
	for _, r := range rets {
		sumSq += (r - mean) * (r - mean)
	}
	return math.Sqrt(sumSq / float64(len(rets))), nil
}

// SwingLevels returns the highest high and lowest low over the
// `lookback` candles preceding the most recent one, the static
// support/resistance band used for proximity checks.
func SwingLevels(c []model.Candle, lookback int) (high, low float64, err error) {
	if len(c) < lookback+1 {
		return 0, 0, ErrInsufficientData
	}
	window := c[len(c)-lookback-1 : len(c)-1]
	high, low = window[0].High, window[0].Low
	for _, k := range window {
		if k.High > high {
			high = k.High
		}
		if k.Low < low {
			low = k.Low
		}
	}
	return high, low, nil
}
