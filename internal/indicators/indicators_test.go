package indicators

import (
	"math"
	"testing"

	"otc-signal-bot/internal/market"
)

func approx(t *testing.T, name string, got, want, eps float64) {
	t.Helper()
	if math.Abs(got-want) > eps {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}

// flatCandles builds n identical candles with a one-point range.
func flatCandles(n int) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		out[i] = market.Candle{
			Open: 10, High: 11, Low: 10, Close: 10.5,
			StartEpoch: int64(i) * 60, Timeframe: 60, TickCount: 5,
		}
	}
	return out
}

// risingCandles builds n candles each closing at its high, one point
// above the previous close.
func risingCandles(n int) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		base := 100.0 + float64(i)
		out[i] = market.Candle{
			Open: base, High: base + 1, Low: base - 0.5, Close: base + 1,
			StartEpoch: int64(i) * 60, Timeframe: 60, TickCount: 5,
		}
	}
	return out
}

func TestSMA(t *testing.T) {
	got, ok := SMA([]float64{1, 2, 3, 4, 5}, 3)
	if !ok {
		t.Fatal("SMA rejected sufficient history")
	}
	approx(t, "SMA", got, 4, 1e-12)

	if _, ok := SMA([]float64{1, 2}, 3); ok {
		t.Error("SMA accepted short history")
	}
	if _, ok := SMA([]float64{1, 2, 3}, 0); ok {
		t.Error("SMA accepted zero period")
	}
}

func TestEMASeedEqualsSMA(t *testing.T) {
	got, ok := EMA([]float64{2, 4, 6}, 3)
	if !ok {
		t.Fatal("EMA rejected sufficient history")
	}
	approx(t, "EMA seed", got, 4, 1e-12)
}

func TestEMAFollowsNewValues(t *testing.T) {
	// Seed SMA = 4, then 10 arrives: 4 + (10-4)*0.5 = 7.
	got, ok := EMA([]float64{2, 4, 6, 10}, 3)
	if !ok {
		t.Fatal("EMA rejected sufficient history")
	}
	approx(t, "EMA", got, 7, 1e-12)
}

func TestRSIAllGainsSaturates(t *testing.T) {
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	got, ok := RSI(closes, 14)
	if !ok {
		t.Fatal("RSI rejected sufficient history")
	}
	approx(t, "RSI", got, 100, 1e-12)

	if _, ok := RSI(closes[:14], 14); ok {
		t.Error("RSI accepted period closes without a prior reference")
	}
}

func TestMomentumAndROC(t *testing.T) {
	m, ok := Momentum([]float64{1, 2, 3, 4}, 3)
	if !ok || m != 3 {
		t.Errorf("Momentum = %v, %v; want 3, true", m, ok)
	}

	r, ok := ROC([]float64{100, 105, 110}, 2)
	if !ok {
		t.Fatal("ROC rejected sufficient history")
	}
	approx(t, "ROC", r, 10, 1e-12)
}

func TestWilliamsRExtremes(t *testing.T) {
	up := risingCandles(20)
	got, ok := WilliamsR(up, 14)
	if !ok {
		t.Fatal("WilliamsR rejected sufficient history")
	}
	// Last close sits on the window high.
	approx(t, "WilliamsR at high", got, 0, 1e-12)

	down := make([]market.Candle, 20)
	for i := range down {
		base := 200.0 - float64(i)
		down[i] = market.Candle{Open: base, High: base + 0.5, Low: base - 1, Close: base - 1}
	}
	got, ok = WilliamsR(down, 14)
	if !ok {
		t.Fatal("WilliamsR rejected sufficient history")
	}
	approx(t, "WilliamsR at low", got, -100, 1e-12)
}

func TestStochasticAtWindowHigh(t *testing.T) {
	k, d, ok := Stochastic(risingCandles(30), 14, 3)
	if !ok {
		t.Fatal("Stochastic rejected sufficient history")
	}
	approx(t, "%K", k, 100, 1e-9)
	approx(t, "%D", d, 100, 1e-9)
}

func TestATRConstantRange(t *testing.T) {
	got, ok := ATR(flatCandles(30), 14)
	if !ok {
		t.Fatal("ATR rejected sufficient history")
	}
	approx(t, "ATR", got, 1, 1e-12)
}

func TestBollingerConstantSeries(t *testing.T) {
	closes := make([]float64, 25)
	for i := range closes {
		closes[i] = 10
	}
	up, mid, lo, ok := Bollinger(closes, 20, 2.0)
	if !ok {
		t.Fatal("Bollinger rejected sufficient history")
	}
	if up != 10 || mid != 10 || lo != 10 {
		t.Errorf("Bollinger on flat series = %v, %v, %v; want 10, 10, 10", up, mid, lo)
	}
}

func TestDonchian(t *testing.T) {
	up, lo, ok := Donchian(risingCandles(25), 20)
	if !ok {
		t.Fatal("Donchian rejected sufficient history")
	}
	// Window covers indices 5..24: low of candle 5, high of candle 24.
	approx(t, "Donchian upper", up, 125, 1e-12)
	approx(t, "Donchian lower", lo, 104.5, 1e-12)
}

func TestDegenerateInputsYieldAbsent(t *testing.T) {
	if _, ok := ZScore([]float64{5, 5, 5, 5, 5}, 5); ok {
		t.Error("ZScore produced a value on a zero-variance window")
	}
	flat := make([]market.Candle, 25)
	for i := range flat {
		flat[i] = market.Candle{Open: 10, High: 10, Low: 10, Close: 10}
	}
	if _, ok := CCI(flat, 20); ok {
		t.Error("CCI produced a value with zero mean deviation")
	}
	if _, _, ok := Stochastic(flat, 14, 3); ok {
		t.Error("Stochastic produced a value on a rangeless window")
	}
}

func TestRegressionSlopeOnLine(t *testing.T) {
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 3 + 0.5*float64(i)
	}
	got, ok := RegressionSlope(closes, 14)
	if !ok {
		t.Fatal("RegressionSlope rejected sufficient history")
	}
	approx(t, "slope", got, 0.5, 1e-9)
}

func TestRangePercentileBounds(t *testing.T) {
	got, ok := RangePercentile(risingCandles(25), 20)
	if !ok {
		t.Fatal("RangePercentile rejected sufficient history")
	}
	if got < 0 || got > 100 {
		t.Errorf("RangePercentile out of bounds: %v", got)
	}
	// Last close is the window high.
	approx(t, "RangePercentile at high", got, 100, 1e-9)
}

func TestComputeShortHistoryStaysAbsent(t *testing.T) {
	v := Compute(risingCandles(3))
	if v.RSI.Valid || v.MACD.Valid || v.ADX.Valid {
		t.Error("long-window indicators valid on 3 candles")
	}
	if v.EMA[50].Valid {
		t.Error("EMA(50) valid on 3 candles")
	}
}

func TestComputeNeverEmitsNaN(t *testing.T) {
	v := Compute(risingCandles(80))
	checks := map[string]Scalar{
		"RSI": v.RSI, "ATR": v.ATR, "ADX": v.ADX, "CCI": v.CCI,
		"ROC": v.ROC, "ZScore": v.ZScore, "Fisher": v.Fisher,
		"HullMA": v.HullMA, "EMARibbon": v.EMARibbon,
	}
	for name, s := range checks {
		if !s.Valid {
			t.Errorf("%s absent on 80 candles", name)
			continue
		}
		if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
			t.Errorf("%s is not finite: %v", name, s.Value)
		}
	}
	if !v.MACD.Valid || math.IsNaN(v.MACD.Histogram) {
		t.Error("MACD invalid or NaN on 80 candles")
	}
}
