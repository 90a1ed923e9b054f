package features

import (
	"math"
	"testing"

	"otc-signal-bot/internal/indicators"
	"otc-signal-bot/internal/market"
	"otc-signal-bot/internal/patterns"
)

func risingCandles(n int) []market.Candle {
	out := make([]market.Candle, n)
	p := 1.1000
	for i := range out {
		o := p
		p += 0.0010
		out[i] = market.Candle{
			Open: o, High: p + 0.0002, Low: o - 0.0002, Close: p,
			TickCount: 10 + i%5,
		}
	}
	return out
}

func TestExtractShortHistory(t *testing.T) {
	candles := risingCandles(10)
	_, vec := Extract(candles, indicators.Values{}, patterns.PsychologyAnalysis{}, RegimeInput{})
	if len(vec) != VectorSize {
		t.Fatalf("vector length = %d, want %d", len(vec), VectorSize)
	}
	for i, v := range vec {
		if v != 0 {
			t.Errorf("short history vec[%d] = %f, want 0", i, v)
		}
	}
}

func TestExtractBounded(t *testing.T) {
	candles := risingCandles(60)
	vals := indicators.Compute(candles)
	psych := patterns.AnalyzePsychology(candles)
	_, vec := Extract(candles, vals, psych, RegimeInput{IsTrending: true, Strength: 0.8})

	if len(vec) != VectorSize {
		t.Fatalf("vector length = %d, want %d", len(vec), VectorSize)
	}
	for i, v := range vec {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("vec[%d] is not finite: %f", i, v)
		}
		if v < -1.0000001 || v > 1.0000001 {
			t.Errorf("vec[%d] = %f outside [-1, 1]", i, v)
		}
	}
}

func TestExtractReadsTrend(t *testing.T) {
	candles := risingCandles(60)
	vals := indicators.Compute(candles)
	psych := patterns.AnalyzePsychology(candles)
	r, vec := Extract(candles, vals, psych, RegimeInput{IsTrending: true, Strength: 0.8})

	if r.TrendDirection != 1 {
		t.Errorf("trend direction = %f, want 1 on rising tape", r.TrendDirection)
	}
	if r.TrendStrength <= 0.5 {
		t.Errorf("trend strength = %f, want high on monotone rise", r.TrendStrength)
	}
	if r.BuyPressure <= r.SellPressure {
		t.Errorf("buy pressure %f should beat sell pressure %f", r.BuyPressure, r.SellPressure)
	}
	if vec[22] != 1 {
		t.Errorf("isTrending = %f, want 1", vec[22])
	}
	if vec[10] != 1 {
		t.Errorf("trend sign feature = %f, want 1", vec[10])
	}
	if r.Momentum <= 0 {
		t.Errorf("momentum = %f, want positive", r.Momentum)
	}
}

func TestExtractDeterministic(t *testing.T) {
	candles := risingCandles(60)
	vals := indicators.Compute(candles)
	psych := patterns.AnalyzePsychology(candles)
	regime := RegimeInput{IsTrending: true, Strength: 0.8}

	_, a := Extract(candles, vals, psych, regime)
	_, b := Extract(candles, vals, psych, regime)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("vec[%d] differs between identical runs", i)
		}
	}
}

func TestVolumeRatioSaturates(t *testing.T) {
	r := Record{VolumeRatio: 12}
	vec := r.Vector(1.1)
	if vec[14] != 1 {
		t.Errorf("volume feature = %f, want saturated at 1", vec[14])
	}
}
