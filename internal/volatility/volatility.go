// Package volatility scores how hostile the current tape is and
// vetoes signal emission in markets too unstable to trade.
package volatility

import (
	"fmt"
	"math"

	"otc-signal-bot/internal/indicators"
	"otc-signal-bot/internal/market"
)

// Tier thresholds for the ATR-to-price ratio.
const (
	atrModerate = 0.001
	atrHigh     = 0.002
	atrExtreme  = 0.004
)

// VolatileScore is the cutoff above which a market counts as volatile.
const VolatileScore = 0.4

// Analysis is the full volatility read for one symbol.
type Analysis struct {
	Symbol          string  `json:"symbol"`
	VolatilityScore float64 `json:"volatility_score"` // 0..1
	IsVolatile      bool    `json:"is_volatile"`
	IsStable        bool    `json:"is_stable"`
	Severity        string  `json:"severity"` // calm, moderate, high, extreme

	WickRatio      float64 `json:"wick_ratio"`
	ATRRatio       float64 `json:"atr_ratio"`
	RangeRatio     float64 `json:"range_ratio"`
	LargeWickCount int     `json:"large_wick_count"`
	SpikeCount     int     `json:"spike_count"`
	PriceStability float64 `json:"price_stability"` // 0..1, higher is calmer
}

// Analyze scores the last 15 candles. Shorter input produces a calm
// zero-score analysis; callers gate on history elsewhere.
func Analyze(symbol string, candles []market.Candle) Analysis {
	a := Analysis{Symbol: symbol, IsStable: true, Severity: "calm", PriceStability: 1}
	if len(candles) < 15 {
		return a
	}
	window := candles[len(candles)-15:]
	price := window[len(window)-1].Close

	a.WickRatio = wickRatio(window)
	if atr, ok := indicators.ATR(candles, 14); ok && price != 0 {
		a.ATRRatio = atr / price
	}
	a.RangeRatio = rangeRatio(window)
	a.LargeWickCount = largeWicks(window)
	a.SpikeCount = priceSpikes(window)
	a.PriceStability = stability(window)

	a.VolatilityScore = score(a)
	a.IsVolatile = a.VolatilityScore >= VolatileScore
	a.IsStable = !a.IsVolatile && a.PriceStability >= 0.4
	a.Severity = severity(a.VolatilityScore)
	return a
}

func wickRatio(window []market.Candle) float64 {
	var wicks, bodies float64
	for _, c := range window {
		wicks += c.UpperWick() + c.LowerWick()
		bodies += c.Body()
	}
	if wicks+bodies == 0 {
		return 0
	}
	return wicks / (wicks + bodies)
}

func rangeRatio(window []market.Candle) float64 {
	var sum float64
	n := 0
	for _, c := range window {
		if c.Low > 0 {
			sum += (c.High - c.Low) / c.Low
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// largeWicks counts, over the last 10 candles, wicks above 1.5x the
// body or ranges above 2.5x the window's average range.
func largeWicks(window []market.Candle) int {
	var avgRange float64
	for _, c := range window {
		avgRange += c.Range()
	}
	avgRange /= float64(len(window))

	last10 := window
	if len(last10) > 10 {
		last10 = last10[len(last10)-10:]
	}
	count := 0
	for _, c := range last10 {
		wick := math.Max(c.UpperWick(), c.LowerWick())
		if (c.Body() > 0 && wick > 1.5*c.Body()) || (avgRange > 0 && c.Range() > 2.5*avgRange) {
			count++
		}
	}
	return count
}

// priceSpikes counts how many of the last 5 ranges exceed 3x the mean
// range of the 10 candles before them.
func priceSpikes(window []market.Candle) int {
	if len(window) < 15 {
		return 0
	}
	prior := window[len(window)-15 : len(window)-5]
	var mean float64
	for _, c := range prior {
		mean += c.Range()
	}
	mean /= float64(len(prior))
	if mean == 0 {
		return 0
	}

	count := 0
	for _, c := range window[len(window)-5:] {
		if c.Range() > 3*mean {
			count++
		}
	}
	return count
}

// stability scores direction consistency: few direction changes and a
// decent longest same-direction run read as stable.
func stability(window []market.Candle) float64 {
	changes := 0
	longestRun, run := 1, 1
	for i := 1; i < len(window); i++ {
		same := window[i].IsBullish() == window[i-1].IsBullish()
		if same {
			run++
			if run > longestRun {
				longestRun = run
			}
		} else {
			changes++
			run = 1
		}
	}
	changeFreq := float64(changes) / float64(len(window)-1)
	runScore := math.Min(1, float64(longestRun)/5)
	s := (1-changeFreq)*0.7 + runScore*0.3
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

func score(a Analysis) float64 {
	var s float64

	switch {
	case a.ATRRatio >= atrExtreme:
		s += 0.50
	case a.ATRRatio >= atrHigh:
		s += 0.35
	case a.ATRRatio >= atrModerate:
		s += 0.15
	}

	switch {
	case a.WickRatio > 0.70:
		s += 0.40
	case a.WickRatio > 0.55:
		s += 0.25
	case a.WickRatio > 0.40:
		s += 0.10
	}

	switch {
	case a.RangeRatio > 0.003:
		s += 0.35
	case a.RangeRatio > 0.0015:
		s += 0.20
	}

	s += math.Min(0.15, 0.04*float64(a.SpikeCount))
	s += math.Min(0.12, 0.03*float64(a.LargeWickCount))
	if a.PriceStability < 0.4 {
		s += 0.15
	}

	if s > 1 {
		s = 1
	}
	return s
}

func severity(score float64) string {
	switch {
	case score >= 0.7:
		return "extreme"
	case score >= VolatileScore:
		return "high"
	case score >= 0.2:
		return "moderate"
	default:
		return "calm"
	}
}

// ShouldNoTrade is the stricter emission veto. It returns a
// human-readable reason when the market must not be traded.
func ShouldNoTrade(symbol string, candles []market.Candle) (bool, string) {
	a := Analyze(symbol, candles)

	switch {
	case a.ATRRatio >= atrExtreme:
		return true, fmt.Sprintf("Extreme volatility: ATR ratio %.4f", a.ATRRatio)
	case a.ATRRatio >= atrHigh && a.SpikeCount >= 3:
		return true, fmt.Sprintf("Extreme volatility: %d price spikes with elevated ATR", a.SpikeCount)
	case a.WickRatio > 0.70 && a.LargeWickCount >= 4:
		return true, fmt.Sprintf("Extreme volatility: wick ratio %.2f with %d large wicks", a.WickRatio, a.LargeWickCount)
	case a.SpikeCount >= 4 && a.PriceStability < 0.25:
		return true, fmt.Sprintf("price spikes: %d spikes on unstable tape", a.SpikeCount)
	case a.PriceStability < 0.2 && a.LargeWickCount >= 5 && a.ATRRatio >= atrHigh:
		return true, "Extreme volatility: unstable tape with oversized wicks"
	}
	return false, ""
}
