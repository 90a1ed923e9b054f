package patterns

import (
	"otc-signal-bot/internal/market"
)

// AnalyzePsychology reads last-candle anatomy plus order-block and
// fair-value-gap structure from the recent tape, and combines every
// detector's output into one bias.
func AnalyzePsychology(candles []market.Candle) PsychologyAnalysis {
	var out PsychologyAnalysis
	if len(candles) == 0 {
		out.Bias = Neutral
		return out
	}

	last := candles[len(candles)-1]
	if rng := last.Range(); rng > 0 {
		out.BodyRatio = last.Body() / rng
		out.UpperWickRatio = last.UpperWick() / rng
		out.LowerWickRatio = last.LowerWick() / rng
	}
	out.IsDoji = last.Range() > 0 && last.Body() < last.Range()*0.1

	out.Patterns = append(out.Patterns, DetectCandlestick(candles)...)
	out.Patterns = append(out.Patterns, DetectChart(candles)...)
	out.Patterns = append(out.Patterns, DetectHarmonic(candles)...)

	out.OrderBlockProbability = orderBlockProbability(candles)
	out.FVGDetected = fairValueGap(candles)
	out.Bias = combinedBias(out.Patterns)
	return out
}

// orderBlockProbability estimates how likely the last candle is an
// institutional order block: a last body at least 1.5x the recent mean
// after a one-sided run of the prior five candles.
func orderBlockProbability(candles []market.Candle) float64 {
	if len(candles) < 6 {
		return 0
	}
	recent := candles[len(candles)-6 : len(candles)-1]
	last := candles[len(candles)-1]

	var meanBody float64
	var bull, bear int
	for _, c := range recent {
		meanBody += c.Body()
		if c.IsBullish() {
			bull++
		} else if c.IsBearish() {
			bear++
		}
	}
	meanBody /= float64(len(recent))
	if meanBody == 0 || last.Body() < meanBody*1.5 {
		return 0
	}

	oneSided := float64(bull) / float64(len(recent))
	if bear > bull {
		oneSided = float64(bear) / float64(len(recent))
	}
	p := oneSided * (last.Body() / (meanBody * 3))
	if p > 1 {
		p = 1
	}
	return p
}

// fairValueGap reports whether the last three candles leave an
// unfilled gap: first low above third high, or first high below third
// low.
func fairValueGap(candles []market.Candle) bool {
	if len(candles) < 3 {
		return false
	}
	first := candles[len(candles)-3]
	third := candles[len(candles)-1]
	return first.Low > third.High || first.High < third.Low
}

// combinedBias sums detection strengths per direction and returns the
// winner, or Neutral on a tie or empty set.
func combinedBias(detections []Detection) Direction {
	var bull, bear float64
	for _, d := range detections {
		switch d.Direction {
		case Bullish:
			bull += d.Strength
		case Bearish:
			bear += d.Strength
		}
	}
	switch {
	case bull > bear:
		return Bullish
	case bear > bull:
		return Bearish
	default:
		return Neutral
	}
}
