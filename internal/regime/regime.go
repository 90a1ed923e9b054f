// Package regime classifies the market into trending, ranging or
// choppy states and decides whether the current conditions are
// tradeable at all.
package regime

import (
	"fmt"
	"math"

	"otc-signal-bot/internal/indicators"
	"otc-signal-bot/internal/market"
	"otc-signal-bot/internal/signal"
)

// Regime is the market state classification.
type Regime string

const (
	TrendingUp   Regime = "TRENDING_UP"
	TrendingDown Regime = "TRENDING_DOWN"
	Ranging      Regime = "RANGING"
	Choppy       Regime = "CHOPPY"
	Unknown      Regime = "UNKNOWN"
)

// ADX tier boundaries.
const (
	adxRanging  = 12
	adxTrending = 18
	adxStrong   = 25
)

// PriceAction grades how readable the tape is.
type PriceAction string

const (
	ActionClean  PriceAction = "CLEAN"
	ActionMessy  PriceAction = "MESSY"
	ActionChoppy PriceAction = "CHOPPY"
)

// VolatilityLevel is the coarse ATR/range grade.
type VolatilityLevel string

const (
	VolLow    VolatilityLevel = "LOW"
	VolMedium VolatilityLevel = "MEDIUM"
	VolHigh   VolatilityLevel = "HIGH"
)

// Result is the full regime read for one candle window.
type Result struct {
	Regime          Regime          `json:"regime"`
	Strength        float64         `json:"strength"` // 0..1
	IsTradeable     bool            `json:"is_tradeable"`
	Reason          string          `json:"reason"`
	TrendDuration   int             `json:"trend_duration"`
	MomentumAligned bool            `json:"momentum_aligned"`
	VolatilityLevel VolatilityLevel `json:"volatility_level"`
	PriceAction     PriceAction     `json:"price_action"`

	higherHighs bool
	higherLows  bool
	lowerHighs  bool
	lowerLows   bool
}

// Detect classifies the last 30 candles. Insufficient history yields
// UNKNOWN, which is never tradeable.
func Detect(candles []market.Candle, vals indicators.Values) Result {
	if len(candles) < 30 {
		return Result{Regime: Unknown, Reason: "insufficient history", PriceAction: ActionMessy, VolatilityLevel: VolMedium}
	}
	window := candles[len(candles)-30:]

	r := Result{}
	r.higherHighs, r.higherLows, r.lowerHighs, r.lowerLows = swingStructure(window)
	r.PriceAction = classifyAction(window)
	r.VolatilityLevel = classifyVolatility(window, vals)
	r.TrendDuration = trendDuration(window)

	adx := 0.0
	if vals.ADX.Valid {
		adx = vals.ADX.Value
	}

	up := r.higherHighs && r.higherLows
	down := r.lowerHighs && r.lowerLows

	switch {
	case r.PriceAction == ActionChoppy:
		r.Regime = Choppy
		r.Strength = 0.2
		r.Reason = "choppy price action"
	case adx >= adxTrending && up:
		r.Regime = TrendingUp
		r.Strength = trendStrength(adx, r.TrendDuration)
		r.Reason = fmt.Sprintf("higher highs and lows, ADX %.1f", adx)
	case adx >= adxTrending && down:
		r.Regime = TrendingDown
		r.Strength = trendStrength(adx, r.TrendDuration)
		r.Reason = fmt.Sprintf("lower highs and lows, ADX %.1f", adx)
	case adx < adxRanging:
		r.Regime = Ranging
		r.Strength = 1 - adx/adxRanging
		r.Reason = fmt.Sprintf("ADX %.1f below ranging threshold", adx)
	case up:
		r.Regime = TrendingUp
		r.Strength = 0.4
		r.Reason = "swing structure up, weak ADX"
	case down:
		r.Regime = TrendingDown
		r.Strength = 0.4
		r.Reason = "swing structure down, weak ADX"
	default:
		r.Regime = Ranging
		r.Strength = 0.3
		r.Reason = "mixed structure"
	}

	r.MomentumAligned = momentumAligned(r.Regime, window, vals)
	r.IsTradeable = tradeable(r)
	return r
}

// swingStructure compares the high/low envelopes of the window's
// thirds.
func swingStructure(window []market.Candle) (hh, hl, lh, ll bool) {
	third := len(window) / 3
	env := func(part []market.Candle) (hi, lo float64) {
		hi, lo = part[0].High, part[0].Low
		for _, c := range part[1:] {
			if c.High > hi {
				hi = c.High
			}
			if c.Low < lo {
				lo = c.Low
			}
		}
		return
	}
	h1, l1 := env(window[:third])
	h2, l2 := env(window[third : 2*third])
	h3, l3 := env(window[2*third:])

	hh = h3 > h2 && h2 > h1
	hl = l3 > l2 && l2 > l1
	lh = h3 < h2 && h2 < h1
	ll = l3 < l2 && l2 < l1
	return
}

// classifyAction grades readability by direction-change frequency and
// wick dominance.
func classifyAction(window []market.Candle) PriceAction {
	changes := 0
	var wicks, bodies float64
	for i, c := range window {
		if i > 0 && c.IsBullish() != window[i-1].IsBullish() {
			changes++
		}
		wicks += c.UpperWick() + c.LowerWick()
		bodies += c.Body()
	}
	changeRatio := float64(changes) / float64(len(window)-1)

	wickDominance := 0.0
	if wicks+bodies > 0 {
		wickDominance = wicks / (wicks + bodies)
	}

	switch {
	case changeRatio > 0.65 || wickDominance > 0.70:
		return ActionChoppy
	case changeRatio > 0.45 || wickDominance > 0.55:
		return ActionMessy
	default:
		return ActionClean
	}
}

func classifyVolatility(window []market.Candle, vals indicators.Values) VolatilityLevel {
	price := window[len(window)-1].Close
	if price == 0 {
		return VolMedium
	}

	var avgRange float64
	for _, c := range window {
		avgRange += c.Range()
	}
	avgRange /= float64(len(window))

	atrRatio := 0.0
	if vals.ATR.Valid {
		atrRatio = vals.ATR.Value / price
	}
	rangeRatio := avgRange / price

	switch {
	case atrRatio > 0.002 || rangeRatio > 0.0025:
		return VolHigh
	case atrRatio > 0.0008 || rangeRatio > 0.001:
		return VolMedium
	default:
		return VolLow
	}
}

// trendDuration counts consecutive closing candles confirming the
// latest direction.
func trendDuration(window []market.Candle) int {
	n := len(window)
	if n < 2 {
		return 0
	}
	up := window[n-1].Close > window[n-2].Close
	count := 1
	for i := n - 2; i > 0; i-- {
		if (window[i].Close > window[i-1].Close) == up {
			count++
		} else {
			break
		}
	}
	return count
}

func trendStrength(adx float64, duration int) float64 {
	s := 0.4 + math.Min(0.4, (adx-adxTrending)/(adxStrong-adxTrending)*0.4)
	s += math.Min(0.2, float64(duration)*0.03)
	if s > 1 {
		s = 1
	}
	return s
}

// momentumAligned checks whether at least 60% of the oscillators
// confirm the regime direction.
func momentumAligned(r Regime, window []market.Candle, vals indicators.Values) bool {
	var wantUp bool
	switch r {
	case TrendingUp:
		wantUp = true
	case TrendingDown:
		wantUp = false
	default:
		return false
	}

	checks, aligned := 0, 0
	if vals.RSI.Valid {
		checks++
		if (vals.RSI.Value > 50) == wantUp {
			aligned++
		}
	}
	if vals.MACD.Valid {
		checks++
		if (vals.MACD.Histogram > 0) == wantUp {
			aligned++
		}
	}
	if vals.Stochastic.Valid {
		checks++
		if (vals.Stochastic.K > vals.Stochastic.D) == wantUp {
			aligned++
		}
	}
	if vals.SuperTrend.Valid {
		checks++
		if (vals.SuperTrend.Direction == "up") == wantUp {
			aligned++
		}
	}
	if checks == 0 {
		return false
	}
	return float64(aligned)/float64(checks) >= 0.6
}

func tradeable(r Result) bool {
	if r.Regime == Unknown {
		return false
	}
	if r.Regime == Choppy && r.VolatilityLevel == VolHigh {
		return false
	}
	if r.Regime == Choppy {
		return false
	}
	if r.TrendDuration < 2 && (r.Regime == TrendingUp || r.Regime == TrendingDown) {
		return false
	}
	confirmed := (r.higherHighs && r.higherLows) || (r.lowerHighs && r.lowerLows)
	return confirmed || r.Strength > 0.4
}

// AllowsDirection vetoes trades against a strong trend. CALL is
// forbidden in a strong downtrend and PUT in a strong uptrend.
func (r Result) AllowsDirection(dir signal.Direction) (bool, string) {
	if dir == signal.DirectionCall && r.Regime == TrendingDown && r.Strength > 0.5 {
		return false, "CALL against strong downtrend"
	}
	if dir == signal.DirectionPut && r.Regime == TrendingUp && r.Strength > 0.5 {
		return false, "PUT against strong uptrend"
	}
	return true, ""
}

// Penalty is the confidence multiplier in [0.4, 1.0] for the current
// conditions.
func (r Result) Penalty() float64 {
	p := 1.0
	switch r.Regime {
	case Choppy:
		p = 0.4
	case Ranging:
		p = 0.75
	case Unknown:
		p = 0.5
	case TrendingUp, TrendingDown:
		p = 0.8 + 0.2*r.Strength
	}
	if r.VolatilityLevel == VolHigh {
		p -= 0.15
	}
	if r.PriceAction == ActionMessy {
		p -= 0.1
	}
	if p < 0.4 {
		p = 0.4
	}
	if p > 1 {
		p = 1
	}
	return p
}
