// Package features turns candle history, indicator values and pattern
// analysis into the fixed-length normalized vector the ML ensemble
// consumes.
package features

import (
	"math"

	"otc-signal-bot/internal/indicators"
	"otc-signal-bot/internal/market"
	"otc-signal-bot/internal/patterns"
)

// VectorSize is the fixed ML input dimension.
const VectorSize = 28

// Record keeps the raw readings behind the normalized vector for
// logging and signal context.
type Record struct {
	PriceChangePct  float64 `json:"price_change_pct"`
	Volatility      float64 `json:"volatility"`
	ATRRatio        float64 `json:"atr_ratio"`
	RSI             float64 `json:"rsi"`
	RSISlope        float64 `json:"rsi_slope"`
	MACDHistogram   float64 `json:"macd_histogram"`
	MACDCrossover   float64 `json:"macd_crossover"`
	StochK          float64 `json:"stoch_k"`
	StochD          float64 `json:"stoch_d"`
	TrendStrength   float64 `json:"trend_strength"`
	TrendDirection  float64 `json:"trend_direction"`
	EMA9Slope       float64 `json:"ema9_slope"`
	EMA21Slope      float64 `json:"ema21_slope"`
	EMACrossover    float64 `json:"ema_crossover"`
	VolumeRatio     float64 `json:"volume_ratio"`
	VolumeTrend     float64 `json:"volume_trend"`
	BodyRatio       float64 `json:"body_ratio"`
	UpperWickRatio  float64 `json:"upper_wick_ratio"`
	LowerWickRatio  float64 `json:"lower_wick_ratio"`
	BullishPatterns float64 `json:"bullish_patterns"`
	BearishPatterns float64 `json:"bearish_patterns"`
	IsRanging       float64 `json:"is_ranging"`
	IsTrending      float64 `json:"is_trending"`
	RegimeStrength  float64 `json:"regime_strength"`
	BuyPressure     float64 `json:"buy_pressure"`
	SellPressure    float64 `json:"sell_pressure"`
	Momentum        float64 `json:"momentum"`
	Confluence      float64 `json:"confluence"`
}

// RegimeInput is the regime summary the extractor folds in, supplied
// by the regime detector to avoid a package cycle.
type RegimeInput struct {
	IsRanging  bool
	IsTrending bool
	Strength   float64
}

// Extract computes the raw record and its normalized vector. The
// candle array must hold at least 21 entries; shorter input yields a
// zero vector, which the ensemble treats as maximally uncertain.
func Extract(candles []market.Candle, vals indicators.Values, psych patterns.PsychologyAnalysis, regime RegimeInput) (Record, []float64) {
	var r Record
	if len(candles) < 21 {
		return r, make([]float64, VectorSize)
	}

	closes := market.Closes(candles)
	last := candles[len(candles)-1]
	price := last.Close

	if prev := closes[len(closes)-2]; prev != 0 {
		r.PriceChangePct = (price - prev) / prev * 100
	}
	r.Volatility = stddev(closes[len(closes)-20:])
	if vals.ATR.Valid && price != 0 {
		r.ATRRatio = vals.ATR.Value / price
	}
	if vals.RSI.Valid {
		r.RSI = vals.RSI.Value
	} else {
		r.RSI = 50
	}
	r.RSISlope = rsiSlope(closes)
	if vals.MACD.Valid {
		r.MACDHistogram = vals.MACD.Histogram
		r.MACDCrossover = sign(vals.MACD.MACD - vals.MACD.Signal)
	}
	if vals.Stochastic.Valid {
		r.StochK = vals.Stochastic.K
		r.StochD = vals.Stochastic.D
	} else {
		r.StochK, r.StochD = 50, 50
	}

	r.TrendStrength, r.TrendDirection = trend(closes)
	r.EMA9Slope = emaSlope(closes, 9)
	r.EMA21Slope = emaSlope(closes, 21)
	if e9, e21 := vals.EMA[9], vals.EMA[21]; e9.Valid && e21.Valid {
		r.EMACrossover = sign(e9.Value - e21.Value)
	}

	r.VolumeRatio, r.VolumeTrend = tickVolume(candles)

	r.BodyRatio = psych.BodyRatio
	r.UpperWickRatio = psych.UpperWickRatio
	r.LowerWickRatio = psych.LowerWickRatio
	r.BullishPatterns, r.BearishPatterns = patternScores(psych.Patterns)

	if regime.IsRanging {
		r.IsRanging = 1
	}
	if regime.IsTrending {
		r.IsTrending = 1
	}
	r.RegimeStrength = regime.Strength

	r.BuyPressure, r.SellPressure = pressure(candles)
	if base := closes[len(closes)-10]; base != 0 {
		r.Momentum = (price - base) / base * 100
	}
	r.Confluence = math.Abs(r.BuyPressure - r.SellPressure)

	return r, r.Vector(price)
}

// Vector normalizes the record into [-1, 1] per dimension.
func (r Record) Vector(price float64) []float64 {
	v := make([]float64, VectorSize)
	v[0] = math.Tanh(r.PriceChangePct)
	v[1] = math.Tanh(r.Volatility * 100)
	v[2] = math.Tanh(r.ATRRatio * 100)
	v[3] = r.RSI/50 - 1
	v[4] = clamp1(r.RSISlope / 10)
	v[5] = math.Tanh(r.MACDHistogram * 100)
	v[6] = r.MACDCrossover
	v[7] = r.StochK/50 - 1
	v[8] = r.StochD/50 - 1
	v[9] = clamp1(r.TrendStrength)
	v[10] = r.TrendDirection
	if price != 0 {
		v[11] = math.Tanh(r.EMA9Slope / price * 1000)
		v[12] = math.Tanh(r.EMA21Slope / price * 1000)
	}
	v[13] = r.EMACrossover
	v[14] = math.Min(3, r.VolumeRatio) / 3
	v[15] = r.VolumeTrend
	v[16] = clamp1(r.BodyRatio*2 - 1)
	v[17] = clamp1(r.UpperWickRatio*2 - 1)
	v[18] = clamp1(r.LowerWickRatio*2 - 1)
	v[19] = clamp1(r.BullishPatterns)
	v[20] = clamp1(r.BearishPatterns)
	v[21] = r.IsRanging
	v[22] = r.IsTrending
	v[23] = clamp1(r.RegimeStrength)
	v[24] = clamp1(r.BuyPressure)
	v[25] = clamp1(r.SellPressure)
	v[26] = math.Tanh(r.Momentum)
	v[27] = clamp1(r.Confluence)
	return v
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

func clamp1(x float64) float64 {
	if x > 1 {
		return 1
	}
	if x < -1 {
		return -1
	}
	return x
}

func stddev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(values)))
}

// rsiSlope is the change between the current RSI and the RSI one
// candle back.
func rsiSlope(closes []float64) float64 {
	cur, ok1 := indicators.RSI(closes, 14)
	prev, ok2 := indicators.RSI(closes[:len(closes)-1], 14)
	if !ok1 || !ok2 {
		return 0
	}
	return cur - prev
}

// emaSlope is the one-candle EMA delta.
func emaSlope(closes []float64, period int) float64 {
	cur, ok1 := indicators.EMA(closes, period)
	prev, ok2 := indicators.EMA(closes[:len(closes)-1], period)
	if !ok1 || !ok2 {
		return 0
	}
	return cur - prev
}

// trend measures the 20-candle net move against the summed absolute
// moves. Strength near 1 means one-directional tape.
func trend(closes []float64) (strength, direction float64) {
	window := closes[len(closes)-20:]
	var sumAbs float64
	for i := 1; i < len(window); i++ {
		sumAbs += math.Abs(window[i] - window[i-1])
	}
	if sumAbs == 0 {
		return 0, 0
	}
	net := window[len(window)-1] - window[0]
	return math.Abs(net) / sumAbs, sign(net)
}

// tickVolume uses TickCount as the volume proxy: ratio of the last
// candle's ticks to the 10-candle mean, and the sign of the recent
// volume drift.
func tickVolume(candles []market.Candle) (ratio, trend float64) {
	n := len(candles)
	window := candles[n-10:]
	var mean float64
	for _, c := range window {
		mean += float64(c.TickCount)
	}
	mean /= float64(len(window))
	if mean > 0 {
		ratio = float64(candles[n-1].TickCount) / mean
	}

	var firstHalf, secondHalf float64
	for i, c := range window {
		if i < len(window)/2 {
			firstHalf += float64(c.TickCount)
		} else {
			secondHalf += float64(c.TickCount)
		}
	}
	trend = sign(secondHalf - firstHalf)
	return ratio, trend
}

// patternScores sums detection strengths per side, scaled to roughly
// [0, 1] by the 2.5 max strength and a 2-pattern saturation.
func patternScores(detections []patterns.Detection) (bull, bear float64) {
	for _, d := range detections {
		switch d.Direction {
		case patterns.Bullish:
			bull += d.Strength
		case patterns.Bearish:
			bear += d.Strength
		}
	}
	return math.Min(1, bull/5), math.Min(1, bear/5)
}

// pressure reads buyer and seller dominance from the last 10 candles:
// bullish body share for buyers, bearish for sellers, wick-adjusted.
func pressure(candles []market.Candle) (buy, sell float64) {
	window := candles[len(candles)-10:]
	var bullBody, bearBody, totalRange float64
	for _, c := range window {
		if c.IsBullish() {
			bullBody += c.Body()
		} else if c.IsBearish() {
			bearBody += c.Body()
		}
		totalRange += c.Range()
	}
	if totalRange == 0 {
		return 0, 0
	}
	return bullBody / totalRange, bearBody / totalRange
}
