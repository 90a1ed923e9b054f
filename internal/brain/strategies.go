package brain

import (
	"fmt"
	"math"

	"otc-signal-bot/internal/indicators"
	"otc-signal-bot/internal/market"
	"otc-signal-bot/internal/regime"
	"otc-signal-bot/internal/signal"
)

// StrategyVotes runs the eleven strategy heads over the candle window
// and appends their opinions to the vote pool.
func StrategyVotes(candles []market.Candle, vals indicators.Values, reg regime.Result) []signal.Vote {
	var votes []signal.Vote
	add := func(v signal.Vote, ok bool) {
		if ok {
			votes = append(votes, v)
		}
	}

	add(trendAlignment(candles, reg))
	add(divergenceReversal(candles, vals))
	add(squeezeBreakout(candles, vals))
	add(meanReversionExtreme(vals))
	add(momentumContinuation(vals))
	add(volatilityExpansion(candles))
	add(candleWithTrend(candles))
	add(goWithFlow(candles))
	add(exhaustionReversal(candles, vals))
	add(confluenceCounter(candles, vals))
	add(priceActionBias(candles, vals))

	return votes
}

func shortTrendDirection(candles []market.Candle, n int) signal.VoteDirection {
	if len(candles) < n+1 {
		return signal.VoteNeutral
	}
	first := candles[len(candles)-n].Close
	last := candles[len(candles)-1].Close
	switch {
	case last > first:
		return signal.VoteUp
	case last < first:
		return signal.VoteDown
	default:
		return signal.VoteNeutral
	}
}

// trendAlignment fires when the 10-candle and 30-candle trends agree
// with the detected regime.
func trendAlignment(candles []market.Candle, reg regime.Result) (signal.Vote, bool) {
	short := shortTrendDirection(candles, 10)
	long := shortTrendDirection(candles, 30)
	if short == signal.VoteNeutral || short != long {
		return signal.Vote{}, false
	}
	if short == signal.VoteUp && reg.Regime == regime.TrendingDown {
		return signal.Vote{}, false
	}
	if short == signal.VoteDown && reg.Regime == regime.TrendingUp {
		return signal.Vote{}, false
	}

	w := 1.2
	if (short == signal.VoteUp && reg.Regime == regime.TrendingUp) ||
		(short == signal.VoteDown && reg.Regime == regime.TrendingDown) {
		w = 1.2 + reg.Strength*0.8
	}
	return signal.Vote{
		Indicator: "TREND_ALIGNMENT",
		Direction: short,
		Weight:    w,
		Reason:    "short and long trend aligned",
	}, true
}

// divergenceReversal compares the last two price swings with the RSI
// at those points: price extreme not confirmed by RSI reads as a
// reversal setup.
func divergenceReversal(candles []market.Candle, vals indicators.Values) (signal.Vote, bool) {
	if len(candles) < 30 || !vals.RSI.Valid {
		return signal.Vote{}, false
	}
	closes := market.Closes(candles)
	rsiNow := vals.RSI.Value
	rsiPrev, ok := indicators.RSI(closes[:len(closes)-5], 14)
	if !ok {
		return signal.Vote{}, false
	}
	priceNow := closes[len(closes)-1]
	pricePrev := closes[len(closes)-6]

	// Bearish divergence: higher price, weaker RSI.
	if priceNow > pricePrev && rsiNow < rsiPrev-3 && rsiNow > 55 {
		return signal.Vote{
			Indicator: "DIVERGENCE",
			Direction: signal.VoteDown,
			Weight:    1.3,
			Reason:    "bearish RSI divergence",
		}, true
	}
	if priceNow < pricePrev && rsiNow > rsiPrev+3 && rsiNow < 45 {
		return signal.Vote{
			Indicator: "DIVERGENCE",
			Direction: signal.VoteUp,
			Weight:    1.3,
			Reason:    "bullish RSI divergence",
		}, true
	}
	return signal.Vote{}, false
}

// squeezeBreakout detects Bollinger bands inside the Keltner channel
// (a squeeze) resolving in the last candle's direction.
func squeezeBreakout(candles []market.Candle, vals indicators.Values) (signal.Vote, bool) {
	if !vals.Bollinger.Valid || !vals.Keltner.Valid {
		return signal.Vote{}, false
	}
	squeezed := vals.Bollinger.Upper < vals.Keltner.Upper && vals.Bollinger.Lower > vals.Keltner.Lower
	if !squeezed {
		return signal.Vote{}, false
	}
	last := candles[len(candles)-1]
	if last.Range() == 0 || last.Body() < last.Range()*0.5 {
		return signal.Vote{}, false
	}
	dir := signal.VoteUp
	if last.IsBearish() {
		dir = signal.VoteDown
	}
	return signal.Vote{
		Indicator: "SQUEEZE_BREAKOUT",
		Direction: dir,
		Weight:    1.4,
		Reason:    "volatility squeeze resolving",
	}, true
}

// meanReversionExtreme fades statistically stretched prices when RSI
// agrees the move is exhausted.
func meanReversionExtreme(vals indicators.Values) (signal.Vote, bool) {
	if !vals.ZScore.Valid || !vals.RSI.Valid {
		return signal.Vote{}, false
	}
	z, rsi := vals.ZScore.Value, vals.RSI.Value
	if z > 2.2 && rsi > 72 {
		return signal.Vote{
			Indicator: "MEAN_REVERSION",
			Direction: signal.VoteDown,
			Weight:    1.5,
			Reason:    fmt.Sprintf("z-score %.1f with RSI %.0f", z, rsi),
		}, true
	}
	if z < -2.2 && rsi < 28 {
		return signal.Vote{
			Indicator: "MEAN_REVERSION",
			Direction: signal.VoteUp,
			Weight:    1.5,
			Reason:    fmt.Sprintf("z-score %.1f with RSI %.0f", z, rsi),
		}, true
	}
	return signal.Vote{}, false
}

// momentumContinuation fires when ROC, momentum and the MACD
// histogram all push the same way.
func momentumContinuation(vals indicators.Values) (signal.Vote, bool) {
	if !vals.ROC.Valid || !vals.Momentum.Valid || !vals.MACD.Valid {
		return signal.Vote{}, false
	}
	up := vals.ROC.Value > 0 && vals.Momentum.Value > 0 && vals.MACD.Histogram > 0
	down := vals.ROC.Value < 0 && vals.Momentum.Value < 0 && vals.MACD.Histogram < 0
	switch {
	case up:
		return signal.Vote{Indicator: "MOMENTUM_CONT", Direction: signal.VoteUp, Weight: 1.2,
			Reason: "momentum stack agrees up"}, true
	case down:
		return signal.Vote{Indicator: "MOMENTUM_CONT", Direction: signal.VoteDown, Weight: 1.2,
			Reason: "momentum stack agrees down"}, true
	}
	return signal.Vote{}, false
}

// volatilityExpansion reads a range expansion candle after quiet tape
// as the start of a directional move.
func volatilityExpansion(candles []market.Candle) (signal.Vote, bool) {
	if len(candles) < 11 {
		return signal.Vote{}, false
	}
	last := candles[len(candles)-1]
	var avg float64
	prior := candles[len(candles)-11 : len(candles)-1]
	for _, c := range prior {
		avg += c.Range()
	}
	avg /= float64(len(prior))
	if avg == 0 || last.Range() < avg*2 || last.Body() < last.Range()*0.6 {
		return signal.Vote{}, false
	}
	dir := signal.VoteUp
	if last.IsBearish() {
		dir = signal.VoteDown
	}
	return signal.Vote{
		Indicator: "VOL_EXPANSION",
		Direction: dir,
		Weight:    1.1,
		Reason:    "range expansion with directional body",
	}, true
}

// candleWithTrend rewards a strong-bodied last candle that closes
// with the 10-candle trend.
func candleWithTrend(candles []market.Candle) (signal.Vote, bool) {
	if len(candles) < 11 {
		return signal.Vote{}, false
	}
	last := candles[len(candles)-1]
	if last.Range() == 0 || last.Body() < last.Range()*0.6 {
		return signal.Vote{}, false
	}
	trend := shortTrendDirection(candles, 10)
	if trend == signal.VoteNeutral {
		return signal.Vote{}, false
	}
	if (trend == signal.VoteUp) != last.IsBullish() {
		return signal.Vote{}, false
	}
	return signal.Vote{
		Indicator: "CANDLE_TREND",
		Direction: trend,
		Weight:    1.0,
		Reason:    "strong candle with trend",
	}, true
}

// goWithFlow follows 3 to 5 consecutive same-direction closes that
// agree with the short trend.
func goWithFlow(candles []market.Candle) (signal.Vote, bool) {
	if len(candles) < 12 {
		return signal.Vote{}, false
	}
	n := len(candles)
	run := 0
	bullish := candles[n-1].IsBullish()
	for i := n - 1; i >= 0; i-- {
		if candles[i].IsBullish() == bullish && candles[i].Body() > 0 {
			run++
		} else {
			break
		}
	}
	if run < 3 || run > 5 {
		return signal.Vote{}, false
	}
	trend := shortTrendDirection(candles, 10)
	dir := signal.VoteUp
	if !bullish {
		dir = signal.VoteDown
	}
	if dir != trend {
		return signal.Vote{}, false
	}
	return signal.Vote{
		Indicator: "GO_WITH_FLOW",
		Direction: dir,
		Weight:    0.9 + float64(run-3)*0.15,
		Reason:    fmt.Sprintf("%d consecutive candles with trend", run),
	}, true
}

// exhaustionReversal fades an oversized candle landing on an RSI
// extreme.
func exhaustionReversal(candles []market.Candle, vals indicators.Values) (signal.Vote, bool) {
	if len(candles) < 11 || !vals.RSI.Valid {
		return signal.Vote{}, false
	}
	last := candles[len(candles)-1]
	var avgBody float64
	prior := candles[len(candles)-11 : len(candles)-1]
	for _, c := range prior {
		avgBody += c.Body()
	}
	avgBody /= float64(len(prior))
	if avgBody == 0 || last.Body() < avgBody*2.5 {
		return signal.Vote{}, false
	}

	if last.IsBullish() && vals.RSI.Value > 75 {
		return signal.Vote{Indicator: "EXHAUSTION", Direction: signal.VoteDown, Weight: 1.3,
			Reason: "oversized bullish candle at RSI extreme"}, true
	}
	if last.IsBearish() && vals.RSI.Value < 25 {
		return signal.Vote{Indicator: "EXHAUSTION", Direction: signal.VoteUp, Weight: 1.3,
			Reason: "oversized bearish candle at RSI extreme"}, true
	}
	return signal.Vote{}, false
}

// confluenceCounter tallies simple bullish and bearish factors and
// fires when one side holds at least five more than the other.
func confluenceCounter(candles []market.Candle, vals indicators.Values) (signal.Vote, bool) {
	price := candles[len(candles)-1].Close
	bull, bear := 0, 0
	tally := func(cond bool, up bool) {
		if !cond {
			return
		}
		if up {
			bull++
		} else {
			bear++
		}
	}

	if e9, e21 := vals.EMA[9], vals.EMA[21]; e9.Valid && e21.Valid {
		tally(e9.Value > e21.Value, true)
		tally(e9.Value < e21.Value, false)
	}
	if vals.MACD.Valid {
		tally(vals.MACD.Histogram > 0, true)
		tally(vals.MACD.Histogram < 0, false)
	}
	if vals.RSI.Valid {
		tally(vals.RSI.Value > 55, true)
		tally(vals.RSI.Value < 45, false)
	}
	if vals.SuperTrend.Valid {
		tally(vals.SuperTrend.Direction == "up", true)
		tally(vals.SuperTrend.Direction == "down", false)
	}
	if vals.PSAR.Valid {
		tally(price > vals.PSAR.Value, true)
		tally(price < vals.PSAR.Value, false)
	}
	if vals.RegressionSlope.Valid {
		tally(vals.RegressionSlope.Value > 0, true)
		tally(vals.RegressionSlope.Value < 0, false)
	}
	if vals.Stochastic.Valid {
		tally(vals.Stochastic.K > vals.Stochastic.D, true)
		tally(vals.Stochastic.K < vals.Stochastic.D, false)
	}
	if vals.SMA[20].Valid {
		tally(price > vals.SMA[20].Value, true)
		tally(price < vals.SMA[20].Value, false)
	}

	switch {
	case bull >= bear+5:
		return signal.Vote{Indicator: "CONFLUENCE", Direction: signal.VoteUp,
			Weight: 1.4, Reason: fmt.Sprintf("%d bullish vs %d bearish factors", bull, bear)}, true
	case bear >= bull+5:
		return signal.Vote{Indicator: "CONFLUENCE", Direction: signal.VoteDown,
			Weight: 1.4, Reason: fmt.Sprintf("%d bearish vs %d bullish factors", bear, bull)}, true
	}
	return signal.Vote{}, false
}

// priceActionBias combines a three-bar reversal read, close gaps and
// the PSAR side into one price-action vote.
func priceActionBias(candles []market.Candle, vals indicators.Values) (signal.Vote, bool) {
	if len(candles) < 3 {
		return signal.Vote{}, false
	}
	n := len(candles)
	c1, c2, c3 := candles[n-3], candles[n-2], candles[n-1]

	score := 0.0
	// Three-bar reversal: two pushes one way, strong close the other.
	if c1.IsBearish() && c2.IsBearish() && c3.IsBullish() && c3.Close > c2.Open {
		score += 1
	}
	if c1.IsBullish() && c2.IsBullish() && c3.IsBearish() && c3.Close < c2.Open {
		score -= 1
	}
	// Close gap between the last two candles.
	if c3.Open > c2.High {
		score += 0.5
	} else if c3.Open < c2.Low {
		score -= 0.5
	}
	if vals.PSAR.Valid {
		if c3.Close > vals.PSAR.Value {
			score += 0.5
		} else if c3.Close < vals.PSAR.Value {
			score -= 0.5
		}
	}

	if math.Abs(score) < 1 {
		return signal.Vote{}, false
	}
	dir := signal.VoteUp
	if score < 0 {
		dir = signal.VoteDown
	}
	return signal.Vote{
		Indicator: "PRICE_ACTION",
		Direction: dir,
		Weight:    math.Min(1.5, math.Abs(score)*0.8),
		Reason:    "three-bar structure and gap bias",
	}, true
}
