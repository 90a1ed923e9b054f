package brain

import (
	"fmt"
	"math"

	"otc-signal-bot/internal/indicators"
	"otc-signal-bot/internal/market"
	"otc-signal-bot/internal/patterns"
	"otc-signal-bot/internal/signal"
)

// defaultWeights is the per-indicator multiplier table applied on top
// of each rule's magnitude-scaled weight.
var defaultWeights = map[string]float64{
	"EMA_CROSS":        1.4,
	"EMA_RIBBON":       1.1,
	"SMA_TREND":        1.0,
	"HULL_MA":          1.1,
	"MACD":             1.4,
	"RSI":              1.3,
	"STOCHASTIC":       1.1,
	"CCI":              0.9,
	"WILLIAMS_R":       0.9,
	"BOLLINGER":        1.2,
	"KELTNER":          1.0,
	"SUPERTREND":       1.5,
	"ROC":              0.8,
	"MOMENTUM":         0.9,
	"DONCHIAN":         1.0,
	"PSAR":             1.0,
	"OBV":              0.7,
	"ULTIMATE_OSC":     0.8,
	"Z_SCORE":          1.0,
	"REGRESSION_SLOPE": 1.1,
	"FISHER":           0.9,
	"ATR_BANDS":        0.8,
	"RANGE_PERCENTILE": 0.8,
	"PATTERN":          1.2,
	"ORDER_BLOCK":      1.0,
	"FVG":              0.8,
}

const voteWeightCap = 2.5

// strategyVoters are the voter names emitted outside the indicator
// rule table. Session option validation accepts these too.
var strategyVoters = map[string]bool{
	"TREND_ALIGNMENT":  true,
	"DIVERGENCE":       true,
	"SQUEEZE_BREAKOUT": true,
	"MEAN_REVERSION":   true,
	"MOMENTUM_CONT":    true,
	"VOL_EXPANSION":    true,
	"CANDLE_TREND":     true,
	"GO_WITH_FLOW":     true,
	"EXHAUSTION":       true,
	"CONFLUENCE":       true,
	"PRICE_ACTION":     true,
	"ML_ENSEMBLE":      true,
}

// KnownVoter reports whether name is a recognized indicator or
// strategy voter. Session options referencing unknown names are
// rejected at start.
func KnownVoter(name string) bool {
	if _, ok := defaultWeights[name]; ok {
		return true
	}
	return strategyVoters[name]
}

// voteCollector applies the multiplier table and the session's
// enable-list while rules append votes.
type voteCollector struct {
	votes   []signal.Vote
	weights map[string]float64
	enabled map[string]bool
}

func newVoteCollector(opts signal.Options) *voteCollector {
	c := &voteCollector{weights: defaultWeights, enabled: opts.EnabledIndicators}
	if len(opts.CustomWeights) > 0 {
		merged := make(map[string]float64, len(defaultWeights))
		for k, v := range defaultWeights {
			merged[k] = v
		}
		for k, v := range opts.CustomWeights {
			merged[k] = v
		}
		c.weights = merged
	}
	return c
}

func (c *voteCollector) add(indicator string, dir signal.VoteDirection, weight float64, reason string) {
	if c.enabled != nil && !c.enabled[indicator] {
		return
	}
	mult, ok := c.weights[indicator]
	if !ok {
		mult = 1.0
	}
	w := weight * mult
	if w > voteWeightCap {
		w = voteWeightCap
	}
	if w <= 0 {
		return
	}
	c.votes = append(c.votes, signal.Vote{Indicator: indicator, Direction: dir, Weight: w, Reason: reason})
}

// IndicatorVotes runs every indicator rule against the computed
// values. Absent indicators stay silent.
func IndicatorVotes(candles []market.Candle, vals indicators.Values, opts signal.Options) []signal.Vote {
	c := newVoteCollector(opts)
	price := candles[len(candles)-1].Close

	emaCrossVote(c, vals, price)
	emaRibbonVote(c, vals, price)
	smaTrendVote(c, vals, price)
	hullVote(c, vals, price)
	macdVote(c, vals, price)
	rsiVote(c, vals)
	stochasticVote(c, vals)
	cciVote(c, vals)
	williamsVote(c, vals)
	bollingerVote(c, vals, price)
	keltnerVote(c, vals, price)
	supertrendVote(c, vals, price)
	rocVote(c, vals)
	momentumVote(c, vals, price)
	donchianVote(c, vals, price)
	psarVote(c, vals, price)
	obvVote(c, vals)
	ultimateVote(c, vals)
	zscoreVote(c, vals)
	slopeVote(c, vals, price)
	fisherVote(c, vals)
	atrBandsVote(c, vals, price)
	rangePercentileVote(c, vals)

	return c.votes
}

func emaCrossVote(c *voteCollector, vals indicators.Values, price float64) {
	e9, e21 := vals.EMA[9], vals.EMA[21]
	if !e9.Valid || !e21.Valid || price == 0 {
		return
	}
	crossStrength := math.Abs(e9.Value-e21.Value) / price
	w := 1 + crossStrength*10*100
	if e9.Value > e21.Value {
		c.add("EMA_CROSS", signal.VoteUp, w, "EMA9 above EMA21")
	} else if e9.Value < e21.Value {
		c.add("EMA_CROSS", signal.VoteDown, w, "EMA9 below EMA21")
	}
}

func emaRibbonVote(c *voteCollector, vals indicators.Values, price float64) {
	if !vals.EMARibbon.Valid {
		return
	}
	if price > vals.EMARibbon.Value {
		c.add("EMA_RIBBON", signal.VoteUp, 1.0, "price above EMA ribbon")
	} else if price < vals.EMARibbon.Value {
		c.add("EMA_RIBBON", signal.VoteDown, 1.0, "price below EMA ribbon")
	}
}

func smaTrendVote(c *voteCollector, vals indicators.Values, price float64) {
	s20, s50 := vals.SMA[20], vals.SMA[50]
	if s20.Valid && s50.Valid {
		if s20.Value > s50.Value && price > s20.Value {
			c.add("SMA_TREND", signal.VoteUp, 1.2, "price above rising SMA stack")
			return
		}
		if s20.Value < s50.Value && price < s20.Value {
			c.add("SMA_TREND", signal.VoteDown, 1.2, "price below falling SMA stack")
			return
		}
	}
	if s20.Valid {
		if price > s20.Value {
			c.add("SMA_TREND", signal.VoteUp, 0.7, "price above SMA20")
		} else if price < s20.Value {
			c.add("SMA_TREND", signal.VoteDown, 0.7, "price below SMA20")
		}
	}
}

func hullVote(c *voteCollector, vals indicators.Values, price float64) {
	if !vals.HullMA.Valid {
		return
	}
	if price > vals.HullMA.Value {
		c.add("HULL_MA", signal.VoteUp, 0.9, "price above Hull MA")
	} else if price < vals.HullMA.Value {
		c.add("HULL_MA", signal.VoteDown, 0.9, "price below Hull MA")
	}
}

func macdVote(c *voteCollector, vals indicators.Values, price float64) {
	if !vals.MACD.Valid || price == 0 {
		return
	}
	magnitude := math.Abs(vals.MACD.Histogram) / price * 1e4
	w := 0.8 + math.Min(1.2, magnitude)
	if vals.MACD.Histogram > 0 {
		c.add("MACD", signal.VoteUp, w, "MACD histogram positive")
	} else if vals.MACD.Histogram < 0 {
		c.add("MACD", signal.VoteDown, w, "MACD histogram negative")
	}
}

func rsiVote(c *voteCollector, vals indicators.Values) {
	if !vals.RSI.Valid {
		return
	}
	rsi := vals.RSI.Value
	switch {
	case rsi >= 70:
		c.add("RSI", signal.VoteDown, 1+(rsi-70)/20, fmt.Sprintf("RSI overbought at %.1f", rsi))
	case rsi <= 30:
		c.add("RSI", signal.VoteUp, 1+(30-rsi)/20, fmt.Sprintf("RSI oversold at %.1f", rsi))
	case rsi > 55:
		c.add("RSI", signal.VoteUp, 0.6, "RSI in bullish zone")
	case rsi < 45:
		c.add("RSI", signal.VoteDown, 0.6, "RSI in bearish zone")
	}
}

func stochasticVote(c *voteCollector, vals indicators.Values) {
	if !vals.Stochastic.Valid {
		return
	}
	k, d := vals.Stochastic.K, vals.Stochastic.D
	switch {
	case k >= 80 && k < d:
		c.add("STOCHASTIC", signal.VoteDown, 1.3, "stochastic rolling over from overbought")
	case k <= 20 && k > d:
		c.add("STOCHASTIC", signal.VoteUp, 1.3, "stochastic turning up from oversold")
	case k > d:
		c.add("STOCHASTIC", signal.VoteUp, 0.6, "stochastic %K above %D")
	case k < d:
		c.add("STOCHASTIC", signal.VoteDown, 0.6, "stochastic %K below %D")
	}
}

func cciVote(c *voteCollector, vals indicators.Values) {
	if !vals.CCI.Valid {
		return
	}
	switch {
	case vals.CCI.Value > 100:
		c.add("CCI", signal.VoteUp, 0.9, "CCI momentum above +100")
	case vals.CCI.Value < -100:
		c.add("CCI", signal.VoteDown, 0.9, "CCI momentum below -100")
	}
}

func williamsVote(c *voteCollector, vals indicators.Values) {
	if !vals.WilliamsR.Valid {
		return
	}
	switch {
	case vals.WilliamsR.Value > -20:
		c.add("WILLIAMS_R", signal.VoteDown, 0.9, "Williams %R overbought")
	case vals.WilliamsR.Value < -80:
		c.add("WILLIAMS_R", signal.VoteUp, 0.9, "Williams %R oversold")
	}
}

func bollingerVote(c *voteCollector, vals indicators.Values, price float64) {
	if !vals.Bollinger.Valid {
		return
	}
	switch {
	case price >= vals.Bollinger.Upper:
		c.add("BOLLINGER", signal.VoteDown, 1.2, "price at upper Bollinger band")
	case price <= vals.Bollinger.Lower:
		c.add("BOLLINGER", signal.VoteUp, 1.2, "price at lower Bollinger band")
	case price > vals.Bollinger.Middle:
		c.add("BOLLINGER", signal.VoteUp, 0.5, "price above Bollinger middle")
	case price < vals.Bollinger.Middle:
		c.add("BOLLINGER", signal.VoteDown, 0.5, "price below Bollinger middle")
	}
}

func keltnerVote(c *voteCollector, vals indicators.Values, price float64) {
	if !vals.Keltner.Valid {
		return
	}
	switch {
	case price > vals.Keltner.Upper:
		c.add("KELTNER", signal.VoteUp, 1.1, "Keltner breakout up")
	case price < vals.Keltner.Lower:
		c.add("KELTNER", signal.VoteDown, 1.1, "Keltner breakout down")
	}
}

func supertrendVote(c *voteCollector, vals indicators.Values, price float64) {
	if !vals.SuperTrend.Valid || price == 0 {
		return
	}
	dist := math.Abs(price-vals.SuperTrend.Value) / price
	w := 1 + math.Min(1.0, dist*200)
	if vals.SuperTrend.Direction == "up" {
		c.add("SUPERTREND", signal.VoteUp, w, "SuperTrend up")
	} else {
		c.add("SUPERTREND", signal.VoteDown, w, "SuperTrend down")
	}
}

func rocVote(c *voteCollector, vals indicators.Values) {
	if !vals.ROC.Valid {
		return
	}
	if vals.ROC.Value > 0.01 {
		c.add("ROC", signal.VoteUp, 0.8, "rate of change positive")
	} else if vals.ROC.Value < -0.01 {
		c.add("ROC", signal.VoteDown, 0.8, "rate of change negative")
	}
}

func momentumVote(c *voteCollector, vals indicators.Values, price float64) {
	if !vals.Momentum.Valid || price == 0 {
		return
	}
	rel := vals.Momentum.Value / price
	if rel > 1e-5 {
		c.add("MOMENTUM", signal.VoteUp, 0.8, "positive momentum")
	} else if rel < -1e-5 {
		c.add("MOMENTUM", signal.VoteDown, 0.8, "negative momentum")
	}
}

func donchianVote(c *voteCollector, vals indicators.Values, price float64) {
	if !vals.Donchian.Valid {
		return
	}
	if price >= vals.Donchian.Upper {
		c.add("DONCHIAN", signal.VoteUp, 1.1, "Donchian channel breakout up")
	} else if price <= vals.Donchian.Lower {
		c.add("DONCHIAN", signal.VoteDown, 1.1, "Donchian channel breakout down")
	}
}

func psarVote(c *voteCollector, vals indicators.Values, price float64) {
	if !vals.PSAR.Valid {
		return
	}
	if price > vals.PSAR.Value {
		c.add("PSAR", signal.VoteUp, 0.9, "price above parabolic SAR")
	} else if price < vals.PSAR.Value {
		c.add("PSAR", signal.VoteDown, 0.9, "price below parabolic SAR")
	}
}

func obvVote(c *voteCollector, vals indicators.Values) {
	if !vals.OBV.Valid {
		return
	}
	if vals.OBV.Value > 0 {
		c.add("OBV", signal.VoteUp, 0.5, "on-balance volume positive")
	} else if vals.OBV.Value < 0 {
		c.add("OBV", signal.VoteDown, 0.5, "on-balance volume negative")
	}
}

func ultimateVote(c *voteCollector, vals indicators.Values) {
	if !vals.UltimateOsc.Valid {
		return
	}
	switch {
	case vals.UltimateOsc.Value > 60:
		c.add("ULTIMATE_OSC", signal.VoteUp, 0.8, "ultimate oscillator bullish")
	case vals.UltimateOsc.Value < 40:
		c.add("ULTIMATE_OSC", signal.VoteDown, 0.8, "ultimate oscillator bearish")
	}
}

func zscoreVote(c *voteCollector, vals indicators.Values) {
	if !vals.ZScore.Valid {
		return
	}
	z := vals.ZScore.Value
	switch {
	case z > 2:
		c.add("Z_SCORE", signal.VoteDown, 1+math.Min(1, (z-2)/2), "stretched above the mean")
	case z < -2:
		c.add("Z_SCORE", signal.VoteUp, 1+math.Min(1, (-z-2)/2), "stretched below the mean")
	}
}

func slopeVote(c *voteCollector, vals indicators.Values, price float64) {
	if !vals.RegressionSlope.Valid || price == 0 {
		return
	}
	rel := vals.RegressionSlope.Value / price
	if rel > 1e-6 {
		c.add("REGRESSION_SLOPE", signal.VoteUp, 0.9, "regression slope rising")
	} else if rel < -1e-6 {
		c.add("REGRESSION_SLOPE", signal.VoteDown, 0.9, "regression slope falling")
	}
}

func fisherVote(c *voteCollector, vals indicators.Values) {
	if !vals.Fisher.Valid {
		return
	}
	f := vals.Fisher.Value
	switch {
	case f > 1.5:
		c.add("FISHER", signal.VoteDown, 1.0, "Fisher transform at bullish extreme")
	case f < -1.5:
		c.add("FISHER", signal.VoteUp, 1.0, "Fisher transform at bearish extreme")
	case f > 0.25:
		c.add("FISHER", signal.VoteUp, 0.6, "Fisher transform positive")
	case f < -0.25:
		c.add("FISHER", signal.VoteDown, 0.6, "Fisher transform negative")
	}
}

func atrBandsVote(c *voteCollector, vals indicators.Values, price float64) {
	if !vals.ATRBands.Valid {
		return
	}
	if price > vals.ATRBands.Upper {
		c.add("ATR_BANDS", signal.VoteUp, 0.8, "price above ATR band")
	} else if price < vals.ATRBands.Lower {
		c.add("ATR_BANDS", signal.VoteDown, 0.8, "price below ATR band")
	}
}

func rangePercentileVote(c *voteCollector, vals indicators.Values) {
	if !vals.RangePercentile.Valid {
		return
	}
	// RangePercentile is on a 0-100 scale.
	p := vals.RangePercentile.Value
	switch {
	case p > 90:
		c.add("RANGE_PERCENTILE", signal.VoteDown, 0.8, "price at top of recent range")
	case p < 10:
		c.add("RANGE_PERCENTILE", signal.VoteUp, 0.8, "price at bottom of recent range")
	}
}

// PsychologyVotes converts pattern detections and structural reads
// into votes.
func PsychologyVotes(psych patterns.PsychologyAnalysis, opts signal.Options) []signal.Vote {
	c := newVoteCollector(opts)

	for _, d := range psych.Patterns {
		var dir signal.VoteDirection
		switch d.Direction {
		case patterns.Bullish:
			dir = signal.VoteUp
		case patterns.Bearish:
			dir = signal.VoteDown
		default:
			continue
		}
		c.add("PATTERN", dir, d.Strength, d.Reason)
	}

	if psych.OrderBlockProbability > 0.5 {
		switch psych.Bias {
		case patterns.Bullish:
			c.add("ORDER_BLOCK", signal.VoteUp, psych.OrderBlockProbability*1.5, "probable bullish order block")
		case patterns.Bearish:
			c.add("ORDER_BLOCK", signal.VoteDown, psych.OrderBlockProbability*1.5, "probable bearish order block")
		}
	}

	if psych.FVGDetected {
		switch psych.Bias {
		case patterns.Bullish:
			c.add("FVG", signal.VoteUp, 0.8, "fair value gap supporting bulls")
		case patterns.Bearish:
			c.add("FVG", signal.VoteDown, 0.8, "fair value gap supporting bears")
		}
	}

	return c.votes
}
