// Package indicators computes technical indicator values from candle
// arrays. All functions are pure: the same input always produces the
// same output, and insufficient history yields an absent value instead
// of a guess. Divisions by zero produce absent values; NaN never crosses
// the package boundary.
package indicators

import (
	"math"

	"otc-signal-bot/internal/market"
)

// Compute derives the full indicator record from a candle array. The
// array may include the forming candle as its tail.
func Compute(candles []market.Candle) Values {
	closes := market.Closes(candles)

	v := Values{
		EMA: make(map[int]Scalar, len(EMAPeriods)),
		SMA: make(map[int]Scalar, len(SMAPeriods)),
	}

	for _, p := range EMAPeriods {
		if ema, ok := EMA(closes, p); ok {
			v.EMA[p] = scalar(ema)
		} else {
			v.EMA[p] = Scalar{}
		}
	}
	for _, p := range SMAPeriods {
		if sma, ok := SMA(closes, p); ok {
			v.SMA[p] = scalar(sma)
		} else {
			v.SMA[p] = Scalar{}
		}
	}
	if h, ok := HullMA(closes, 9); ok {
		v.HullMA = scalar(h)
	}

	if macd, sig, hist, ok := MACD(closes, 12, 26, 9); ok {
		v.MACD = MACDValue{MACD: macd, Signal: sig, Histogram: hist, Valid: true}
	}
	if rsi, ok := RSI(closes, 14); ok {
		v.RSI = scalar(rsi)
	}
	if k, d, ok := Stochastic(candles, 14, 3); ok {
		v.Stochastic = StochasticValue{K: k, D: d, Valid: true}
	}

	if atr, ok := ATR(candles, 14); ok {
		v.ATR = scalar(atr)
	}
	if adx, ok := ADX(candles, 14); ok {
		v.ADX = scalar(adx)
	}
	if cci, ok := CCI(candles, 20); ok {
		v.CCI = scalar(cci)
	}
	if wr, ok := WilliamsR(candles, 14); ok {
		v.WilliamsR = scalar(wr)
	}

	if up, mid, lo, ok := Bollinger(closes, 20, 2.0); ok {
		v.Bollinger = BandsValue{Upper: up, Middle: mid, Lower: lo, Valid: true}
	}
	if up, mid, lo, ok := Keltner(candles, 20, 2.0); ok {
		v.Keltner = BandsValue{Upper: up, Middle: mid, Lower: lo, Valid: true}
	}

	if val, dir, ok := SuperTrend(candles, 10, 3.0); ok {
		v.SuperTrend = SuperTrendValue{Value: val, Direction: dir, Valid: true}
	}

	if roc, ok := ROC(closes, 12); ok {
		v.ROC = scalar(roc)
	}
	if mom, ok := Momentum(closes, 10); ok {
		v.Momentum = scalar(mom)
	}
	if up, lo, ok := Donchian(candles, 20); ok {
		v.Donchian = ChannelValue{Upper: up, Lower: lo, Valid: true}
	}
	if sar, ok := ParabolicSAR(candles, 0.02, 0.2); ok {
		v.PSAR = scalar(sar)
	}
	if obv, ok := OBV(candles); ok {
		v.OBV = scalar(obv)
	}
	if uo, ok := UltimateOscillator(candles, 7, 14, 28); ok {
		v.UltimateOsc = scalar(uo)
	}
	if z, ok := ZScore(closes, 20); ok {
		v.ZScore = scalar(z)
	}
	if slope, ok := RegressionSlope(closes, 14); ok {
		v.RegressionSlope = scalar(slope)
	}
	if f, ok := Fisher(candles, 10); ok {
		v.Fisher = scalar(f)
	}
	if up, lo, ok := ATRBands(candles, 20, 14, 2.0); ok {
		v.ATRBands = ChannelValue{Upper: up, Lower: lo, Valid: true}
	}
	if rp, ok := RangePercentile(candles, 20); ok {
		v.RangePercentile = scalar(rp)
	}
	if rib, ok := EMARibbon(closes); ok {
		v.EMARibbon = scalar(rib)
	}

	return v
}

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// SMA returns the simple moving average of the last period values.
func SMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		sum += values[i]
	}
	return sum / float64(period), true
}

// emaSeries computes the EMA series seeded with an SMA of the first
// period values. Output index i corresponds to input index i+period-1.
func emaSeries(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	out := make([]float64, 0, len(values)-period+1)
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	ema := sum / float64(period)
	out = append(out, ema)

	multiplier := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		ema = (values[i]-ema)*multiplier + ema
		out = append(out, ema)
	}
	return out
}

// EMA returns the exponential moving average of the value series.
func EMA(values []float64, period int) (float64, bool) {
	series := emaSeries(values, period)
	if series == nil {
		return 0, false
	}
	return series[len(series)-1], true
}

// wmaLast returns the weighted moving average of the last period values.
func wmaLast(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	num, den := 0.0, 0.0
	start := len(values) - period
	for i := 0; i < period; i++ {
		w := float64(i + 1)
		num += values[start+i] * w
		den += w
	}
	return num / den, true
}

// HullMA returns the Hull moving average: WMA(2*WMA(n/2) - WMA(n), sqrt(n)).
func HullMA(values []float64, period int) (float64, bool) {
	if len(values) < period {
		return 0, false
	}
	half := period / 2
	sqrtP := int(math.Round(math.Sqrt(float64(period))))
	if half < 1 || sqrtP < 1 {
		return 0, false
	}

	// Build the 2*WMA(half) - WMA(full) series over the usable window.
	raw := make([]float64, 0, len(values))
	for i := period; i <= len(values); i++ {
		w1, ok1 := wmaLast(values[:i], half)
		w2, ok2 := wmaLast(values[:i], period)
		if !ok1 || !ok2 {
			return 0, false
		}
		raw = append(raw, 2*w1-w2)
	}
	if len(raw) < sqrtP {
		return 0, false
	}
	return wmaLast(raw, sqrtP)
}

// EMARibbon returns the mean of the EMA set {5, 9, 12, 21, 50}.
func EMARibbon(values []float64) (float64, bool) {
	sum := 0.0
	for _, p := range EMAPeriods {
		ema, ok := EMA(values, p)
		if !ok {
			return 0, false
		}
		sum += ema
	}
	return sum / float64(len(EMAPeriods)), true
}

// ============================================================================
// MACD / RSI / STOCHASTIC
// ============================================================================

// MACD returns the MACD line, signal line and histogram. Requires at
// least slow+signal closes so the signal EMA has a real seed.
func MACD(closes []float64, fast, slow, signal int) (float64, float64, float64, bool) {
	if len(closes) < slow+signal {
		return 0, 0, 0, false
	}
	fastSeries := emaSeries(closes, fast)
	slowSeries := emaSeries(closes, slow)

	// Align the fast series to the slow series tail.
	offset := len(fastSeries) - len(slowSeries)
	macdLine := make([]float64, len(slowSeries))
	for i := range slowSeries {
		macdLine[i] = fastSeries[i+offset] - slowSeries[i]
	}

	signalSeries := emaSeries(macdLine, signal)
	if signalSeries == nil {
		return 0, 0, 0, false
	}
	macd := macdLine[len(macdLine)-1]
	sig := signalSeries[len(signalSeries)-1]
	return macd, sig, macd - sig, true
}

// RSI returns the Wilder-smoothed relative strength index over closes.
func RSI(closes []float64, period int) (float64, bool) {
	if len(closes) < period+1 {
		return 0, false
	}

	avgGain, avgLoss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// stochasticK returns raw %K for the window ending at index end (exclusive).
func stochasticK(candles []market.Candle, end, kPeriod int) (float64, bool) {
	if end < kPeriod {
		return 0, false
	}
	hi, lo := candles[end-kPeriod].High, candles[end-kPeriod].Low
	for i := end - kPeriod; i < end; i++ {
		if candles[i].High > hi {
			hi = candles[i].High
		}
		if candles[i].Low < lo {
			lo = candles[i].Low
		}
	}
	if hi == lo {
		return 0, false
	}
	return (candles[end-1].Close - lo) / (hi - lo) * 100, true
}

// Stochastic returns %K (raw, period kPeriod) and %D (SMA of the last
// dPeriod %K values).
func Stochastic(candles []market.Candle, kPeriod, dPeriod int) (float64, float64, bool) {
	if len(candles) < kPeriod+dPeriod-1 {
		return 0, 0, false
	}
	sum := 0.0
	var k float64
	for i := 0; i < dPeriod; i++ {
		end := len(candles) - i
		kv, ok := stochasticK(candles, end, kPeriod)
		if !ok {
			return 0, 0, false
		}
		if i == 0 {
			k = kv
		}
		sum += kv
	}
	return k, sum / float64(dPeriod), true
}

// ============================================================================
// VOLATILITY / TREND STRENGTH
// ============================================================================

func trueRange(c, prev market.Candle) float64 {
	return math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prev.Close), math.Abs(c.Low-prev.Close)))
}

// ATR returns the Wilder-smoothed average true range.
func ATR(candles []market.Candle, period int) (float64, bool) {
	if len(candles) < period+1 {
		return 0, false
	}
	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		trs = append(trs, trueRange(candles[i], candles[i-1]))
	}

	atr := 0.0
	for i := 0; i < period; i++ {
		atr += trs[i]
	}
	atr /= float64(period)
	for i := period; i < len(trs); i++ {
		atr = (atr*float64(period-1) + trs[i]) / float64(period)
	}
	return atr, true
}

// ADX returns the average directional index with Wilder smoothing.
// Requires roughly two periods of history for the DX average to seed.
func ADX(candles []market.Candle, period int) (float64, bool) {
	if len(candles) < 2*period+1 {
		return 0, false
	}

	plusDM := make([]float64, 0, len(candles)-1)
	minusDM := make([]float64, 0, len(candles)-1)
	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		up := candles[i].High - candles[i-1].High
		down := candles[i-1].Low - candles[i].Low
		p, m := 0.0, 0.0
		if up > down && up > 0 {
			p = up
		}
		if down > up && down > 0 {
			m = down
		}
		plusDM = append(plusDM, p)
		minusDM = append(minusDM, m)
		trs = append(trs, trueRange(candles[i], candles[i-1]))
	}

	smooth := func(vals []float64) []float64 {
		out := make([]float64, 0, len(vals)-period+1)
		sum := 0.0
		for i := 0; i < period; i++ {
			sum += vals[i]
		}
		out = append(out, sum)
		for i := period; i < len(vals); i++ {
			sum = sum - sum/float64(period) + vals[i]
			out = append(out, sum)
		}
		return out
	}

	sTR := smooth(trs)
	sPlus := smooth(plusDM)
	sMinus := smooth(minusDM)

	dxs := make([]float64, 0, len(sTR))
	for i := range sTR {
		if sTR[i] == 0 {
			dxs = append(dxs, 0)
			continue
		}
		pdi := sPlus[i] / sTR[i] * 100
		mdi := sMinus[i] / sTR[i] * 100
		if pdi+mdi == 0 {
			dxs = append(dxs, 0)
			continue
		}
		dxs = append(dxs, math.Abs(pdi-mdi)/(pdi+mdi)*100)
	}
	if len(dxs) < period {
		return 0, false
	}

	adx := 0.0
	for i := 0; i < period; i++ {
		adx += dxs[i]
	}
	adx /= float64(period)
	for i := period; i < len(dxs); i++ {
		adx = (adx*float64(period-1) + dxs[i]) / float64(period)
	}
	return adx, true
}

// CCI returns the commodity channel index over typical prices.
func CCI(candles []market.Candle, period int) (float64, bool) {
	if len(candles) < period {
		return 0, false
	}
	tps := make([]float64, period)
	start := len(candles) - period
	sum := 0.0
	for i := 0; i < period; i++ {
		c := candles[start+i]
		tps[i] = (c.High + c.Low + c.Close) / 3
		sum += tps[i]
	}
	mean := sum / float64(period)

	meanDev := 0.0
	for _, tp := range tps {
		meanDev += math.Abs(tp - mean)
	}
	meanDev /= float64(period)
	if meanDev == 0 {
		return 0, false
	}
	return (tps[period-1] - mean) / (0.015 * meanDev), true
}

// WilliamsR returns %R over the window.
func WilliamsR(candles []market.Candle, period int) (float64, bool) {
	if len(candles) < period {
		return 0, false
	}
	start := len(candles) - period
	hi, lo := candles[start].High, candles[start].Low
	for i := start; i < len(candles); i++ {
		if candles[i].High > hi {
			hi = candles[i].High
		}
		if candles[i].Low < lo {
			lo = candles[i].Low
		}
	}
	if hi == lo {
		return 0, false
	}
	return (hi - candles[len(candles)-1].Close) / (hi - lo) * -100, true
}

// ============================================================================
// BANDS AND CHANNELS
// ============================================================================

// Bollinger returns the classic SMA ± mult·σ band set.
func Bollinger(closes []float64, period int, mult float64) (upper, middle, lower float64, ok bool) {
	middle, ok = SMA(closes, period)
	if !ok {
		return 0, 0, 0, false
	}
	variance := 0.0
	for i := len(closes) - period; i < len(closes); i++ {
		d := closes[i] - middle
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(period))
	return middle + mult*sd, middle, middle - mult*sd, true
}

// Keltner returns the EMA ± mult·ATR channel.
func Keltner(candles []market.Candle, period int, mult float64) (upper, middle, lower float64, ok bool) {
	middle, ok = EMA(market.Closes(candles), period)
	if !ok {
		return 0, 0, 0, false
	}
	atr, ok := ATR(candles, period)
	if !ok {
		return 0, 0, 0, false
	}
	return middle + mult*atr, middle, middle - mult*atr, true
}

// Donchian returns the highest high and lowest low of the window.
func Donchian(candles []market.Candle, period int) (upper, lower float64, ok bool) {
	if len(candles) < period {
		return 0, 0, false
	}
	start := len(candles) - period
	upper, lower = candles[start].High, candles[start].Low
	for i := start; i < len(candles); i++ {
		if candles[i].High > upper {
			upper = candles[i].High
		}
		if candles[i].Low < lower {
			lower = candles[i].Low
		}
	}
	return upper, lower, true
}

// ATRBands returns SMA(smaPeriod) ± mult·ATR(atrPeriod).
func ATRBands(candles []market.Candle, smaPeriod, atrPeriod int, mult float64) (upper, lower float64, ok bool) {
	mid, ok := SMA(market.Closes(candles), smaPeriod)
	if !ok {
		return 0, 0, false
	}
	atr, ok := ATR(candles, atrPeriod)
	if !ok {
		return 0, 0, false
	}
	return mid + mult*atr, mid - mult*atr, true
}

// ============================================================================
// SUPERTREND / PSAR
// ============================================================================

// SuperTrend returns the trailing stop level and direction derived from
// (H+L)/2 ± mult·ATR with standard band carry-over rules.
func SuperTrend(candles []market.Candle, period int, mult float64) (float64, string, bool) {
	if len(candles) < period+2 {
		return 0, "", false
	}

	upper := make([]float64, len(candles))
	lower := make([]float64, len(candles))
	dir := 1 // 1 up, -1 down
	var st float64

	for i := period + 1; i < len(candles); i++ {
		atr, ok := ATR(candles[:i+1], period)
		if !ok {
			return 0, "", false
		}
		mid := candles[i].Midpoint()
		basicUpper := mid + mult*atr
		basicLower := mid - mult*atr

		// Band ratchet: bands only tighten while price respects them.
		if i > period+1 && (basicUpper < upper[i-1] || candles[i-1].Close > upper[i-1]) {
			upper[i] = basicUpper
		} else if i > period+1 {
			upper[i] = upper[i-1]
		} else {
			upper[i] = basicUpper
		}
		if i > period+1 && (basicLower > lower[i-1] || candles[i-1].Close < lower[i-1]) {
			lower[i] = basicLower
		} else if i > period+1 {
			lower[i] = lower[i-1]
		} else {
			lower[i] = basicLower
		}

		if dir == 1 && candles[i].Close < lower[i] {
			dir = -1
		} else if dir == -1 && candles[i].Close > upper[i] {
			dir = 1
		}
		if dir == 1 {
			st = lower[i]
		} else {
			st = upper[i]
		}
	}

	direction := "up"
	if dir == -1 {
		direction = "down"
	}
	return st, direction, true
}

// ParabolicSAR returns the current stop-and-reverse level.
func ParabolicSAR(candles []market.Candle, step, maxStep float64) (float64, bool) {
	if len(candles) < 3 {
		return 0, false
	}

	uptrend := candles[1].Close > candles[0].Close
	af := step
	var sar, ep float64
	if uptrend {
		sar = candles[0].Low
		ep = candles[1].High
	} else {
		sar = candles[0].High
		ep = candles[1].Low
	}

	for i := 2; i < len(candles); i++ {
		sar = sar + af*(ep-sar)
		c := candles[i]
		if uptrend {
			if c.Low < sar {
				uptrend = false
				sar = ep
				ep = c.Low
				af = step
			} else if c.High > ep {
				ep = c.High
				af = math.Min(af+step, maxStep)
			}
		} else {
			if c.High > sar {
				uptrend = true
				sar = ep
				ep = c.High
				af = step
			} else if c.Low < ep {
				ep = c.Low
				af = math.Min(af+step, maxStep)
			}
		}
	}
	return sar, true
}

// ============================================================================
// MOMENTUM / OSCILLATORS
// ============================================================================

// ROC returns the rate of change in percent over the period.
func ROC(closes []float64, period int) (float64, bool) {
	if len(closes) < period+1 {
		return 0, false
	}
	past := closes[len(closes)-period-1]
	if past == 0 {
		return 0, false
	}
	return (closes[len(closes)-1] - past) / past * 100, true
}

// Momentum returns close minus close[-period].
func Momentum(closes []float64, period int) (float64, bool) {
	if len(closes) < period+1 {
		return 0, false
	}
	return closes[len(closes)-1] - closes[len(closes)-period-1], true
}

// OBV returns on-balance volume using tick counts as the volume proxy.
func OBV(candles []market.Candle) (float64, bool) {
	if len(candles) < 2 {
		return 0, false
	}
	obv := 0.0
	for i := 1; i < len(candles); i++ {
		switch {
		case candles[i].Close > candles[i-1].Close:
			obv += float64(candles[i].TickCount)
		case candles[i].Close < candles[i-1].Close:
			obv -= float64(candles[i].TickCount)
		}
	}
	return obv, true
}

// UltimateOscillator returns the Williams ultimate oscillator over the
// three standard windows.
func UltimateOscillator(candles []market.Candle, p1, p2, p3 int) (float64, bool) {
	if len(candles) < p3+1 {
		return 0, false
	}

	bps := make([]float64, 0, len(candles)-1)
	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		c, prev := candles[i], candles[i-1]
		low := math.Min(c.Low, prev.Close)
		high := math.Max(c.High, prev.Close)
		bps = append(bps, c.Close-low)
		trs = append(trs, high-low)
	}

	avg := func(period int) (float64, bool) {
		bp, tr := 0.0, 0.0
		for i := len(bps) - period; i < len(bps); i++ {
			bp += bps[i]
			tr += trs[i]
		}
		if tr == 0 {
			return 0, false
		}
		return bp / tr, true
	}

	a1, ok1 := avg(p1)
	a2, ok2 := avg(p2)
	a3, ok3 := avg(p3)
	if !ok1 || !ok2 || !ok3 {
		return 0, false
	}
	return (4*a1 + 2*a2 + a3) / 7 * 100, true
}

// ZScore returns the mean-reversion z-score of the last close against
// the window mean and standard deviation.
func ZScore(closes []float64, window int) (float64, bool) {
	if len(closes) < window {
		return 0, false
	}
	mean, _ := SMA(closes, window)
	variance := 0.0
	for i := len(closes) - window; i < len(closes); i++ {
		d := closes[i] - mean
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(window))
	if sd == 0 {
		return 0, false
	}
	return (closes[len(closes)-1] - mean) / sd, true
}

// RegressionSlope returns the least-squares slope of close against
// candle index over the window.
func RegressionSlope(closes []float64, period int) (float64, bool) {
	if len(closes) < period {
		return 0, false
	}
	start := len(closes) - period
	n := float64(period)
	sumX, sumY, sumXY, sumXX := 0.0, 0.0, 0.0, 0.0
	for i := 0; i < period; i++ {
		x := float64(i)
		y := closes[start+i]
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	den := n*sumXX - sumX*sumX
	if den == 0 {
		return 0, false
	}
	return (n*sumXY - sumX*sumY) / den, true
}

// Fisher returns the Fisher transform of the normalized (H+L)/2 series,
// with the normalized input clipped to |x| < 0.999.
func Fisher(candles []market.Candle, period int) (float64, bool) {
	if len(candles) < period+1 {
		return 0, false
	}
	mids := market.Midpoints(candles)

	val := 0.0
	fisher := 0.0
	for i := period; i < len(mids); i++ {
		hi, lo := mids[i-period], mids[i-period]
		for j := i - period; j <= i; j++ {
			hi = math.Max(hi, mids[j])
			lo = math.Min(lo, mids[j])
		}
		if hi == lo {
			continue
		}
		x := 2*((mids[i]-lo)/(hi-lo)) - 1
		val = 0.33*x + 0.67*val
		clipped := math.Max(-0.999, math.Min(0.999, val))
		fisher = 0.5*math.Log((1+clipped)/(1-clipped)) + 0.5*fisher
	}
	return fisher, true
}

// RangePercentile returns where the last close sits inside the window's
// [lowest low, highest high] range, as a 0-100 percentile.
func RangePercentile(candles []market.Candle, window int) (float64, bool) {
	upper, lower, ok := Donchian(candles, window)
	if !ok || upper == lower {
		return 0, false
	}
	last := candles[len(candles)-1].Close
	p := (last - lower) / (upper - lower) * 100
	return math.Max(0, math.Min(100, p)), true
}
