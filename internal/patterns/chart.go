package patterns

import (
	"math"

	"otc-signal-bot/internal/market"
)

// chartWindow is the lookback used for multi-candle structures.
const chartWindow = 50

// DetectChart scans a 20-50 candle window for multi-candle structures:
// double tops/bottoms, head and shoulders, triangles, flags and wedges.
func DetectChart(candles []market.Candle) []Detection {
	var out []Detection
	if len(candles) < 20 {
		return out
	}
	window := candles
	if len(window) > chartWindow {
		window = window[len(window)-chartWindow:]
	}

	highs, lows := swingPoints(window)

	if d, ok := doubleTop(window, highs); ok {
		out = append(out, d)
	}
	if d, ok := doubleBottom(window, lows); ok {
		out = append(out, d)
	}
	if d, ok := headAndShoulders(window, highs); ok {
		out = append(out, d)
	}
	if d, ok := inverseHeadAndShoulders(window, lows); ok {
		out = append(out, d)
	}
	if d, ok := triangle(window); ok {
		out = append(out, d)
	}
	if d, ok := flag(window); ok {
		out = append(out, d)
	}
	if d, ok := wedge(window); ok {
		out = append(out, d)
	}
	return out
}

// swingPoint is a local extreme in the window.
type swingPoint struct {
	index int
	price float64
}

// swingPoints finds local highs and lows with a 2-candle shoulder on
// each side.
func swingPoints(c []market.Candle) (highs, lows []swingPoint) {
	for i := 2; i < len(c)-2; i++ {
		if c[i].High > c[i-1].High && c[i].High > c[i-2].High &&
			c[i].High > c[i+1].High && c[i].High > c[i+2].High {
			highs = append(highs, swingPoint{i, c[i].High})
		}
		if c[i].Low < c[i-1].Low && c[i].Low < c[i-2].Low &&
			c[i].Low < c[i+1].Low && c[i].Low < c[i+2].Low {
			lows = append(lows, swingPoint{i, c[i].Low})
		}
	}
	return highs, lows
}

func within(a, b, tolerance float64) bool {
	if a == 0 {
		return false
	}
	return math.Abs(a-b)/math.Abs(a) <= tolerance
}

// doubleTop matches two swing highs within 1% with a trough between
// them, current price below the second peak.
func doubleTop(c []market.Candle, highs []swingPoint) (Detection, bool) {
	if len(highs) < 2 {
		return Detection{}, false
	}
	p1, p2 := highs[len(highs)-2], highs[len(highs)-1]
	if !within(p1.price, p2.price, 0.01) || p2.index-p1.index < 3 {
		return Detection{}, false
	}
	last := c[len(c)-1].Close
	if last >= p2.price {
		return Detection{}, false
	}
	return Detection{Name: "double_top", Direction: Bearish, Strength: 1.6,
		Reason: "Double top, matched peaks"}, true
}

// doubleBottom is the bullish mirror of doubleTop.
func doubleBottom(c []market.Candle, lows []swingPoint) (Detection, bool) {
	if len(lows) < 2 {
		return Detection{}, false
	}
	p1, p2 := lows[len(lows)-2], lows[len(lows)-1]
	if !within(p1.price, p2.price, 0.01) || p2.index-p1.index < 3 {
		return Detection{}, false
	}
	last := c[len(c)-1].Close
	if last <= p2.price {
		return Detection{}, false
	}
	return Detection{Name: "double_bottom", Direction: Bullish, Strength: 1.6,
		Reason: "Double bottom, matched troughs"}, true
}

// headAndShoulders matches three swing highs where the middle peak is
// the highest and the shoulders match within 5%.
func headAndShoulders(c []market.Candle, highs []swingPoint) (Detection, bool) {
	if len(highs) < 3 {
		return Detection{}, false
	}
	l := highs[len(highs)-3]
	h := highs[len(highs)-2]
	r := highs[len(highs)-1]
	if h.price <= l.price || h.price <= r.price || !within(l.price, r.price, 0.05) {
		return Detection{}, false
	}
	if c[len(c)-1].Close >= r.price {
		return Detection{}, false
	}
	return Detection{Name: "head_and_shoulders", Direction: Bearish, Strength: 2.0,
		Reason: "Head and shoulders top"}, true
}

// inverseHeadAndShoulders is the bullish mirror.
func inverseHeadAndShoulders(c []market.Candle, lows []swingPoint) (Detection, bool) {
	if len(lows) < 3 {
		return Detection{}, false
	}
	l := lows[len(lows)-3]
	h := lows[len(lows)-2]
	r := lows[len(lows)-1]
	if h.price >= l.price || h.price >= r.price || !within(l.price, r.price, 0.05) {
		return Detection{}, false
	}
	if c[len(c)-1].Close <= r.price {
		return Detection{}, false
	}
	return Detection{Name: "inverse_head_and_shoulders", Direction: Bullish, Strength: 2.0,
		Reason: "Inverse head and shoulders"}, true
}

// halfSlopes splits the window and compares the high/low envelope slope
// of each half, used by triangle and wedge detection.
func halfSlopes(c []market.Candle) (hiFirst, hiSecond, loFirst, loSecond float64) {
	half := len(c) / 2
	env := func(part []market.Candle) (hi, lo float64) {
		hi, lo = part[0].High, part[0].Low
		for _, x := range part[1:] {
			if x.High > hi {
				hi = x.High
			}
			if x.Low < lo {
				lo = x.Low
			}
		}
		return hi, lo
	}
	h1, l1 := env(c[:half])
	h2, l2 := env(c[half:])
	return h1, h2, l1, l2
}

// triangle matches converging envelopes: ascending (flat top, rising
// lows), descending (flat bottom, falling highs) or symmetrical.
func triangle(c []market.Candle) (Detection, bool) {
	h1, h2, l1, l2 := halfSlopes(c)
	flatTop := within(h1, h2, 0.005)
	flatBottom := within(l1, l2, 0.005)
	risingLows := l2 > l1 && !within(l1, l2, 0.005)
	fallingHighs := h2 < h1 && !within(h1, h2, 0.005)

	switch {
	case flatTop && risingLows:
		return Detection{Name: "ascending_triangle", Direction: Bullish, Strength: 1.4,
			Reason: "Ascending triangle, rising lows into flat resistance"}, true
	case flatBottom && fallingHighs:
		return Detection{Name: "descending_triangle", Direction: Bearish, Strength: 1.4,
			Reason: "Descending triangle, falling highs into flat support"}, true
	case risingLows && fallingHighs:
		dir := Neutral
		if c[len(c)-1].IsBullish() {
			dir = Bullish
		} else if c[len(c)-1].IsBearish() {
			dir = Bearish
		}
		return Detection{Name: "symmetrical_triangle", Direction: dir, Strength: 1.0,
			Reason: "Symmetrical triangle compression"}, true
	}
	return Detection{}, false
}

// flag matches a strong directional pole (>=2% move) followed by a
// shallow consolidation under half the pole's height.
func flag(c []market.Candle) (Detection, bool) {
	if len(c) < 12 {
		return Detection{}, false
	}
	poleLen := len(c) * 2 / 5
	pole := c[:poleLen]
	rest := c[poleLen:]

	poleMove := pole[len(pole)-1].Close - pole[0].Open
	if pole[0].Open == 0 || math.Abs(poleMove)/pole[0].Open < 0.02 {
		return Detection{}, false
	}

	hi, lo := rest[0].High, rest[0].Low
	for _, x := range rest[1:] {
		if x.High > hi {
			hi = x.High
		}
		if x.Low < lo {
			lo = x.Low
		}
	}
	if hi-lo >= math.Abs(poleMove)*0.5 {
		return Detection{}, false
	}

	if poleMove > 0 {
		return Detection{Name: "bull_flag", Direction: Bullish, Strength: 1.5,
			Reason: "Bull flag, tight consolidation after pole"}, true
	}
	return Detection{Name: "bear_flag", Direction: Bearish, Strength: 1.5,
		Reason: "Bear flag, tight consolidation after pole"}, true
}

// wedge matches converging envelopes that both slope the same way. A
// rising wedge reads bearish and a falling wedge reads bullish.
func wedge(c []market.Candle) (Detection, bool) {
	h1, h2, l1, l2 := halfSlopes(c)
	if h1 == 0 || l1 == 0 {
		return Detection{}, false
	}
	spread1 := h1 - l1
	spread2 := h2 - l2
	if spread2 >= spread1*0.8 {
		return Detection{}, false
	}

	if h2 > h1 && l2 > l1 {
		return Detection{Name: "rising_wedge", Direction: Bearish, Strength: 1.3,
			Reason: "Rising wedge, narrowing upward channel"}, true
	}
	if h2 < h1 && l2 < l1 {
		return Detection{Name: "falling_wedge", Direction: Bullish, Strength: 1.3,
			Reason: "Falling wedge, narrowing downward channel"}, true
	}
	return Detection{}, false
}
