package patterns

import (
	"fmt"
	"math"

	"otc-signal-bot/internal/market"
)

// DetectCandlestick scans the tail of the candle array (1-5 candles) for
// candlestick formations.
func DetectCandlestick(candles []market.Candle) []Detection {
	var out []Detection
	n := len(candles)
	if n == 0 {
		return out
	}

	last := candles[n-1]
	var prev, prev2 *market.Candle
	if n >= 2 {
		prev = &candles[n-2]
	}
	if n >= 3 {
		prev2 = &candles[n-3]
	}

	if prev != nil {
		if d, ok := engulfing(*prev, last); ok {
			out = append(out, d)
		}
		if d, ok := harami(*prev, last); ok {
			out = append(out, d)
		}
		if d, ok := insideBar(*prev, last); ok {
			out = append(out, d)
		}
		if d, ok := outsideBar(*prev, last); ok {
			out = append(out, d)
		}
		if d, ok := tweezer(*prev, last); ok {
			out = append(out, d)
		}
		if d, ok := piercingLine(*prev, last); ok {
			out = append(out, d)
		}
		if d, ok := darkCloudCover(*prev, last); ok {
			out = append(out, d)
		}
	}

	if d, ok := wickCandle(last, prev); ok {
		out = append(out, d)
	}
	if d, ok := doji(last); ok {
		out = append(out, d)
	}
	if d, ok := wickRejection(last); ok {
		out = append(out, d)
	}

	if prev2 != nil {
		if d, ok := star(*prev2, *prev, last); ok {
			out = append(out, d)
		}
		if d, ok := threeSoldiersOrCrows(*prev2, *prev, last); ok {
			out = append(out, d)
		}
	}

	if n >= 5 {
		if d, ok := threeMethods(candles[n-5:]); ok {
			out = append(out, d)
		}
	}

	return out
}

// engulfing matches bullish/bearish engulfing: direction flip, body ratio
// above 1.2 and full price containment of the previous body.
func engulfing(prev, last market.Candle) (Detection, bool) {
	if prev.Body() == 0 {
		return Detection{}, false
	}
	ratio := last.Body() / prev.Body()
	if ratio <= 1.2 {
		return Detection{}, false
	}

	bodyHi := math.Max(last.Open, last.Close)
	bodyLo := math.Min(last.Open, last.Close)
	prevHi := math.Max(prev.Open, prev.Close)
	prevLo := math.Min(prev.Open, prev.Close)
	if bodyHi < prevHi || bodyLo > prevLo {
		return Detection{}, false
	}

	strength := clampStrength(0.8 + (ratio-1.2)*0.8)
	if prev.IsBearish() && last.IsBullish() {
		return Detection{
			Name:      "bullish_engulfing",
			Direction: Bullish,
			Strength:  strength,
			Reason:    fmt.Sprintf("Bullish engulfing, body %.1fx previous", ratio),
		}, true
	}
	if prev.IsBullish() && last.IsBearish() {
		return Detection{
			Name:      "bearish_engulfing",
			Direction: Bearish,
			Strength:  strength,
			Reason:    fmt.Sprintf("Bearish engulfing, body %.1fx previous", ratio),
		}, true
	}
	return Detection{}, false
}

// wickCandle matches the hammer family: dominant wick at least 0.6 of
// range and 2x the body, body under 0.4 of range. Context (previous
// candle direction) picks the bullish or bearish reading.
func wickCandle(last market.Candle, prev *market.Candle) (Detection, bool) {
	rng := last.Range()
	if rng == 0 {
		return Detection{}, false
	}
	body := last.Body()
	upper := last.UpperWick()
	lower := last.LowerWick()
	if body >= rng*0.4 {
		return Detection{}, false
	}

	afterDown := prev != nil && prev.IsBearish()
	afterUp := prev != nil && prev.IsBullish()

	if lower >= rng*0.6 && lower >= body*2 {
		strength := clampStrength(0.7 + lower/rng)
		if afterUp {
			return Detection{Name: "hanging_man", Direction: Bearish, Strength: strength,
				Reason: "Hanging man after up move"}, true
		}
		return Detection{Name: "hammer", Direction: Bullish, Strength: strength,
			Reason: "Hammer with dominant lower wick"}, true
	}
	if upper >= rng*0.6 && upper >= body*2 {
		strength := clampStrength(0.7 + upper/rng)
		if afterDown {
			return Detection{Name: "inverted_hammer", Direction: Bullish, Strength: strength,
				Reason: "Inverted hammer after down move"}, true
		}
		return Detection{Name: "shooting_star", Direction: Bearish, Strength: strength,
			Reason: "Shooting star with dominant upper wick"}, true
	}
	return Detection{}, false
}

// doji matches a body under 0.1 of range, with long-legged, gravestone
// and dragonfly sub-classification.
func doji(last market.Candle) (Detection, bool) {
	rng := last.Range()
	if rng == 0 || last.Body() >= rng*0.1 {
		return Detection{}, false
	}
	upper := last.UpperWick()
	lower := last.LowerWick()

	name := "doji"
	dir := Neutral
	reason := "Doji, indecision"
	switch {
	case upper >= rng*0.6:
		name, dir, reason = "gravestone_doji", Bearish, "Gravestone doji, sellers rejected highs"
	case lower >= rng*0.6:
		name, dir, reason = "dragonfly_doji", Bullish, "Dragonfly doji, buyers rejected lows"
	case upper >= rng*0.3 && lower >= rng*0.3:
		name, reason = "long_legged_doji", "Long-legged doji, heavy two-way flow"
	}
	return Detection{Name: name, Direction: dir, Strength: 0.6, Reason: reason}, true
}

// star matches morning and evening star three-candle reversals.
func star(c1, c2, c3 market.Candle) (Detection, bool) {
	if c1.Range() == 0 || c3.Range() == 0 {
		return Detection{}, false
	}
	body1 := c1.Body()
	if body1 < c1.Range()*0.5 || c2.Body() > body1*0.4 || c3.Body() < c3.Range()*0.5 {
		return Detection{}, false
	}
	midpoint := (c1.Open + c1.Close) / 2

	if c1.IsBearish() && c3.IsBullish() && c3.Close > midpoint {
		return Detection{Name: "morning_star", Direction: Bullish,
			Strength: clampStrength(1.0 + c3.Body()/body1*0.5),
			Reason:   "Morning star reversal"}, true
	}
	if c1.IsBullish() && c3.IsBearish() && c3.Close < midpoint {
		return Detection{Name: "evening_star", Direction: Bearish,
			Strength: clampStrength(1.0 + c3.Body()/body1*0.5),
			Reason:   "Evening star reversal"}, true
	}
	return Detection{}, false
}

// threeSoldiersOrCrows matches three consecutive strong candles in one
// direction with progressively higher (lower) closes.
func threeSoldiersOrCrows(c1, c2, c3 market.Candle) (Detection, bool) {
	strong := func(c market.Candle) bool { return c.Range() > 0 && c.Body() >= c.Range()*0.6 }
	if !strong(c1) || !strong(c2) || !strong(c3) {
		return Detection{}, false
	}
	if c1.IsBullish() && c2.IsBullish() && c3.IsBullish() &&
		c2.Close > c1.Close && c3.Close > c2.Close {
		return Detection{Name: "three_white_soldiers", Direction: Bullish, Strength: 1.8,
			Reason: "Three white soldiers"}, true
	}
	if c1.IsBearish() && c2.IsBearish() && c3.IsBearish() &&
		c2.Close < c1.Close && c3.Close < c2.Close {
		return Detection{Name: "three_black_crows", Direction: Bearish, Strength: 1.8,
			Reason: "Three black crows"}, true
	}
	return Detection{}, false
}

// insideBar matches a candle fully contained in the previous range.
func insideBar(prev, last market.Candle) (Detection, bool) {
	if last.High < prev.High && last.Low > prev.Low {
		dir := Neutral
		if last.IsBullish() {
			dir = Bullish
		} else if last.IsBearish() {
			dir = Bearish
		}
		return Detection{Name: "inside_bar", Direction: dir, Strength: 0.5,
			Reason: "Inside bar compression"}, true
	}
	return Detection{}, false
}

// outsideBar matches a candle engulfing the previous full range.
func outsideBar(prev, last market.Candle) (Detection, bool) {
	if last.High > prev.High && last.Low < prev.Low {
		dir := Neutral
		if last.IsBullish() {
			dir = Bullish
		} else if last.IsBearish() {
			dir = Bearish
		}
		return Detection{Name: "outside_bar", Direction: dir, Strength: 1.0,
			Reason: "Outside bar expansion"}, true
	}
	return Detection{}, false
}

// tweezer matches matched highs (top) or matched lows (bottom) within
// 0.1% of price.
func tweezer(prev, last market.Candle) (Detection, bool) {
	tol := last.Close * 0.001
	if math.Abs(prev.High-last.High) <= tol && prev.IsBullish() && last.IsBearish() {
		return Detection{Name: "tweezer_top", Direction: Bearish, Strength: 1.1,
			Reason: "Tweezer top, matched highs"}, true
	}
	if math.Abs(prev.Low-last.Low) <= tol && prev.IsBearish() && last.IsBullish() {
		return Detection{Name: "tweezer_bottom", Direction: Bullish, Strength: 1.1,
			Reason: "Tweezer bottom, matched lows"}, true
	}
	return Detection{}, false
}

// piercingLine matches a bullish candle opening below the previous low
// region and closing above the previous body midpoint.
func piercingLine(prev, last market.Candle) (Detection, bool) {
	if !prev.IsBearish() || !last.IsBullish() {
		return Detection{}, false
	}
	midpoint := (prev.Open + prev.Close) / 2
	if last.Open < prev.Close && last.Close > midpoint && last.Close < prev.Open {
		return Detection{Name: "piercing_line", Direction: Bullish, Strength: 1.2,
			Reason: "Piercing line into prior body"}, true
	}
	return Detection{}, false
}

// darkCloudCover is the bearish mirror of the piercing line.
func darkCloudCover(prev, last market.Candle) (Detection, bool) {
	if !prev.IsBullish() || !last.IsBearish() {
		return Detection{}, false
	}
	midpoint := (prev.Open + prev.Close) / 2
	if last.Open > prev.Close && last.Close < midpoint && last.Close > prev.Open {
		return Detection{Name: "dark_cloud_cover", Direction: Bearish, Strength: 1.2,
			Reason: "Dark cloud cover into prior body"}, true
	}
	return Detection{}, false
}

// harami matches a small opposite-direction body inside the previous
// large body.
func harami(prev, last market.Candle) (Detection, bool) {
	if prev.Body() == 0 || last.Body() > prev.Body()*0.6 {
		return Detection{}, false
	}
	bodyHi := math.Max(last.Open, last.Close)
	bodyLo := math.Min(last.Open, last.Close)
	prevHi := math.Max(prev.Open, prev.Close)
	prevLo := math.Min(prev.Open, prev.Close)
	if bodyHi >= prevHi || bodyLo <= prevLo {
		return Detection{}, false
	}
	if prev.IsBearish() && last.IsBullish() {
		return Detection{Name: "bullish_harami", Direction: Bullish, Strength: 0.9,
			Reason: "Bullish harami"}, true
	}
	if prev.IsBullish() && last.IsBearish() {
		return Detection{Name: "bearish_harami", Direction: Bearish, Strength: 0.9,
			Reason: "Bearish harami"}, true
	}
	return Detection{}, false
}

// threeMethods matches rising/falling three methods over five candles: a
// strong candle, three small counter-candles inside its range, and a
// strong continuation.
func threeMethods(c []market.Candle) (Detection, bool) {
	first, last := c[0], c[4]
	if first.Range() == 0 || first.Body() < first.Range()*0.5 || last.Body() < last.Range()*0.5 {
		return Detection{}, false
	}
	inside := func(x market.Candle) bool {
		return x.High <= first.High && x.Low >= first.Low && x.Body() < first.Body()*0.5
	}
	if !inside(c[1]) || !inside(c[2]) || !inside(c[3]) {
		return Detection{}, false
	}
	if first.IsBullish() && last.IsBullish() && last.Close > first.Close {
		return Detection{Name: "rising_three_methods", Direction: Bullish, Strength: 1.5,
			Reason: "Rising three methods continuation"}, true
	}
	if first.IsBearish() && last.IsBearish() && last.Close < first.Close {
		return Detection{Name: "falling_three_methods", Direction: Bearish, Strength: 1.5,
			Reason: "Falling three methods continuation"}, true
	}
	return Detection{}, false
}

// wickRejection matches a dominant single wick without the full hammer
// anatomy: the market probed one side and got pushed back.
func wickRejection(last market.Candle) (Detection, bool) {
	rng := last.Range()
	if rng == 0 {
		return Detection{}, false
	}
	upper := last.UpperWick()
	lower := last.LowerWick()
	body := last.Body()
	if body >= rng*0.4 || body == 0 {
		return Detection{}, false
	}

	if upper > lower*2 && upper >= body*1.5 && upper < rng*0.6 {
		return Detection{Name: "upper_wick_rejection", Direction: Bearish,
			Strength: clampStrength(0.5 + upper/rng), Reason: "Upper wick rejection"}, true
	}
	if lower > upper*2 && lower >= body*1.5 && lower < rng*0.6 {
		return Detection{Name: "lower_wick_rejection", Direction: Bullish,
			Strength: clampStrength(0.5 + lower/rng), Reason: "Lower wick rejection"}, true
	}
	return Detection{}, false
}
