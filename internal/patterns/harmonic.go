package patterns

import (
	"fmt"
	"math"

	"otc-signal-bot/internal/market"
)

// harmonicWindow caps the midpoint series used for pivot extraction.
const harmonicWindow = 45

// harmonicSpec is one XABCD harmonic definition over retracement ratios.
// AB is measured against XA, BC against AB, CD against BC and AD
// against XA; a zero ratio means the leg is unconstrained.
type harmonicSpec struct {
	name      string
	ab        float64
	bc        float64
	cd        float64
	ad        float64
	tolerance float64
	strength  float64
}

var harmonicSpecs = []harmonicSpec{
	{name: "gartley", ab: 0.618, bc: 0.618, cd: 0, ad: 0.786, tolerance: 0.05, strength: 1.8},
	{name: "butterfly", ab: 0.786, bc: 0.618, cd: 1.618, ad: 1.272, tolerance: 0.06, strength: 1.9},
	{name: "bat", ab: 0.50, bc: 0.618, cd: 1.618, ad: 0.886, tolerance: 0.05, strength: 1.7},
	{name: "crab", ab: 0.618, bc: 0.618, cd: 2.24, ad: 1.618, tolerance: 0.08, strength: 2.0},
	{name: "cypher", ab: 0.50, bc: 1.272, cd: 0, ad: 0.786, tolerance: 0.05, strength: 1.6},
}

// DetectHarmonic extracts the last five alternating pivots from candle
// midpoints and tests them against the XABCD ratio table.
func DetectHarmonic(candles []market.Candle) []Detection {
	var out []Detection
	if len(candles) < 30 {
		return out
	}
	window := candles
	if len(window) > harmonicWindow {
		window = window[len(window)-harmonicWindow:]
	}

	pivots := pivotSeries(market.Midpoints(window))
	if len(pivots) < 5 {
		return out
	}
	p := pivots[len(pivots)-5:]
	x, a, b, c, d := p[0], p[1], p[2], p[3], p[4]

	xa := a - x
	ab := b - a
	bc := c - b
	cd := d - c
	if xa == 0 || ab == 0 || bc == 0 {
		return out
	}

	abRatio := math.Abs(ab / xa)
	bcRatio := math.Abs(bc / ab)
	cdRatio := math.Abs(cd / bc)
	adRatio := math.Abs((d - a) / xa)

	for _, spec := range harmonicSpecs {
		if !ratioNear(abRatio, spec.ab, spec.tolerance) ||
			!ratioNear(bcRatio, spec.bc, spec.tolerance) ||
			!ratioNear(cdRatio, spec.cd, spec.tolerance) ||
			!ratioNear(adRatio, spec.ad, spec.tolerance) {
			continue
		}
		// Bullish when the D pivot completes below A, pointing back up.
		dir := Bearish
		if d < a {
			dir = Bullish
		}
		out = append(out, Detection{
			Name:      spec.name,
			Direction: dir,
			Strength:  spec.strength,
			Reason:    fmt.Sprintf("Harmonic %s completion at D", spec.name),
		})
	}
	return out
}

func ratioNear(got, want, tolerance float64) bool {
	if want == 0 {
		return true
	}
	return math.Abs(got-want) <= want*tolerance
}

// pivotSeries reduces a price series to alternating turning points.
// Consecutive same-direction moves are merged into one leg.
func pivotSeries(prices []float64) []float64 {
	if len(prices) < 3 {
		return nil
	}
	pivots := []float64{prices[0]}
	rising := prices[1] > prices[0]
	last := prices[1]
	for _, p := range prices[2:] {
		if p == last {
			continue
		}
		nowRising := p > last
		if nowRising != rising {
			pivots = append(pivots, last)
			rising = nowRising
		}
		last = p
	}
	pivots = append(pivots, last)
	return pivots
}
