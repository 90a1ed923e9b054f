// Package patterns detects candlestick, chart and harmonic formations
// in candle arrays. All detectors are pure and idempotent on the same
// input; detections carry a strength in [0.5, 2.5] scaled by match
// quality plus a human-readable reason.
package patterns

// Direction is a pattern's bias.
type Direction string

const (
	Bullish Direction = "bullish"
	Bearish Direction = "bearish"
	Neutral Direction = "neutral"
)

// Detection is a single matched pattern.
type Detection struct {
	Name      string    `json:"name"`
	Direction Direction `json:"direction"`
	Strength  float64   `json:"strength"` // 0.5 .. 2.5
	Reason    string    `json:"reason"`
}

// PsychologyAnalysis summarizes last-candle anatomy and the combined
// pattern read used by the brain's psychology votes.
type PsychologyAnalysis struct {
	BodyRatio             float64     `json:"body_ratio"`
	UpperWickRatio        float64     `json:"upper_wick_ratio"`
	LowerWickRatio        float64     `json:"lower_wick_ratio"`
	IsDoji                bool        `json:"is_doji"`
	Patterns              []Detection `json:"patterns"`
	Bias                  Direction   `json:"bias"`
	OrderBlockProbability float64     `json:"order_block_probability"` // 0..1
	FVGDetected           bool        `json:"fvg_detected"`
}

func clampStrength(s float64) float64 {
	if s < 0.5 {
		return 0.5
	}
	if s > 2.5 {
		return 2.5
	}
	return s
}
