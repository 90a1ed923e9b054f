package market

import "math"

// Tick is a single price observation for a symbol.
type Tick struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Epoch  int64   `json:"epoch"`
}

// Valid reports whether the tick can be folded into a candle.
// Zero, negative and non-finite prices are rejected.
func (t Tick) Valid() bool {
	return t.Price > 0 && !math.IsNaN(t.Price) && !math.IsInf(t.Price, 0)
}

// Candle is a fixed-duration OHLC summary. A closed candle is immutable;
// the forming candle is updated in place by the aggregator until its
// interval boundary is crossed.
type Candle struct {
	Symbol     string  `json:"symbol"`
	Timeframe  int64   `json:"timeframe"` // seconds
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	StartEpoch int64   `json:"start_epoch"`
	TickCount  int     `json:"tick_count"`
	IsForming  bool    `json:"is_forming"`
}

// Boundary returns the interval start for an epoch at the given timeframe.
func Boundary(epoch, timeframe int64) int64 {
	return (epoch / timeframe) * timeframe
}

// Body returns the absolute open/close distance.
func (c Candle) Body() float64 {
	return math.Abs(c.Close - c.Open)
}

// Range returns high minus low.
func (c Candle) Range() float64 {
	return c.High - c.Low
}

// UpperWick returns the distance from the body top to the high.
func (c Candle) UpperWick() float64 {
	return c.High - math.Max(c.Open, c.Close)
}

// LowerWick returns the distance from the body bottom to the low.
func (c Candle) LowerWick() float64 {
	return math.Min(c.Open, c.Close) - c.Low
}

// Midpoint returns (high+low)/2, the reference price for harmonic legs.
func (c Candle) Midpoint() float64 {
	return (c.High + c.Low) / 2
}

// IsBullish reports close above open.
func (c Candle) IsBullish() bool { return c.Close > c.Open }

// IsBearish reports close below open.
func (c Candle) IsBearish() bool { return c.Close < c.Open }

// EndEpoch returns the first epoch outside this candle's interval.
func (c Candle) EndEpoch() int64 {
	return c.StartEpoch + c.Timeframe
}

// Closes extracts the close series from a candle slice.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Midpoints extracts the (H+L)/2 series from a candle slice.
func Midpoints(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Midpoint()
	}
	return out
}
