package indicators

// Scalar is an indicator value that may be absent when the candle history
// is too short for the indicator's minimum window.
type Scalar struct {
	Value float64 `json:"value"`
	Valid bool    `json:"valid"`
}

func scalar(v float64) Scalar { return Scalar{Value: v, Valid: true} }

// MACDValue holds the MACD line, its signal line and the histogram.
type MACDValue struct {
	MACD      float64 `json:"macd"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
	Valid     bool    `json:"valid"`
}

// StochasticValue holds smoothed %K and %D.
type StochasticValue struct {
	K     float64 `json:"k"`
	D     float64 `json:"d"`
	Valid bool    `json:"valid"`
}

// BandsValue holds a three-line band set (Bollinger, Keltner).
type BandsValue struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
	Valid  bool    `json:"valid"`
}

// ChannelValue holds a two-line channel (Donchian, ATR bands).
type ChannelValue struct {
	Upper float64 `json:"upper"`
	Lower float64 `json:"lower"`
	Valid bool    `json:"valid"`
}

// SuperTrendValue holds the SuperTrend level and its direction.
type SuperTrendValue struct {
	Value     float64 `json:"value"`
	Direction string  `json:"direction"` // "up" or "down"
	Valid     bool    `json:"valid"`
}

// Values is the full indicator record computed from one candle array.
// Absent entries have Valid=false and must not be voted on.
type Values struct {
	EMA    map[int]Scalar `json:"ema"` // periods 5, 9, 12, 21, 50
	SMA    map[int]Scalar `json:"sma"` // periods 20, 50, 200
	HullMA Scalar         `json:"hull_ma"`

	MACD       MACDValue       `json:"macd"`
	RSI        Scalar          `json:"rsi"`
	Stochastic StochasticValue `json:"stochastic"`

	ATR       Scalar `json:"atr"`
	ADX       Scalar `json:"adx"`
	CCI       Scalar `json:"cci"`
	WilliamsR Scalar `json:"williams_r"`

	Bollinger BandsValue `json:"bollinger"`
	Keltner   BandsValue `json:"keltner"`

	SuperTrend SuperTrendValue `json:"supertrend"`

	ROC      Scalar `json:"roc"`
	Momentum Scalar `json:"momentum"`

	Donchian ChannelValue `json:"donchian"`
	PSAR     Scalar       `json:"psar"`
	OBV      Scalar       `json:"obv"`

	UltimateOsc     Scalar       `json:"ultimate_osc"`
	ZScore          Scalar       `json:"z_score"`
	RegressionSlope Scalar       `json:"regression_slope"`
	Fisher          Scalar       `json:"fisher"`
	ATRBands        ChannelValue `json:"atr_bands"`
	RangePercentile Scalar       `json:"range_percentile"`
	EMARibbon       Scalar       `json:"ema_ribbon"`
}

// EMAPeriods and SMAPeriods are the fixed period sets the engine computes.
var (
	EMAPeriods = []int{5, 9, 12, 21, 50}
	SMAPeriods = []int{20, 50, 200}
)
