package ml

import (
	"fmt"
	"math"
)

const (
	patternDecay    = 0.995
	patternEvictMin = 0.1
)

// Feature-vector positions the signature reads. These track the
// layout produced by the features package.
const (
	sigIdxRSI       = 3
	sigIdxMACDCross = 6
	sigIdxTrend     = 10
	sigIdxVolume    = 14
	sigIdxBullPat   = 19
	sigIdxBearPat   = 20
	sigIdxRanging   = 21
	sigIdxTrending  = 22
)

// patternBucket accumulates decayed win statistics for one signature.
type patternBucket struct {
	Wins  float64 `json:"wins"`
	Total float64 `json:"total"`
}

// patternMemory maps discretized market signatures to historical win
// rates. Buckets decay multiplicatively per update and are evicted
// once their mass falls under patternEvictMin.
type patternMemory struct {
	Buckets map[string]*patternBucket `json:"buckets"`
}

func newPatternMemory() *patternMemory {
	return &patternMemory{Buckets: make(map[string]*patternBucket)}
}

// signature discretizes a feature vector into a 6-symbol key: RSI
// zone, MACD crossover sign, trend sign, dominant pattern class,
// regime, and volume level.
func signature(x []float64) string {
	at := func(i int) float64 {
		if i < len(x) {
			return x[i]
		}
		return 0
	}

	rsiZone := "M"
	switch {
	case at(sigIdxRSI) < -0.4:
		rsiZone = "L"
	case at(sigIdxRSI) > 0.4:
		rsiZone = "H"
	}

	macd := signSymbol(at(sigIdxMACDCross))
	trend := signSymbol(at(sigIdxTrend))

	pat := "N"
	switch {
	case at(sigIdxBullPat) > at(sigIdxBearPat) && at(sigIdxBullPat) > 0.1:
		pat = "B"
	case at(sigIdxBearPat) > at(sigIdxBullPat) && at(sigIdxBearPat) > 0.1:
		pat = "S"
	}

	regime := "U"
	switch {
	case at(sigIdxTrending) > 0.5:
		regime = "T"
	case at(sigIdxRanging) > 0.5:
		regime = "R"
	}

	vol := "M"
	switch {
	case at(sigIdxVolume) < 0.25:
		vol = "L"
	case at(sigIdxVolume) > 0.6:
		vol = "H"
	}

	return fmt.Sprintf("%s%s%s%s%s%s", rsiZone, macd, trend, pat, regime, vol)
}

func signSymbol(v float64) string {
	switch {
	case v > 0:
		return "+"
	case v < 0:
		return "-"
	default:
		return "0"
	}
}

// clone returns an independent copy for snapshotting.
func (m *patternMemory) clone() *patternMemory {
	c := newPatternMemory()
	for k, b := range m.Buckets {
		cp := *b
		c.Buckets[k] = &cp
	}
	return c
}

// predict returns the bucket's decayed win rate, drifting to 0.5 for
// thin buckets.
func (m *patternMemory) predict(x []float64) float64 {
	b, ok := m.Buckets[signature(x)]
	if !ok || b.Total < 1 {
		return 0.5
	}
	rate := b.Wins / b.Total
	// Blend toward 0.5 until the bucket has real mass.
	conf := math.Min(1, b.Total/10)
	return 0.5 + (rate-0.5)*conf
}

// update decays every bucket, folds the outcome into the matching one
// and evicts buckets whose mass has decayed away.
func (m *patternMemory) update(x []float64, label float64) {
	for key, b := range m.Buckets {
		b.Wins *= patternDecay
		b.Total *= patternDecay
		if b.Total < patternEvictMin {
			delete(m.Buckets, key)
		}
	}

	key := signature(x)
	b, ok := m.Buckets[key]
	if !ok {
		b = &patternBucket{}
		m.Buckets[key] = b
	}
	b.Wins += label
	b.Total++
}
