package ml

import (
	"math"
	"math/rand"
	"sort"
)

const (
	maxStumps       = 15
	stumpRefitEvery = 10
	stumpMinBuffer  = 30
	stumpBufferCap  = 200
	stumpFeatures   = 10
	stumpThresholds = 5
	stumpLeafNudge  = 0.01
	stumpShrinkage  = 0.3
)

// stump is one decision split contributing its leaf value to the
// boosted sum.
type stump struct {
	FeatureIdx int     `json:"feature_idx"`
	Threshold  float64 `json:"threshold"`
	LeftValue  float64 `json:"left_value"`
	RightValue float64 `json:"right_value"`
}

func (s *stump) predict(x []float64) float64 {
	if s.FeatureIdx >= len(x) || x[s.FeatureIdx] <= s.Threshold {
		return s.LeftValue
	}
	return s.RightValue
}

// boostedStumps keeps a sample buffer and refits the stump chain by
// greedy residual minimization every stumpRefitEvery samples once the
// buffer is warm. Between refits leaf values get small online nudges.
type boostedStumps struct {
	Stumps     []stump     `json:"stumps"`
	BufferX    [][]float64 `json:"buffer_x"`
	BufferY    []float64   `json:"buffer_y"`
	SinceRefit int         `json:"since_refit"`

	rng *rand.Rand
}

func newBoostedStumps(seed int64) *boostedStumps {
	return &boostedStumps{rng: rand.New(rand.NewSource(seed))}
}

// clone returns an independent copy for snapshotting. The rng is not
// carried; Restore reseeds it.
func (b *boostedStumps) clone() *boostedStumps {
	c := &boostedStumps{
		Stumps:     append([]stump(nil), b.Stumps...),
		BufferY:    append([]float64(nil), b.BufferY...),
		SinceRefit: b.SinceRefit,
	}
	if b.BufferX != nil {
		c.BufferX = make([][]float64, len(b.BufferX))
		for i, x := range b.BufferX {
			c.BufferX[i] = append([]float64(nil), x...)
		}
	}
	return c
}

func (b *boostedStumps) predict(x []float64) float64 {
	p := 0.5
	for i := range b.Stumps {
		p += b.Stumps[i].predict(x)
	}
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

func (b *boostedStumps) update(x []float64, label float64) {
	xc := make([]float64, len(x))
	copy(xc, x)
	b.BufferX = append(b.BufferX, xc)
	b.BufferY = append(b.BufferY, label)
	if len(b.BufferX) > stumpBufferCap {
		b.BufferX = b.BufferX[1:]
		b.BufferY = b.BufferY[1:]
	}

	// Online correction between refits: nudge the selected leaf of
	// each stump toward the residual.
	err := label - b.predict(x)
	for i := range b.Stumps {
		s := &b.Stumps[i]
		if s.FeatureIdx < len(x) && x[s.FeatureIdx] <= s.Threshold {
			s.LeftValue += stumpLeafNudge * err
		} else {
			s.RightValue += stumpLeafNudge * err
		}
	}

	b.SinceRefit++
	if len(b.BufferX) >= stumpMinBuffer && b.SinceRefit >= stumpRefitEvery {
		b.refit()
		b.SinceRefit = 0
	}
}

// refit rebuilds the stump chain from the buffer: each round fits one
// stump to the residuals over a random feature subset with quantile
// candidate thresholds.
func (b *boostedStumps) refit() {
	n := len(b.BufferX)
	residuals := make([]float64, n)
	for i := range residuals {
		residuals[i] = b.BufferY[i] - 0.5
	}

	dim := len(b.BufferX[0])
	b.Stumps = b.Stumps[:0]
	for round := 0; round < maxStumps; round++ {
		best, ok := b.fitOne(residuals, dim)
		if !ok {
			break
		}
		best.LeftValue *= stumpShrinkage
		best.RightValue *= stumpShrinkage
		b.Stumps = append(b.Stumps, best)
		for i := range residuals {
			residuals[i] -= best.predict(b.BufferX[i])
		}
	}
}

func (b *boostedStumps) fitOne(residuals []float64, dim int) (stump, bool) {
	n := len(b.BufferX)
	bestSSE := math.Inf(1)
	var best stump
	found := false

	feats := b.rng.Perm(dim)
	if len(feats) > stumpFeatures {
		feats = feats[:stumpFeatures]
	}

	for _, f := range feats {
		vals := make([]float64, n)
		for i := range vals {
			vals[i] = b.BufferX[i][f]
		}
		sort.Float64s(vals)

		for q := 1; q <= stumpThresholds; q++ {
			thr := vals[n*q/(stumpThresholds+1)]
			var leftSum, rightSum float64
			var leftN, rightN int
			for i := 0; i < n; i++ {
				if b.BufferX[i][f] <= thr {
					leftSum += residuals[i]
					leftN++
				} else {
					rightSum += residuals[i]
					rightN++
				}
			}
			if leftN == 0 || rightN == 0 {
				continue
			}
			leftMean := leftSum / float64(leftN)
			rightMean := rightSum / float64(rightN)

			var sse float64
			for i := 0; i < n; i++ {
				var r float64
				if b.BufferX[i][f] <= thr {
					r = residuals[i] - leftMean
				} else {
					r = residuals[i] - rightMean
				}
				sse += r * r
			}
			if sse < bestSSE {
				bestSSE = sse
				best = stump{FeatureIdx: f, Threshold: thr, LeftValue: leftMean, RightValue: rightMean}
				found = true
			}
		}
	}
	return best, found
}
