package ml

const (
	calibrationBuckets = 10
	calibrationDecay   = 0.995
	calibrationMinObs  = 5
	calibrationRawMix  = 0.6
)

// calibrationBucket tracks decayed directional hit rates for one
// probability decile.
type calibrationBucket struct {
	Correct float64 `json:"correct"`
	Total   float64 `json:"total"`
}

// calibrator blends raw ensemble probabilities with the empirical hit
// rate of their decile, pulling overconfident outputs toward observed
// reality.
type calibrator struct {
	Deciles [calibrationBuckets]calibrationBucket `json:"deciles"`
}

func bucketIndex(p float64) int {
	idx := int(p * calibrationBuckets)
	if idx >= calibrationBuckets {
		idx = calibrationBuckets - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

// clone returns an independent copy for snapshotting. Deciles is an
// array value, so a shallow copy is a full copy.
func (c *calibrator) clone() *calibrator {
	cp := *c
	return &cp
}

// calibrate returns 0.6*raw + 0.4*empirical once the decile has
// enough observations, otherwise the raw probability.
func (c *calibrator) calibrate(raw float64) float64 {
	b := c.Deciles[bucketIndex(raw)]
	if b.Total < calibrationMinObs {
		return raw
	}
	hitRate := b.Correct / b.Total

	// The empirical rate measures directional correctness. Map it back
	// onto the probability side of 0.5 the raw value sits on.
	empirical := hitRate
	if raw < 0.5 {
		empirical = 1 - hitRate
	}
	return calibrationRawMix*raw + (1-calibrationRawMix)*empirical
}

// record registers whether the prediction in this decile was
// directionally correct, with decay on the bucket.
func (c *calibrator) record(raw float64, correct bool) {
	b := &c.Deciles[bucketIndex(raw)]
	b.Correct *= calibrationDecay
	b.Total *= calibrationDecay
	if correct {
		b.Correct++
	}
	b.Total++
}
