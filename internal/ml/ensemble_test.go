package ml

import (
	"math"
	"testing"

	"github.com/rs/zerolog"

	"otc-signal-bot/internal/features"
	"otc-signal-bot/internal/signal"
)

func bullishVector() []float64 {
	x := make([]float64, features.VectorSize)
	x[0] = 0.4  // price change
	x[3] = 0.3  // rsi above mid
	x[6] = 1    // macd crossover up
	x[10] = 1   // trend up
	x[13] = 1   // ema crossover up
	x[19] = 0.6 // bullish patterns
	x[22] = 1   // trending
	x[24] = 0.7 // buy pressure
	return x
}

func bearishVector() []float64 {
	x := make([]float64, features.VectorSize)
	x[0] = -0.4
	x[3] = -0.3
	x[6] = -1
	x[10] = -1
	x[13] = -1
	x[20] = 0.6
	x[22] = 1
	x[25] = 0.7
	return x
}

func TestUntrainedEnsembleIsNeutral(t *testing.T) {
	e := NewEnsemble(zerolog.Nop())
	v := e.Predict(bullishVector())
	if v.Direction != signal.DirectionNoTrade {
		t.Errorf("untrained direction = %s, want NO_TRADE", v.Direction)
	}
	if math.Abs(v.Probability-0.5) > 0.05 {
		t.Errorf("untrained probability = %f, want near 0.5", v.Probability)
	}
	if v.Confidence < 50 || v.Confidence > 92 {
		t.Errorf("confidence %f outside [50, 92]", v.Confidence)
	}
}

func TestLearningLoop(t *testing.T) {
	e := NewEnsemble(zerolog.Nop())
	x := bullishVector()
	for i := 0; i < 20; i++ {
		e.Update(x, true)
	}

	if acc := e.RollingAccuracy(); acc < 0.6 {
		t.Errorf("rolling accuracy = %f, want >= 0.6", acc)
	}
	if norm := e.WeightNorm(); norm > 10 {
		t.Errorf("logistic weight norm = %f, diverging", norm)
	}

	v := e.Predict(x)
	if v.Probability <= 0.5 {
		t.Errorf("probability = %f, want > 0.5 after consistent up outcomes", v.Probability)
	}
}

func TestOppositeVectorsSeparate(t *testing.T) {
	e := NewEnsemble(zerolog.Nop())
	up := bullishVector()
	down := bearishVector()
	for i := 0; i < 40; i++ {
		e.Update(up, true)
		e.Update(down, false)
	}

	pUp := e.Predict(up).Probability
	pDown := e.Predict(down).Probability
	if pUp <= pDown {
		t.Errorf("pUp=%f should exceed pDown=%f after separable training", pUp, pDown)
	}
	if pUp <= 0.55 {
		t.Errorf("pUp = %f, want clearly above 0.5", pUp)
	}
	if pDown >= 0.45 {
		t.Errorf("pDown = %f, want clearly below 0.5", pDown)
	}
}

func TestVerdictTiers(t *testing.T) {
	cases := []struct {
		conf float64
		want signal.Tier
	}{
		{85, signal.TierPremium},
		{82, signal.TierPremium},
		{75, signal.TierStandard},
		{60, signal.TierLow},
	}
	for _, tc := range cases {
		tier := signal.TierLow
		switch {
		case tc.conf >= 82:
			tier = signal.TierPremium
		case tc.conf >= 72:
			tier = signal.TierStandard
		}
		if tier != tc.want {
			t.Errorf("conf %f: tier = %s, want %s", tc.conf, tier, tc.want)
		}
	}
}

func TestLogisticBoundedUnderRepetition(t *testing.T) {
	m := newLogisticModel(features.VectorSize)
	x := bullishVector()
	for i := 0; i < 2000; i++ {
		m.update(x, 1)
	}
	if norm := m.weightNorm(); math.IsNaN(norm) || norm > 50 {
		t.Errorf("weight norm = %f after 2000 identical updates", norm)
	}
	if p := m.predict(x); p <= 0.9 {
		t.Errorf("predict = %f, want near 1 after saturating updates", p)
	}
}

func TestSigmoidClipping(t *testing.T) {
	if p := sigmoid(1e6); p != 1/(1+math.Exp(-500)) {
		t.Errorf("sigmoid overflow not clipped: %v", p)
	}
	if p := sigmoid(-1e6); p != 1/(1+math.Exp(500)) {
		t.Errorf("sigmoid underflow not clipped: %v", p)
	}
}

func TestKNNPrediction(t *testing.T) {
	m := &knnModel{}
	if p := m.predict(bullishVector()); p != 0.5 {
		t.Errorf("empty knn = %f, want 0.5", p)
	}
	for i := 0; i < 10; i++ {
		m.update(bullishVector(), 1)
		m.update(bearishVector(), 0)
	}
	if p := m.predict(bullishVector()); p < 0.8 {
		t.Errorf("knn near bullish cluster = %f, want high", p)
	}
	if p := m.predict(bearishVector()); p > 0.2 {
		t.Errorf("knn near bearish cluster = %f, want low", p)
	}
}

func TestKNNRingEviction(t *testing.T) {
	m := &knnModel{}
	for i := 0; i < knnRing+25; i++ {
		m.update(bullishVector(), 1)
	}
	if len(m.Samples) != knnRing {
		t.Errorf("ring size = %d, want %d", len(m.Samples), knnRing)
	}
}

func TestPatternMemoryDecayAndEviction(t *testing.T) {
	m := newPatternMemory()
	up := bullishVector()
	m.update(up, 1)
	key := signature(up)
	if _, ok := m.Buckets[key]; !ok {
		t.Fatal("bucket not created")
	}

	// Drown the bucket in updates for a different signature; decay
	// should eventually evict the original.
	down := bearishVector()
	for i := 0; i < 2000; i++ {
		m.update(down, 0)
	}
	if _, ok := m.Buckets[key]; ok {
		t.Error("stale bucket survived decay eviction")
	}
}

func TestSignatureStability(t *testing.T) {
	a := signature(bullishVector())
	b := signature(bullishVector())
	if a != b {
		t.Errorf("signature not deterministic: %s vs %s", a, b)
	}
	if len(a) != 6 {
		t.Errorf("signature %q length = %d, want 6", a, len(a))
	}
	if a == signature(bearishVector()) {
		t.Error("opposite vectors share a signature")
	}
}

func TestStumpRefit(t *testing.T) {
	b := newBoostedStumps(1)
	up := bullishVector()
	down := bearishVector()
	for i := 0; i < 25; i++ {
		b.update(up, 1)
		b.update(down, 0)
	}
	if len(b.Stumps) == 0 {
		t.Fatal("no stumps fitted after warm buffer")
	}
	if len(b.Stumps) > maxStumps {
		t.Errorf("stump count %d exceeds cap %d", len(b.Stumps), maxStumps)
	}
	if p := b.predict(up); p <= 0.5 {
		t.Errorf("stump predict(up) = %f, want > 0.5", p)
	}
	if p := b.predict(down); p >= 0.5 {
		t.Errorf("stump predict(down) = %f, want < 0.5", p)
	}
}

func TestCalibrationBlends(t *testing.T) {
	c := &calibrator{}
	// Raw 0.85 predictions that are only right 60% of the time should
	// be pulled down.
	for i := 0; i < 20; i++ {
		c.record(0.85, i%5 < 3)
	}
	p := c.calibrate(0.85)
	if p >= 0.85 {
		t.Errorf("calibrated = %f, want below overconfident raw 0.85", p)
	}
	if p < 0.5 {
		t.Errorf("calibrated = %f, fell through the midpoint", p)
	}
}

func TestCalibrationNeedsSamples(t *testing.T) {
	c := &calibrator{}
	c.record(0.85, true)
	if p := c.calibrate(0.85); p != 0.85 {
		t.Errorf("thin bucket should pass raw through, got %f", p)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	e := NewEnsemble(zerolog.Nop())
	x := bullishVector()
	for i := 0; i < 15; i++ {
		e.Update(x, true)
	}
	before := e.Predict(x)

	restored := NewEnsemble(zerolog.Nop())
	restored.Restore(e.Snapshot())
	after := restored.Predict(x)

	if math.Abs(before.Probability-after.Probability) > 1e-9 {
		t.Errorf("restored probability %f != original %f", after.Probability, before.Probability)
	}
	if restored.Updates() != e.Updates() {
		t.Errorf("restored updates %d != %d", restored.Updates(), e.Updates())
	}
	if math.Abs(restored.RollingAccuracy()-e.RollingAccuracy()) > 1e-9 {
		t.Error("rolling accuracy not restored")
	}
}

func TestSnapshotIndependentOfLaterUpdates(t *testing.T) {
	e := NewEnsemble(zerolog.Nop())
	x := bullishVector()
	for i := 0; i < 10; i++ {
		e.Update(x, true)
	}

	snap := e.Snapshot()
	samplesAt := snap.Logistic.Samples
	knnAt := len(snap.KNN.Samples)
	weightAt := snap.Logistic.Weights[0]
	bucketsAt := make(map[string]patternBucket, len(snap.Patterns.Buckets))
	for k, b := range snap.Patterns.Buckets {
		bucketsAt[k] = *b
	}

	for i := 0; i < 25; i++ {
		e.Update(x, i%2 == 0)
	}

	if snap.Logistic.Samples != samplesAt {
		t.Errorf("snapshot logistic samples moved: %d -> %d", samplesAt, snap.Logistic.Samples)
	}
	if snap.Logistic.Weights[0] != weightAt {
		t.Error("snapshot logistic weights alias the live model")
	}
	if len(snap.KNN.Samples) != knnAt {
		t.Errorf("snapshot knn ring moved: %d -> %d", knnAt, len(snap.KNN.Samples))
	}
	for k, want := range bucketsAt {
		got, ok := snap.Patterns.Buckets[k]
		if !ok || *got != want {
			t.Errorf("snapshot pattern bucket %q changed under live updates", k)
		}
	}

	// Mutation of the snapshot must not leak back either.
	snap.Logistic.Weights[0] = 99
	snap.Calibrator.Deciles[0].Total = 1e6
	if fresh := e.Snapshot(); fresh.Logistic.Weights[0] == 99 ||
		fresh.Calibrator.Deciles[0].Total == 1e6 {
		t.Error("snapshot mutation reached the live ensemble")
	}
}

func TestUpdateIgnoresEmptyVector(t *testing.T) {
	e := NewEnsemble(zerolog.Nop())
	e.Update(nil, true)
	if e.Updates() != 0 {
		t.Error("empty vector should not train")
	}
}
