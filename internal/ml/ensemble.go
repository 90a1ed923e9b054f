// Package ml is the adaptive online ensemble behind signal scoring:
// logistic regression, boosted stumps, kNN and a discrete pattern
// memory, blended and calibrated into one probability of the price
// going up.
package ml

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"otc-signal-bot/internal/features"
	"otc-signal-bot/internal/signal"
)

const (
	directionThreshold = 0.15
	rollingWindow      = 50
)

// Base blend weights, shifted toward the pattern memory when it holds
// a strong opinion.
var (
	baseWeights    = [4]float64{0.30, 0.30, 0.20, 0.20}
	patternWeights = [4]float64{0.25, 0.25, 0.15, 0.35}
)

// Verdict is one prediction with its derived trade reading.
type Verdict struct {
	Probability       float64          `json:"probability"` // calibrated P(up)
	RawProbability    float64          `json:"raw_probability"`
	DirectionStrength float64          `json:"direction_strength"`
	Direction         signal.Direction `json:"direction"`
	Confidence        float64          `json:"confidence"` // 50..92
	Tier              signal.Tier      `json:"tier"`
}

// Ensemble is the process-wide online learner. All mutation is
// serialized; predictions take a read lock.
type Ensemble struct {
	mu sync.RWMutex

	logistic *logisticModel
	stumps   *boostedStumps
	knn      *knnModel
	patterns *patternMemory
	calib    *calibrator

	recentHits []bool
	updates    int64

	logger zerolog.Logger
}

// NewEnsemble creates an untrained ensemble sized for the feature
// vector.
func NewEnsemble(logger zerolog.Logger) *Ensemble {
	return &Ensemble{
		logistic: newLogisticModel(features.VectorSize),
		stumps:   newBoostedStumps(time.Now().UnixNano()),
		knn:      &knnModel{},
		patterns: newPatternMemory(),
		calib:    &calibrator{},
		logger:   logger.With().Str("component", "MLEnsemble").Logger(),
	}
}

// Predict blends the four learners and calibrates the result.
func (e *Ensemble) Predict(x []float64) Verdict {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.predictLocked(x)
}

func (e *Ensemble) predictLocked(x []float64) Verdict {
	pl := e.logistic.predict(x)
	pb := e.stumps.predict(x)
	pk := e.knn.predict(x)
	pp := e.patterns.predict(x)

	w := baseWeights
	if math.Abs(pp-0.5) > 0.2 {
		w = patternWeights
	}
	raw := w[0]*pl + w[1]*pb + w[2]*pk + w[3]*pp
	p := e.calib.calibrate(raw)

	ds := 2 * math.Abs(p-0.5)
	dir := signal.DirectionNoTrade
	if ds > directionThreshold {
		if p > 0.5 {
			dir = signal.DirectionCall
		} else {
			dir = signal.DirectionPut
		}
	}

	conf := math.Round(50 + ds*42)
	if conf > 92 {
		conf = 92
	}
	if conf < 50 {
		conf = 50
	}

	tier := signal.TierLow
	switch {
	case conf >= 82:
		tier = signal.TierPremium
	case conf >= 72:
		tier = signal.TierStandard
	}

	return Verdict{
		Probability:       p,
		RawProbability:    raw,
		DirectionStrength: ds,
		Direction:         dir,
		Confidence:        conf,
		Tier:              tier,
	}
}

// Update trains every learner on a resolved outcome. wentUp is the
// realized price direction at expiry, independent of which side the
// signal took.
func (e *Ensemble) Update(x []float64, wentUp bool) {
	if len(x) == 0 {
		return
	}
	label := 0.0
	if wentUp {
		label = 1.0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pre := e.predictLocked(x)
	correct := (pre.RawProbability > 0.5) == wentUp
	e.calib.record(pre.RawProbability, correct)

	e.recentHits = append(e.recentHits, correct)
	if len(e.recentHits) > rollingWindow {
		e.recentHits = e.recentHits[1:]
	}

	e.logistic.update(x, label)
	e.stumps.update(x, label)
	e.knn.update(x, label)
	e.patterns.update(x, label)
	e.updates++

	if e.updates%25 == 0 {
		e.logger.Info().
			Int64("updates", e.updates).
			Float64("rolling_accuracy", e.rollingAccuracyLocked()).
			Float64("weight_norm", e.logistic.weightNorm()).
			Msg("Ensemble training progress")
	}
}

// RollingAccuracy is the directional hit rate over the last 50
// predictions that received an outcome.
func (e *Ensemble) RollingAccuracy() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rollingAccuracyLocked()
}

func (e *Ensemble) rollingAccuracyLocked() float64 {
	if len(e.recentHits) == 0 {
		return 0.5
	}
	hits := 0
	for _, h := range e.recentHits {
		if h {
			hits++
		}
	}
	return float64(hits) / float64(len(e.recentHits))
}

// Updates returns how many outcomes the ensemble has trained on.
func (e *Ensemble) Updates() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.updates
}

// WeightNorm exposes the logistic L2 norm for divergence monitoring.
func (e *Ensemble) WeightNorm() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.logistic.weightNorm()
}

// State is the snapshot-serializable ensemble state.
type State struct {
	Logistic   *logisticModel `json:"logistic"`
	Stumps     *boostedStumps `json:"stumps"`
	KNN        *knnModel      `json:"knn"`
	Patterns   *patternMemory `json:"patterns"`
	Calibrator *calibrator    `json:"calibrator"`
	RecentHits []bool         `json:"recent_hits"`
	Updates    int64          `json:"updates"`
}

// Snapshot deep-copies the full learner state for persistence. The
// copy shares nothing with the live models, so callers may serialize
// it while updates keep arriving.
func (e *Ensemble) Snapshot() State {
	e.mu.RLock()
	defer e.mu.RUnlock()

	hits := make([]bool, len(e.recentHits))
	copy(hits, e.recentHits)
	return State{
		Logistic:   e.logistic.clone(),
		Stumps:     e.stumps.clone(),
		KNN:        e.knn.clone(),
		Patterns:   e.patterns.clone(),
		Calibrator: e.calib.clone(),
		RecentHits: hits,
		Updates:    e.updates,
	}
}

// Restore replaces the learner state from a snapshot. Nil fields keep
// the current state.
func (e *Ensemble) Restore(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s.Logistic != nil {
		e.logistic = s.Logistic
	}
	if s.Stumps != nil {
		s.Stumps.rng = newBoostedStumps(time.Now().UnixNano()).rng
		e.stumps = s.Stumps
	}
	if s.KNN != nil {
		e.knn = s.KNN
	}
	if s.Patterns != nil {
		if s.Patterns.Buckets == nil {
			s.Patterns.Buckets = make(map[string]*patternBucket)
		}
		e.patterns = s.Patterns
	}
	if s.Calibrator != nil {
		e.calib = s.Calibrator
	}
	e.recentHits = s.RecentHits
	e.updates = s.Updates
	e.logger.Info().Int64("updates", e.updates).Msg("Ensemble state restored")
}
