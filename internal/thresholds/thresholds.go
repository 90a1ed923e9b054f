// Package thresholds adapts the signal admission gates to the live
// win/loss stream: losing stretches tighten the gates, sustained
// winning relaxes them back toward the base set.
package thresholds

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Set is one complete gate configuration.
type Set struct {
	MinConfidence        float64 `json:"min_confidence"`
	MaxConflictRatio     float64 `json:"max_conflict_ratio"`
	MinTrendStrength     float64 `json:"min_trend_strength"`
	MinAlignedIndicators int     `json:"min_aligned_indicators"`
}

// BaseSet is the untightened default gate configuration.
func BaseSet() Set {
	return Set{
		MinConfidence:        72,
		MaxConflictRatio:     0.32,
		MinTrendStrength:     0.42,
		MinAlignedIndicators: 4,
	}
}

type outcome struct {
	Won        bool    `json:"won"`
	Confidence float64 `json:"confidence"`
	Epoch      int64   `json:"epoch"`
}

const (
	windowCap      = 30
	windowMaxAge   = 2 * time.Hour
	adjustCooldown = 5 * time.Minute
	minSamples     = 10
)

// Adaptive is the process-wide threshold state. All access is
// serialized internally.
type Adaptive struct {
	mu sync.RWMutex

	base    Set
	current Set
	window  []outcome

	lossStreak int
	lastAdjust time.Time

	logger zerolog.Logger
	now    func() time.Time
}

// NewAdaptive creates threshold state at the base configuration.
func NewAdaptive(logger zerolog.Logger) *Adaptive {
	return &Adaptive{
		base:    BaseSet(),
		current: BaseSet(),
		logger:  logger.With().Str("component", "AdaptiveThresholds").Logger(),
		now:     time.Now,
	}
}

// Current returns a copy of the active gate set.
func (a *Adaptive) Current() Set {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// RecordOutcome folds a resolved signal into the window and runs the
// adjustment rules when enough evidence has accumulated.
func (a *Adaptive) RecordOutcome(won bool, confidence float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.window = append(a.window, outcome{Won: won, Confidence: confidence, Epoch: now.Unix()})
	a.prune(now)

	if won {
		a.lossStreak = 0
	} else {
		a.lossStreak++
	}

	if a.lossStreak >= 3 {
		a.emergencyTighten()
	}

	if len(a.window) < minSamples || now.Sub(a.lastAdjust) < adjustCooldown {
		return
	}

	rate := a.recentWinRate(15)
	switch {
	case rate < 0.65:
		a.tighten(rate)
		a.lastAdjust = now
	case rate > 0.80 && len(a.window) >= 15:
		a.relax(rate)
		a.lastAdjust = now
	}
}

func (a *Adaptive) prune(now time.Time) {
	cutoff := now.Add(-windowMaxAge).Unix()
	kept := a.window[:0]
	for _, o := range a.window {
		if o.Epoch >= cutoff {
			kept = append(kept, o)
		}
	}
	a.window = kept
	if len(a.window) > windowCap {
		a.window = a.window[len(a.window)-windowCap:]
	}
}

func (a *Adaptive) recentWinRate(n int) float64 {
	w := a.window
	if len(w) > n {
		w = w[len(w)-n:]
	}
	if len(w) == 0 {
		return 0
	}
	wins := 0
	for _, o := range w {
		if o.Won {
			wins++
		}
	}
	return float64(wins) / float64(len(w))
}

func (a *Adaptive) tighten(rate float64) {
	a.current.MinConfidence = math.Min(85, a.current.MinConfidence+2)
	a.current.MaxConflictRatio = math.Max(0.20, a.current.MaxConflictRatio-0.02)
	a.current.MinTrendStrength = math.Min(0.55, a.current.MinTrendStrength+0.03)
	if a.current.MinAlignedIndicators < 6 {
		a.current.MinAlignedIndicators++
	}
	a.logger.Info().
		Float64("win_rate", rate).
		Float64("min_confidence", a.current.MinConfidence).
		Msg("Thresholds tightened")
}

func (a *Adaptive) relax(rate float64) {
	a.current.MinConfidence = math.Max(a.base.MinConfidence, a.current.MinConfidence-1)
	a.current.MaxConflictRatio = math.Min(a.base.MaxConflictRatio, a.current.MaxConflictRatio+0.01)
	a.current.MinTrendStrength = math.Max(a.base.MinTrendStrength, a.current.MinTrendStrength-0.015)
	if a.current.MinAlignedIndicators > a.base.MinAlignedIndicators {
		a.current.MinAlignedIndicators--
	}
	a.logger.Info().
		Float64("win_rate", rate).
		Float64("min_confidence", a.current.MinConfidence).
		Msg("Thresholds relaxed toward base")
}

func (a *Adaptive) emergencyTighten() {
	a.current.MinConfidence = math.Min(88, a.current.MinConfidence+3)
	if a.current.MinAlignedIndicators < 7 {
		a.current.MinAlignedIndicators++
	}
	a.logger.Warn().
		Int("loss_streak", a.lossStreak).
		Float64("min_confidence", a.current.MinConfidence).
		Msg("Emergency threshold tighten")
}

// IsAllowed is the admission check for an about-to-be-emitted signal.
// The second return value carries the denial reason.
func (a *Adaptive) IsAllowed(confidence float64) (bool, string) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.lossStreak >= 4 {
		need := math.Min(90, a.current.MinConfidence+5)
		if confidence < need {
			return false, "losing streak requires elevated confidence"
		}
	}
	if len(a.window) >= minSamples && a.recentWinRate(10) < 0.50 {
		return false, "recent win rate below 50%"
	}
	if confidence < a.current.MinConfidence {
		return false, "confidence below adaptive minimum"
	}
	return true, ""
}

// LossStreak returns the current consecutive-loss count.
func (a *Adaptive) LossStreak() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lossStreak
}

// State is the snapshot-serializable threshold state.
type State struct {
	Current    Set       `json:"current"`
	Window     []outcome `json:"window"`
	LossStreak int       `json:"loss_streak"`
	LastAdjust int64     `json:"last_adjust"`
}

// Snapshot copies the adaptive state for persistence.
func (a *Adaptive) Snapshot() State {
	a.mu.RLock()
	defer a.mu.RUnlock()

	window := make([]outcome, len(a.window))
	copy(window, a.window)
	return State{
		Current:    a.current,
		Window:     window,
		LossStreak: a.lossStreak,
		LastAdjust: a.lastAdjust.Unix(),
	}
}

// Restore replaces the adaptive state from a snapshot.
func (a *Adaptive) Restore(s State) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.current = s.Current
	a.window = s.Window
	a.lossStreak = s.LossStreak
	if s.LastAdjust > 0 {
		a.lastAdjust = time.Unix(s.LastAdjust, 0)
	}
	a.logger.Info().Float64("min_confidence", a.current.MinConfidence).Msg("Threshold state restored")
}
