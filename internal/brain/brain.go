// Package brain fuses indicator, pattern and strategy votes with the
// ML verdict into a validated direction and confidence.
package brain

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"otc-signal-bot/internal/indicators"
	"otc-signal-bot/internal/market"
	"otc-signal-bot/internal/ml"
	"otc-signal-bot/internal/patterns"
	"otc-signal-bot/internal/regime"
	"otc-signal-bot/internal/signal"
	"otc-signal-bot/internal/thresholds"
)

const (
	scoreEpsilon       = 1e-9
	qualityRejectFloor = 45
	confidenceFloor    = 55
	confidenceCeiling  = 92
	variationWindow    = 5 * time.Minute
	variationMinSpread = 2.0
)

// Input bundles everything one evaluation needs.
type Input struct {
	Symbol    string
	Candles   []market.Candle // closed history plus the forming tail
	Values    indicators.Values
	Psych     patterns.PsychologyAnalysis
	Regime    regime.Result
	MLVerdict *ml.Verdict // nil when ML is blocked
	Gates     thresholds.Set
	Options   signal.Options
}

// Assessment is the brain's full output before the engine's final
// emission gate.
type Assessment struct {
	Direction signal.Direction

	// Confidence is the display value, including the per-symbol
	// variation jitter. GateConfidence is the pre-jitter value the
	// engine's emission gate compares against thresholds, so jitter
	// can never flip a borderline decision.
	Confidence        float64
	GateConfidence    float64
	PUp               float64
	PDown             float64
	DirectionStrength float64
	QualityScore      float64
	Votes             []signal.Vote

	AlignmentRatio    float64
	ConflictRatio     float64
	StrongVotes       int
	AlignedIndicators int

	Valid        bool
	RejectReason string
}

type confRecord struct {
	value float64
	at    time.Time
}

// Brain carries the per-symbol confidence variation state. Evaluation
// itself is stateless; the variation map is the only mutable part.
type Brain struct {
	mu       sync.Mutex
	lastConf map[string]confRecord
	rng      *rand.Rand
	now      func() time.Time

	logger zerolog.Logger
}

// New creates a brain with a time-seeded variation source.
func New(logger zerolog.Logger) *Brain {
	return &Brain{
		lastConf: make(map[string]confRecord),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
		logger:   logger.With().Str("component", "AdvancedBrain").Logger(),
	}
}

// Evaluate runs voting, scoring, ML fusion, validation and confidence
// shaping for one candle close.
func (b *Brain) Evaluate(in Input) Assessment {
	votes := IndicatorVotes(in.Candles, in.Values, in.Options)
	votes = append(votes, PsychologyVotes(in.Psych, in.Options)...)
	votes = append(votes, StrategyVotes(in.Candles, in.Values, in.Regime)...)

	if in.MLVerdict != nil && in.MLVerdict.Direction != signal.DirectionNoTrade {
		w := 1.0
		switch in.MLVerdict.Tier {
		case signal.TierPremium:
			w = 2.0
		case signal.TierStandard:
			w = 1.5
		}
		dir := signal.VoteUp
		if in.MLVerdict.Direction == signal.DirectionPut {
			dir = signal.VoteDown
		}
		votes = append(votes, signal.Vote{
			Indicator: "ML_ENSEMBLE",
			Direction: dir,
			Weight:    w,
			Reason:    "ensemble prediction",
		})
	}

	a := scoreVotes(votes)
	a.QualityScore = qualityScore(a, in.Regime)
	b.validate(&a, in)
	b.shapeConfidence(&a, in)

	b.logger.Debug().
		Str("symbol", in.Symbol).
		Str("direction", string(a.Direction)).
		Float64("confidence", a.Confidence).
		Float64("p_up", a.PUp).
		Float64("quality", a.QualityScore).
		Bool("valid", a.Valid).
		Msg("Brain evaluation")
	return a
}

// scoreVotes aggregates the weighted pool into pUp and the derived
// ratios.
func scoreVotes(votes []signal.Vote) Assessment {
	var upWeight, downWeight float64
	var upCount, downCount, strong int
	for _, v := range votes {
		switch v.Direction {
		case signal.VoteUp:
			upWeight += v.Weight
			upCount++
		case signal.VoteDown:
			downWeight += v.Weight
			downCount++
		}
		if v.Weight >= 1.0 {
			strong++
		}
	}

	a := Assessment{Votes: votes, StrongVotes: strong}
	total := upWeight + downWeight
	a.PUp = upWeight / (total + scoreEpsilon)
	a.PDown = 1 - a.PUp
	a.DirectionStrength = 2 * math.Abs(a.PUp-0.5)

	if a.PUp >= 0.5 {
		a.Direction = signal.DirectionCall
		a.AlignedIndicators = upCount
	} else {
		a.Direction = signal.DirectionPut
		a.AlignedIndicators = downCount
	}

	if n := upCount + downCount; n > 0 {
		if upCount >= downCount {
			a.AlignmentRatio = float64(upCount) / float64(n)
			a.ConflictRatio = float64(downCount) / float64(n)
		} else {
			a.AlignmentRatio = float64(downCount) / float64(n)
			a.ConflictRatio = float64(upCount) / float64(n)
		}
	}
	return a
}

// qualityScore grades the vote pool 0-100 from alignment, strong-vote
// adequacy, inverse conflict and the regime penalty.
func qualityScore(a Assessment, reg regime.Result) float64 {
	alignment := a.AlignmentRatio * 35
	strongPart := math.Min(1, float64(a.StrongVotes)/6) * 25
	conflictPart := (1 - math.Min(1, a.ConflictRatio/0.5)) * 20
	regimePart := reg.Penalty() * 20
	q := alignment + strongPart + conflictPart + regimePart
	if q > 100 {
		q = 100
	}
	return q
}

// validate applies the structural checks that can reject a direction
// outright.
func (b *Brain) validate(a *Assessment, in Input) {
	if a.QualityScore < qualityRejectFloor {
		a.RejectReason = "quality score below floor"
		return
	}
	if a.ConflictRatio > in.Gates.MaxConflictRatio {
		a.RejectReason = "conflicting votes above limit"
		return
	}
	if a.AlignedIndicators < in.Gates.MinAlignedIndicators {
		a.RejectReason = "not enough aligned indicators"
		return
	}

	trendSupport := trendSupports(a.Direction, in)
	momentumSupport := momentumSupports(a.Direction, in.Values)
	consensus := strongConsensus(a)
	weightRatio := math.Max(a.PUp, a.PDown) > 0.58

	factors := 0
	confirmation := 0.0
	if trendSupport {
		factors++
		confirmation += 1
	}
	if momentumSupport {
		factors++
		confirmation += 1
	}
	if consensus {
		factors++
		confirmation += 1
	}
	if weightRatio {
		factors++
		confirmation += 0.5
	}
	if in.Regime.MomentumAligned {
		confirmation += 0.5
	}
	if factors < 2 {
		a.RejectReason = "insufficient supporting factors"
		return
	}

	short := shortTrendDirection(in.Candles, 10)
	against := (a.Direction == signal.DirectionCall && short == signal.VoteDown) ||
		(a.Direction == signal.DirectionPut && short == signal.VoteUp)
	if against && confirmation < 2.5 {
		a.RejectReason = "direction against short-term trend"
		return
	}

	if a.QualityScore < 55 && divergenceOpposes(a) {
		a.RejectReason = "unresolved momentum divergence"
		return
	}

	a.Valid = true
}

func trendSupports(dir signal.Direction, in Input) bool {
	if dir == signal.DirectionCall && in.Regime.Regime == regime.TrendingUp {
		return true
	}
	if dir == signal.DirectionPut && in.Regime.Regime == regime.TrendingDown {
		return true
	}
	short := shortTrendDirection(in.Candles, 10)
	return (dir == signal.DirectionCall && short == signal.VoteUp) ||
		(dir == signal.DirectionPut && short == signal.VoteDown)
}

func momentumSupports(dir signal.Direction, vals indicators.Values) bool {
	if !vals.MACD.Valid {
		return false
	}
	if dir == signal.DirectionCall {
		return vals.MACD.Histogram > 0
	}
	return vals.MACD.Histogram < 0
}

// strongConsensus requires the strong votes to lean clearly toward
// the chosen direction.
func strongConsensus(a *Assessment) bool {
	var with, against int
	want := signal.VoteUp
	if a.Direction == signal.DirectionPut {
		want = signal.VoteDown
	}
	for _, v := range a.Votes {
		if v.Weight < 1.0 {
			continue
		}
		if v.Direction == want {
			with++
		} else if v.Direction != signal.VoteNeutral {
			against++
		}
	}
	return with >= 3 && with >= against*2
}

func divergenceOpposes(a *Assessment) bool {
	want := signal.VoteUp
	if a.Direction == signal.DirectionPut {
		want = signal.VoteDown
	}
	for _, v := range a.Votes {
		if v.Indicator == "DIVERGENCE" && v.Direction != want {
			return true
		}
	}
	return false
}

// shapeConfidence computes the final confidence with bonuses and the
// ML agreement adjustment. The clamped pre-jitter value lands in
// GateConfidence for the emission gate; Confidence additionally carries
// the cosmetic per-symbol variation jitter.
func (b *Brain) shapeConfidence(a *Assessment, in Input) {
	conf := confidenceFloor + a.DirectionStrength*30 + 0.30*a.QualityScore

	conf += (in.Regime.Penalty() - 0.7) * 10
	if trendSupports(a.Direction, in) {
		conf += 2
	}
	if in.Regime.MomentumAligned {
		conf += 2
	}

	if in.MLVerdict != nil && in.MLVerdict.Direction != signal.DirectionNoTrade {
		switch {
		case in.MLVerdict.Direction == a.Direction && in.MLVerdict.Tier == signal.TierPremium:
			conf += 5
		case in.MLVerdict.Direction == a.Direction:
			conf += 3
		default:
			conf -= 8
		}
	}

	if conf > confidenceCeiling {
		conf = confidenceCeiling
	}
	if conf < confidenceFloor {
		conf = confidenceFloor
	}

	a.GateConfidence = conf
	a.Confidence = b.vary(in.Symbol, conf)
}

// vary applies small per-symbol noise and forces successive values
// apart when they would repeat within the variation window.
func (b *Brain) vary(symbol string, conf float64) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	conf += b.rng.Float64()*5 - 2.5

	now := b.now()
	if prev, ok := b.lastConf[symbol]; ok && now.Sub(prev.at) < variationWindow {
		if math.Abs(conf-prev.value) < variationMinSpread {
			delta := 2 + b.rng.Float64()*2
			if conf >= prev.value {
				conf = prev.value + delta
			} else {
				conf = prev.value - delta
			}
		}
	}

	if conf < 0 {
		conf = 0
	}
	if conf > 95 {
		conf = 95
	}
	conf = math.Round(conf*10) / 10
	b.lastConf[symbol] = confRecord{value: conf, at: now}
	return conf
}
