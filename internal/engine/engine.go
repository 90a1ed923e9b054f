// Package engine orchestrates the per-candle signal pipeline:
// indicators, patterns, features, volatility and regime gates, the
// brain and the ML ensemble, ending in one emitted signal result.
package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"otc-signal-bot/internal/brain"
	"otc-signal-bot/internal/features"
	"otc-signal-bot/internal/indicators"
	"otc-signal-bot/internal/market"
	"otc-signal-bot/internal/ml"
	"otc-signal-bot/internal/patterns"
	"otc-signal-bot/internal/regime"
	"otc-signal-bot/internal/signal"
	"otc-signal-bot/internal/thresholds"
	"otc-signal-bot/internal/volatility"
)

const (
	// MinClosedCandles is the shortest history the pipeline will
	// trade on.
	MinClosedCandles = 50

	// minDirectionStrength is the final emission gate on how decisive
	// the vote pool must be.
	minDirectionStrength = 0.12
)

// Request is one signal-generation call.
type Request struct {
	SessionID       string
	Symbol          string
	Timeframe       int64
	Closed          []market.Candle
	Forming         *market.Candle
	CandleCloseTime int64
	Options         signal.Options
}

// Engine wires the analytical stages together. It owns no candle
// state; every call works on the snapshot it is handed.
type Engine struct {
	ensemble *ml.Ensemble
	adaptive *thresholds.Adaptive
	brain    *brain.Brain
	volCache *volatility.Cache

	logger zerolog.Logger
}

// New creates a signal engine over the shared learner singletons.
func New(ensemble *ml.Ensemble, adaptive *thresholds.Adaptive, br *brain.Brain, volCache *volatility.Cache, logger zerolog.Logger) *Engine {
	return &Engine{
		ensemble: ensemble,
		adaptive: adaptive,
		brain:    br,
		volCache: volCache,
		logger:   logger.With().Str("component", "SignalEngine").Logger(),
	}
}

// Generate runs the full pipeline for one candle close. It always
// returns a result; every failure mode degrades to NO_TRADE. The
// context is honored at coarse checkpoints between stages.
func (e *Engine) Generate(ctx context.Context, req Request) signal.Result {
	res := signal.Result{
		SessionID:          req.SessionID,
		Symbol:             req.Symbol,
		Timeframe:          req.Timeframe,
		Timestamp:          time.Now().Unix(),
		CandleCloseTime:    req.CandleCloseTime,
		Direction:          signal.DirectionNoTrade,
		ClosedCandlesCount: len(req.Closed),
		Votes:              []signal.Vote{},
	}

	if len(req.Closed) < MinClosedCandles {
		e.logger.Debug().
			Str("symbol", req.Symbol).
			Int("closed", len(req.Closed)).
			Msg("Insufficient history for signal")
		return res
	}

	// Regime gate on the closed history only.
	closedVals := indicators.Compute(req.Closed)
	reg := regime.Detect(req.Closed, closedVals)
	if reg.Regime == regime.Choppy ||
		(reg.VolatilityLevel == regime.VolHigh && reg.PriceAction != regime.ActionClean) {
		res.VolatilityOverride = true
		res.VolatilityReason = "market regime unsuitable: " + reg.Reason
		return res
	}

	if cancelled(ctx) {
		res.VolatilityReason = "generation cancelled"
		return res
	}

	// Prediction snapshot: closed plus the forming tail.
	estimated := req.Closed
	if req.Forming != nil {
		estimated = append(append([]market.Candle{}, req.Closed...), *req.Forming)
		res.FormingCandle = req.Forming
		res.EntryPrice = req.Forming.Close
	}

	vals := indicators.Compute(estimated)
	psych := patterns.AnalyzePsychology(estimated)
	res.Indicators = vals
	res.Psychology = psych

	analysis := volatility.Analyze(req.Symbol, estimated)
	if e.volCache != nil {
		e.volCache.Put(analysis)
	}
	if veto, reason := volatility.ShouldNoTrade(req.Symbol, estimated); veto {
		res.VolatilityOverride = true
		res.VolatilityReason = reason
		return res
	}

	if cancelled(ctx) {
		res.VolatilityReason = "generation cancelled"
		return res
	}

	// ML prediction over the extracted features.
	_, vector := features.Extract(estimated, vals, psych, features.RegimeInput{
		IsRanging:  reg.Regime == regime.Ranging,
		IsTrending: reg.Regime == regime.TrendingUp || reg.Regime == regime.TrendingDown,
		Strength:   reg.Strength,
	})
	res.Features = vector

	verdict := e.ensemble.Predict(vector)
	mlVerdict := &verdict
	if verdict.Direction != signal.DirectionNoTrade {
		if allowed, reason := e.adaptive.IsAllowed(verdict.Confidence); !allowed {
			if reason == "recent win rate below 50%" {
				res.VolatilityOverride = true
				res.VolatilityReason = "ML blocked: " + reason
				return res
			}
			// Confidence-level denials only silence the ML vote.
			mlVerdict = nil
		}
	}

	gates := e.adaptive.Current()
	assessment := e.brain.Evaluate(brain.Input{
		Symbol:    req.Symbol,
		Candles:   estimated,
		Values:    vals,
		Psych:     psych,
		Regime:    reg,
		MLVerdict: mlVerdict,
		Gates:     gates,
		Options:   req.Options,
	})

	res.Votes = assessment.Votes
	res.PUp = assessment.PUp
	res.PDown = assessment.PDown
	res.Confidence = assessment.Confidence

	if cancelled(ctx) {
		res.VolatilityReason = "generation cancelled"
		return res
	}

	// Regime direction veto on the proposed side.
	if ok, reason := reg.AllowsDirection(assessment.Direction); !ok {
		res.VolatilityOverride = true
		res.VolatilityReason = reason
		res.SuggestedDirection = assessment.Direction
		return res
	}

	if !assessment.Valid {
		res.SuggestedDirection = assessment.Direction
		res.IsLowConfidence = true
		res.VolatilityReason = assessment.RejectReason
		return res
	}

	// Final emission gate: confidence and decisiveness. Gates on the
	// pre-jitter confidence so the cosmetic variation cannot flip a
	// borderline decision. The suggested direction survives on the
	// NO_TRADE result; it is never promoted into a trade.
	if assessment.GateConfidence < gates.MinConfidence ||
		assessment.DirectionStrength < minDirectionStrength {
		res.SuggestedDirection = assessment.Direction
		res.IsLowConfidence = true
		return res
	}

	res.Direction = assessment.Direction
	e.logger.Info().
		Str("symbol", req.Symbol).
		Str("session", req.SessionID).
		Str("direction", string(res.Direction)).
		Float64("confidence", res.Confidence).
		Float64("p_up", res.PUp).
		Msg("Signal emitted")
	return res
}

func cancelled(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
