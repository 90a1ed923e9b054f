// Package signal holds the shared types flowing between the signal
// engine, session manager, win/loss tracker and the event bus.
package signal

import (
	"time"

	"otc-signal-bot/internal/indicators"
	"otc-signal-bot/internal/market"
	"otc-signal-bot/internal/patterns"
	"otc-signal-bot/internal/volatility"
)

// Direction is the emitted trade direction.
type Direction string

const (
	DirectionCall    Direction = "CALL"
	DirectionPut     Direction = "PUT"
	DirectionNoTrade Direction = "NO_TRADE"
)

// VoteDirection is a single voter's opinion.
type VoteDirection string

const (
	VoteUp      VoteDirection = "UP"
	VoteDown    VoteDirection = "DOWN"
	VoteNeutral VoteDirection = "NEUTRAL"
)

// Tier is the coarse confidence class of an ML verdict.
type Tier string

const (
	TierPremium  Tier = "PREMIUM"
	TierStandard Tier = "STANDARD"
	TierLow      Tier = "LOW"
)

// Vote is one indicator's or strategy's directional opinion. Weights
// are dimensionless, typically 0.2 to 2.5.
type Vote struct {
	Indicator string        `json:"indicator"`
	Direction VoteDirection `json:"direction"`
	Weight    float64       `json:"weight"`
	Reason    string        `json:"reason"`
}

// Result is the complete output of one signal generation.
type Result struct {
	SessionID       string    `json:"session_id"`
	Symbol          string    `json:"symbol"`
	Timeframe       int64     `json:"timeframe"`
	Timestamp       int64     `json:"timestamp"`
	CandleCloseTime int64     `json:"candle_close_time"`
	Direction       Direction `json:"direction"`
	Confidence      float64   `json:"confidence"` // 0..100
	PUp             float64   `json:"p_up"`
	PDown           float64   `json:"p_down"`

	Votes      []Vote                      `json:"votes"`
	Indicators indicators.Values           `json:"indicators"`
	Psychology patterns.PsychologyAnalysis `json:"psychology"`

	VolatilityOverride bool                 `json:"volatility_override"`
	VolatilityReason   string               `json:"volatility_reason,omitempty"`
	Volatility         *volatility.Analysis `json:"volatility,omitempty"`

	ClosedCandlesCount int            `json:"closed_candles_count"`
	FormingCandle      *market.Candle `json:"forming_candle,omitempty"`
	EntryPrice         float64        `json:"entry_price,omitempty"`

	SuggestedDirection Direction `json:"suggested_direction,omitempty"`
	IsLowConfidence    bool      `json:"is_low_confidence,omitempty"`

	// Features is the normalized ML input captured at generation time,
	// carried into the pending signal so the outcome update trains on
	// exactly what was predicted on.
	Features []float64 `json:"-"`
}

// SessionStatus is a session's lifecycle state. Stopping is final.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionStopped SessionStatus = "stopped"
)

// Preferences are the per-session user settings supplied by the UI
// layer.
type Preferences struct {
	Timezone         string `json:"timezone"`
	ConfidenceFilter int    `json:"confidence_filter"` // 80, 90 or 95
}

// Options tunes signal generation for one session. Unknown indicator
// names in CustomWeights are rejected at session start.
type Options struct {
	EnabledIndicators   map[string]bool    `json:"enabled_indicators,omitempty"`
	CustomWeights       map[string]float64 `json:"custom_weights,omitempty"`
	VolatilityThreshold *float64           `json:"volatility_threshold,omitempty"`
}

// SessionStats accumulates resolved outcomes for a session.
type SessionStats struct {
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"win_rate"` // percent
	TotalSignals int     `json:"total_signals"`
}

// RecordOutcome folds one resolved signal into the stats.
func (s *SessionStats) RecordOutcome(won bool) {
	if won {
		s.Wins++
	} else {
		s.Losses++
	}
	s.TotalSignals++
	s.WinRate = float64(s.Wins) / float64(s.TotalSignals) * 100
}

// Session is one (chat, symbol, timeframe) subscription.
type Session struct {
	ID           string        `json:"id"`
	ChatID       string        `json:"chat_id"`
	Symbol       string        `json:"symbol"`
	Timeframe    int64         `json:"timeframe"`
	Status       SessionStatus `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	LastSignalAt *time.Time    `json:"last_signal_at,omitempty"`
	Preferences  Preferences   `json:"preferences"`
	Options      Options       `json:"options"`
	Stats        SessionStats  `json:"stats"`

	// LastSignalCandle is the startEpoch of the last candle this
	// session emitted a signal for, the exactly-once guard.
	LastSignalCandle int64 `json:"last_signal_candle"`
}

// Outcome is a resolved pending signal.
type Outcome string

const (
	OutcomeWin  Outcome = "WIN"
	OutcomeLoss Outcome = "LOSS"
)

// PendingSignal is a directional signal awaiting resolution at expiry.
type PendingSignal struct {
	Key         string    `json:"key"`
	SessionID   string    `json:"session_id"`
	ChatID      string    `json:"chat_id"`
	Symbol      string    `json:"symbol"`
	Direction   Direction `json:"direction"`
	EntryPrice  float64   `json:"entry_price"`
	ExpiryEpoch int64     `json:"expiry_epoch"`
	Confidence  float64   `json:"confidence"`
	Features    []float64 `json:"features,omitempty"`
}

// TradeResult is the published resolution of a pending signal.
type TradeResult struct {
	SessionID string       `json:"session_id"`
	Symbol    string       `json:"symbol"`
	Direction Direction    `json:"direction"`
	Outcome   Outcome      `json:"outcome"`
	Entry     float64      `json:"entry"`
	Exit      float64      `json:"exit"`
	Stats     SessionStats `json:"stats"`
}

// VolatilityWarning is published when an active session's market turns
// unstable.
type VolatilityWarning struct {
	SessionID string  `json:"session_id"`
	Symbol    string  `json:"symbol"`
	Type      string  `json:"type"` // "pre_session" or "in_session"
	Score     float64 `json:"score"`
}
