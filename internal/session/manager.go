// Package session owns the session table and the candle-close signal
// routing. It is the only writer of session state; the win/loss
// tracker talks to it exclusively through the event bus.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"otc-signal-bot/internal/brain"
	"otc-signal-bot/internal/engine"
	"otc-signal-bot/internal/events"
	"otc-signal-bot/internal/feed"
	"otc-signal-bot/internal/indicators"
	"otc-signal-bot/internal/market"
	"otc-signal-bot/internal/regime"
	"otc-signal-bot/internal/signal"
	"otc-signal-bot/internal/volatility"
)

const (
	// HistoryCount is how many closed candles a session fetches and the
	// aggregator retains per pair.
	HistoryCount = 300

	maxGenerateDeadline = 5 * time.Second
)

var (
	ErrSessionExists   = errors.New("session: id already exists")
	ErrSessionNotFound = errors.New("session: not found")
	ErrSessionConflict = errors.New("session: chat already follows this pair")
	ErrUnknownVoter    = errors.New("session: unknown indicator in options")
)

// Feed is the slice of the feed adapter the manager needs.
type Feed interface {
	SubscribeTicks(symbol, listenerID string, h feed.TickHandler) error
	UnsubscribeTicks(symbol, listenerID string)
	FetchCandleHistory(ctx context.Context, symbol string, granularity int64, count int) ([]market.Candle, error)
}

// Generator produces one signal per candle close.
type Generator interface {
	Generate(ctx context.Context, req engine.Request) signal.Result
}

// StartParams describes one session start request.
type StartParams struct {
	SessionID   string
	ChatID      string
	Symbol      string
	Timeframe   int64
	Preferences signal.Preferences
	Options     signal.Options
}

// Manager owns sessions, per-pair tick forwarders and the single
// closed-event subscription on the aggregator.
type Manager struct {
	feed     Feed
	agg      *market.Aggregator
	gen      Generator
	bus      *events.Bus
	volCache *volatility.Cache

	mu         sync.RWMutex
	sessions   map[string]*signal.Session
	forwarders map[string]int // pair key -> active session count

	logger zerolog.Logger
}

// NewManager wires a session manager and installs its closed-candle
// subscription on the aggregator.
func NewManager(fd Feed, agg *market.Aggregator, gen Generator, bus *events.Bus, volCache *volatility.Cache, logger zerolog.Logger) *Manager {
	m := &Manager{
		feed:       fd,
		agg:        agg,
		gen:        gen,
		bus:        bus,
		volCache:   volCache,
		sessions:   make(map[string]*signal.Session),
		forwarders: make(map[string]int),
		logger:     logger.With().Str("component", "SessionManager").Logger(),
	}
	agg.OnClosed(m.handleClosed)
	return m
}

func pairKey(symbol string, timeframe int64) string {
	return fmt.Sprintf("%s:%d", symbol, timeframe)
}

// Start creates and activates a session. It fails on a duplicate id,
// on a (chat, symbol, timeframe) conflict, on unknown option keys and
// on history-fetch failure.
func (m *Manager) Start(ctx context.Context, p StartParams) error {
	if err := validateOptions(p.Options); err != nil {
		return err
	}

	sess := &signal.Session{
		ID:          p.SessionID,
		ChatID:      p.ChatID,
		Symbol:      p.Symbol,
		Timeframe:   p.Timeframe,
		Status:      signal.SessionActive,
		StartedAt:   time.Now(),
		Preferences: p.Preferences,
		Options:     p.Options,
	}

	m.mu.Lock()
	if _, exists := m.sessions[p.SessionID]; exists {
		m.mu.Unlock()
		return ErrSessionExists
	}
	for _, s := range m.sessions {
		if s.Status == signal.SessionActive && s.ChatID == p.ChatID &&
			s.Symbol == p.Symbol && s.Timeframe == p.Timeframe {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s %s/%d", ErrSessionConflict, p.ChatID, p.Symbol, p.Timeframe)
		}
	}
	// Reserve the id so concurrent starts with the same id lose.
	m.sessions[p.SessionID] = sess
	m.mu.Unlock()

	history, err := m.feed.FetchCandleHistory(ctx, p.Symbol, p.Timeframe, HistoryCount)
	if err != nil {
		m.removeSession(p.SessionID)
		return fmt.Errorf("session %s history: %w", p.SessionID, err)
	}
	if err := m.agg.Initialize(p.Symbol, p.Timeframe, history, HistoryCount); err != nil {
		m.removeSession(p.SessionID)
		return fmt.Errorf("session %s aggregator: %w", p.SessionID, err)
	}

	if err := m.acquireForwarder(p.Symbol, p.Timeframe); err != nil {
		m.agg.Cleanup(p.Symbol, p.Timeframe)
		m.removeSession(p.SessionID)
		return fmt.Errorf("session %s ticks: %w", p.SessionID, err)
	}

	m.logger.Info().
		Str("session", p.SessionID).
		Str("symbol", p.Symbol).
		Int64("timeframe", p.Timeframe).
		Int("history", len(history)).
		Msg("Session started")
	m.bus.PublishSessionStarted(*sess)

	m.warnPreSession(sess, history)
	return nil
}

// Stop deactivates a session. Duplicate stops are no-ops.
func (m *Manager) Stop(sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if sess.Status == signal.SessionStopped {
		m.mu.Unlock()
		return nil
	}
	sess.Status = signal.SessionStopped
	snapshot := *sess

	key := pairKey(sess.Symbol, sess.Timeframe)
	m.forwarders[key]--
	releasePair := m.forwarders[key] <= 0
	if releasePair {
		delete(m.forwarders, key)
	}
	m.mu.Unlock()

	if releasePair {
		m.feed.UnsubscribeTicks(snapshot.Symbol, "agg:"+key)
		m.agg.Cleanup(snapshot.Symbol, snapshot.Timeframe)
	}

	m.logger.Info().Str("session", sessionID).Msg("Session stopped")
	m.bus.PublishSessionStopped(snapshot)
	return nil
}

// Get returns a snapshot of one session.
func (m *Manager) Get(sessionID string) (signal.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return signal.Session{}, false
	}
	return *s, true
}

// ByChat returns snapshots of all of a chat's sessions.
func (m *Manager) ByChat(chatID string) []signal.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []signal.Session
	for _, s := range m.sessions {
		if s.ChatID == chatID {
			out = append(out, *s)
		}
	}
	return out
}

// Active returns snapshots of all active sessions.
func (m *Manager) Active() []signal.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]signal.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.Status == signal.SessionActive {
			out = append(out, *s)
		}
	}
	return out
}

// Candles returns the closed-candle snapshot for a session's pair.
func (m *Manager) Candles(sessionID string) ([]market.Candle, error) {
	sess, ok := m.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return m.agg.GetClosed(sess.Symbol, sess.Timeframe), nil
}

// RecordOutcome folds a resolved trade into a session's stats and
// returns the updated snapshot. The tracker calls this at expiry.
func (m *Manager) RecordOutcome(sessionID string, won bool) signal.SessionStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.Stats.RecordOutcome(won)
		return s.Stats
	}
	return signal.SessionStats{}
}

// Rehydrate refetches history and re-primes the aggregator for every
// active pair. The feed reconnect hook calls this; wire subscriptions
// are replayed by the feed client itself.
func (m *Manager) Rehydrate(ctx context.Context) {
	type pair struct {
		symbol    string
		timeframe int64
	}
	seen := map[pair]bool{}
	for _, s := range m.Active() {
		p := pair{s.Symbol, s.Timeframe}
		if seen[p] {
			continue
		}
		seen[p] = true

		history, err := m.feed.FetchCandleHistory(ctx, p.symbol, p.timeframe, HistoryCount)
		if err != nil {
			m.logger.Warn().Err(err).Str("symbol", p.symbol).Msg("Rehydrate history fetch failed")
			continue
		}
		if err := m.agg.Initialize(p.symbol, p.timeframe, history, HistoryCount); err != nil {
			m.logger.Warn().Err(err).Str("symbol", p.symbol).Msg("Rehydrate init failed")
			continue
		}
		m.logger.Info().Str("symbol", p.symbol).Int64("timeframe", p.timeframe).Msg("Session pair rehydrated")
	}
}

func (m *Manager) removeSession(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

func (m *Manager) acquireForwarder(symbol string, timeframe int64) error {
	key := pairKey(symbol, timeframe)

	m.mu.Lock()
	m.forwarders[key]++
	first := m.forwarders[key] == 1
	m.mu.Unlock()
	if !first {
		return nil
	}

	err := m.feed.SubscribeTicks(symbol, "agg:"+key, func(tick market.Tick) {
		m.agg.ProcessTick(tick, timeframe)
	})
	if err != nil {
		m.mu.Lock()
		m.forwarders[key]--
		if m.forwarders[key] <= 0 {
			delete(m.forwarders, key)
		}
		m.mu.Unlock()
	}
	return err
}

func validateOptions(opts signal.Options) error {
	for name := range opts.EnabledIndicators {
		if !brain.KnownVoter(name) {
			return fmt.Errorf("%w: %s", ErrUnknownVoter, name)
		}
	}
	for name := range opts.CustomWeights {
		if !brain.KnownVoter(name) {
			return fmt.Errorf("%w: %s", ErrUnknownVoter, name)
		}
	}
	return nil
}

func (m *Manager) warnPreSession(sess *signal.Session, history []market.Candle) {
	analysis := volatility.Analyze(sess.Symbol, history)
	if m.volCache != nil {
		m.volCache.Put(analysis)
	}

	threshold := volatility.VolatileScore
	if sess.Options.VolatilityThreshold != nil {
		threshold = *sess.Options.VolatilityThreshold
	}
	if analysis.VolatilityScore >= threshold {
		m.bus.PublishWarning(signal.VolatilityWarning{
			SessionID: sess.ID,
			Symbol:    sess.Symbol,
			Type:      "pre_session",
			Score:     analysis.VolatilityScore,
		})
	}
}

// handleClosed routes one closed candle to every active session on its
// pair, enforcing at most one signal per (session, candle).
func (m *Manager) handleClosed(symbol string, timeframe int64, candle market.Candle) {
	m.mu.Lock()
	var targets []signal.Session
	for _, s := range m.sessions {
		if s.Status != signal.SessionActive || s.Symbol != symbol || s.Timeframe != timeframe {
			continue
		}
		if s.LastSignalCandle == candle.StartEpoch {
			m.logger.Warn().
				Str("session", s.ID).
				Int64("start_epoch", candle.StartEpoch).
				Msg("Duplicate closed candle ignored")
			continue
		}
		s.LastSignalCandle = candle.StartEpoch
		targets = append(targets, *s)
	}
	m.mu.Unlock()

	for _, sess := range targets {
		m.emit(sess, candle)
	}
}

func (m *Manager) emit(sess signal.Session, candle market.Candle) {
	closed := m.agg.GetClosed(sess.Symbol, sess.Timeframe)
	var forming *market.Candle
	if f, ok := m.agg.GetForming(sess.Symbol, sess.Timeframe); ok {
		forming = &f
	}

	deadline := maxGenerateDeadline
	if half := time.Duration(sess.Timeframe) * time.Second / 2; half < deadline {
		deadline = half
	}
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	res := m.gen.Generate(ctx, engine.Request{
		SessionID:       sess.ID,
		Symbol:          sess.Symbol,
		Timeframe:       sess.Timeframe,
		Closed:          closed,
		Forming:         forming,
		CandleCloseTime: candle.EndEpoch(),
		Options:         sess.Options,
	})

	if res.Symbol != sess.Symbol || res.Timeframe != sess.Timeframe {
		m.logger.Warn().
			Str("session", sess.ID).
			Str("got", res.Symbol).
			Msg("Signal pair mismatch dropped")
		return
	}

	m.postFilter(&res, sess, closed, forming)

	now := time.Now()
	m.mu.Lock()
	if s, ok := m.sessions[sess.ID]; ok {
		s.LastSignalAt = &now
		sess = *s
	}
	m.mu.Unlock()

	m.bus.PublishSignal(sess, res)
}

// postFilter applies the session-level gates after generation: the
// volatility veto, the regime tradeability check and the user's
// confidence filter, then attaches the volatility snapshot.
func (m *Manager) postFilter(res *signal.Result, sess signal.Session, closed []market.Candle, forming *market.Candle) {
	directional := res.Direction == signal.DirectionCall || res.Direction == signal.DirectionPut

	if directional {
		snapshot := closed
		if forming != nil {
			snapshot = append(append([]market.Candle{}, closed...), *forming)
		}
		if veto, reason := volatility.ShouldNoTrade(sess.Symbol, snapshot); veto {
			res.SuggestedDirection = res.Direction
			res.Direction = signal.DirectionNoTrade
			res.VolatilityOverride = true
			res.VolatilityReason = reason
			directional = false
		}
	}

	if directional {
		reg := regime.Detect(closed, indicators.Compute(closed))
		if !reg.IsTradeable {
			res.SuggestedDirection = res.Direction
			res.Direction = signal.DirectionNoTrade
			res.VolatilityOverride = true
			res.VolatilityReason = "regime not tradeable: " + reg.Reason
			directional = false
		}
	}

	if directional && sess.Preferences.ConfidenceFilter > 0 &&
		res.Confidence < float64(sess.Preferences.ConfidenceFilter) {
		res.SuggestedDirection = res.Direction
		res.Direction = signal.DirectionNoTrade
		res.IsLowConfidence = true
	}

	if m.volCache != nil {
		if a, ok := m.volCache.Get(sess.Symbol); ok {
			res.Volatility = &a
		}
	}
}
