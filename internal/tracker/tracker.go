// Package tracker resolves directional signals at expiry into wins and
// losses, feeding the outcomes back into the learners.
package tracker

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"otc-signal-bot/internal/events"
	"otc-signal-bot/internal/ml"
	"otc-signal-bot/internal/signal"
	"otc-signal-bot/internal/thresholds"
	"otc-signal-bot/internal/volatility"
)

const (
	pollInterval     = time.Second
	volCheckInterval = 5 * time.Second

	processedCap = 1000

	warnScore      = 0.6
	warnCooldown   = 60 * time.Second
	maxSessionWarn = 3
)

// SessionDirectory is the slice of the session manager the tracker
// needs: enumerating active sessions and updating their stats.
type SessionDirectory interface {
	Active() []signal.Session
	RecordOutcome(sessionID string, won bool) signal.SessionStats
}

type warnState struct {
	count  int
	lastAt time.Time
}

// Tracker owns the pending-signal table, the price cache and the
// processed set. The poll loop is its only mutator of pending state
// after insertion.
type Tracker struct {
	ensemble *ml.Ensemble
	adaptive *thresholds.Adaptive
	sessions SessionDirectory
	bus      *events.Bus
	volCache *volatility.Cache

	mu             sync.Mutex
	pending        map[string]signal.PendingSignal
	prices         map[string]float64
	processed      map[string]bool
	processedOrder []string
	warnings       map[string]warnState

	now func() time.Time

	logger zerolog.Logger
}

// New creates a tracker and subscribes it to the bus's signal stream.
func New(ensemble *ml.Ensemble, adaptive *thresholds.Adaptive, sessions SessionDirectory, bus *events.Bus, volCache *volatility.Cache, logger zerolog.Logger) *Tracker {
	t := &Tracker{
		ensemble:  ensemble,
		adaptive:  adaptive,
		sessions:  sessions,
		bus:       bus,
		volCache:  volCache,
		pending:   make(map[string]signal.PendingSignal),
		prices:    make(map[string]float64),
		processed: make(map[string]bool),
		warnings:  make(map[string]warnState),
		now:       time.Now,
		logger:    logger.With().Str("component", "WinLossTracker").Logger(),
	}
	bus.OnSignal(t.handleSignal)
	return t
}

// Run drives the expiry poll and the volatility re-check until the
// context ends.
func (t *Tracker) Run(ctx context.Context) {
	poll := time.NewTicker(pollInterval)
	vol := time.NewTicker(volCheckInterval)
	defer poll.Stop()
	defer vol.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			t.resolveDue(t.now().Unix())
		case <-vol.C:
			t.checkVolatility()
		}
	}
}

// RecordPrice stores the latest observed price for a symbol. Main
// wires this to the aggregator's tick stream.
func (t *Tracker) RecordPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	t.mu.Lock()
	t.prices[symbol] = price
	t.mu.Unlock()
}

// PendingCount reports how many signals await resolution.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// handleSignal records directional signals as pending until expiry.
// The feature vector rides along so the outcome trains on exactly what
// was predicted on.
func (t *Tracker) handleSignal(sess signal.Session, res signal.Result) {
	if res.Direction != signal.DirectionCall && res.Direction != signal.DirectionPut {
		return
	}
	if res.EntryPrice <= 0 {
		t.logger.Warn().
			Str("session", sess.ID).
			Msg("Directional signal without entry price not tracked")
		return
	}

	key := sess.ID + "_" + strconv.FormatInt(res.Timestamp, 10)
	p := signal.PendingSignal{
		Key:         key,
		SessionID:   sess.ID,
		ChatID:      sess.ChatID,
		Symbol:      sess.Symbol,
		Direction:   res.Direction,
		EntryPrice:  res.EntryPrice,
		ExpiryEpoch: res.CandleCloseTime + res.Timeframe,
		Confidence:  res.Confidence,
		Features:    res.Features,
	}

	t.mu.Lock()
	t.pending[key] = p
	t.mu.Unlock()

	t.logger.Debug().
		Str("key", key).
		Str("direction", string(res.Direction)).
		Float64("entry", res.EntryPrice).
		Int64("expiry", p.ExpiryEpoch).
		Msg("Signal pending resolution")
}

// resolveDue settles every pending signal whose expiry has passed, in
// expiry order. Missing prices skip the signal without re-enqueueing.
func (t *Tracker) resolveDue(nowEpoch int64) {
	t.mu.Lock()
	due := make([]signal.PendingSignal, 0)
	for _, p := range t.pending {
		if p.ExpiryEpoch <= nowEpoch {
			due = append(due, p)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiryEpoch < due[j].ExpiryEpoch })

	type settled struct {
		p    signal.PendingSignal
		exit float64
		ok   bool
	}
	batch := make([]settled, 0, len(due))
	for _, p := range due {
		if t.processed[p.Key] {
			delete(t.pending, p.Key)
			continue
		}
		t.markProcessed(p.Key)
		delete(t.pending, p.Key)

		exit, ok := t.prices[p.Symbol]
		batch = append(batch, settled{p: p, exit: exit, ok: ok})
	}
	t.mu.Unlock()

	for _, s := range batch {
		if !s.ok {
			t.logger.Warn().
				Str("key", s.p.Key).
				Str("symbol", s.p.Symbol).
				Msg("No cached price at expiry, outcome dropped")
			continue
		}
		t.settle(s.p, s.exit)
	}
}

// markProcessed adds a key to the bounded processed set, evicting the
// oldest entries beyond the cap. Caller holds the lock.
func (t *Tracker) markProcessed(key string) {
	t.processed[key] = true
	t.processedOrder = append(t.processedOrder, key)
	for len(t.processedOrder) > processedCap {
		old := t.processedOrder[0]
		t.processedOrder = t.processedOrder[1:]
		delete(t.processed, old)
	}
}

// settle computes the outcome and feeds it back into the learners.
// Ties lose: a binary contract pays only on a strict move.
func (t *Tracker) settle(p signal.PendingSignal, exit float64) {
	wentUp := exit > p.EntryPrice
	won := (p.Direction == signal.DirectionCall && exit > p.EntryPrice) ||
		(p.Direction == signal.DirectionPut && exit < p.EntryPrice)

	outcome := signal.OutcomeLoss
	if won {
		outcome = signal.OutcomeWin
	}

	if len(p.Features) > 0 {
		t.ensemble.Update(p.Features, wentUp)
	}
	t.adaptive.RecordOutcome(won, p.Confidence)
	stats := t.sessions.RecordOutcome(p.SessionID, won)

	t.logger.Info().
		Str("key", p.Key).
		Str("direction", string(p.Direction)).
		Str("outcome", string(outcome)).
		Float64("entry", p.EntryPrice).
		Float64("exit", exit).
		Msg("Signal resolved")

	t.bus.PublishTradeResult(signal.TradeResult{
		SessionID: p.SessionID,
		Symbol:    p.Symbol,
		Direction: p.Direction,
		Outcome:   outcome,
		Entry:     p.EntryPrice,
		Exit:      exit,
		Stats:     stats,
	})
}

// checkVolatility warns active sessions whose market has turned
// unstable, rate-limited per session.
func (t *Tracker) checkVolatility() {
	now := t.now()
	for _, sess := range t.sessions.Active() {
		a, ok := t.volCache.Get(sess.Symbol)
		if !ok || a.VolatilityScore <= warnScore || a.IsStable {
			continue
		}

		t.mu.Lock()
		w := t.warnings[sess.ID]
		fire := w.count < maxSessionWarn && now.Sub(w.lastAt) > warnCooldown
		if fire {
			w.count++
			w.lastAt = now
			t.warnings[sess.ID] = w
		}
		t.mu.Unlock()
		if !fire {
			continue
		}

		t.bus.PublishWarning(signal.VolatilityWarning{
			SessionID: sess.ID,
			Symbol:    sess.Symbol,
			Type:      "in_session",
			Score:     a.VolatilityScore,
		})
	}
}
