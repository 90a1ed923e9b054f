// Package events is the typed publish/subscribe seam between the
// session manager and the win/loss tracker. Neither holds a direct
// reference to the other; both talk through the bus.
package events

import (
	"sync"

	"otc-signal-bot/internal/signal"
)

// SignalHandler receives every published candle-close signal.
type SignalHandler func(sess signal.Session, res signal.Result)

// TradeResultHandler receives resolved pending signals.
type TradeResultHandler func(tr signal.TradeResult)

// WarningHandler receives volatility warnings for active sessions.
type WarningHandler func(w signal.VolatilityWarning)

// SessionHandler receives session lifecycle events.
type SessionHandler func(sess signal.Session)

// Bus fans events out to registered handlers. Dispatch is synchronous
// in registration order, so events published from a single goroutine
// are observed in publish order; handlers must not block.
type Bus struct {
	mu             sync.RWMutex
	onSignal       []SignalHandler
	onTradeResult  []TradeResultHandler
	onWarning      []WarningHandler
	onSessionStart []SessionHandler
	onSessionStop  []SessionHandler

	signalsPublished int64
	resultsPublished int64
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// OnSignal registers a handler for candleCloseSignal events.
func (b *Bus) OnSignal(h SignalHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSignal = append(b.onSignal, h)
}

// OnTradeResult registers a handler for tradeResult events.
func (b *Bus) OnTradeResult(h TradeResultHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTradeResult = append(b.onTradeResult, h)
}

// OnWarning registers a handler for volatilityWarning events.
func (b *Bus) OnWarning(h WarningHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onWarning = append(b.onWarning, h)
}

// OnSessionStarted registers a handler for sessionStarted events.
func (b *Bus) OnSessionStarted(h SessionHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSessionStart = append(b.onSessionStart, h)
}

// OnSessionStopped registers a handler for sessionStopped events.
func (b *Bus) OnSessionStopped(h SessionHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSessionStop = append(b.onSessionStop, h)
}

// PublishSignal delivers a candle-close signal to all handlers.
func (b *Bus) PublishSignal(sess signal.Session, res signal.Result) {
	b.mu.Lock()
	b.signalsPublished++
	handlers := b.onSignal
	b.mu.Unlock()
	for _, h := range handlers {
		h(sess, res)
	}
}

// PublishTradeResult delivers a resolved outcome to all handlers.
func (b *Bus) PublishTradeResult(tr signal.TradeResult) {
	b.mu.Lock()
	b.resultsPublished++
	handlers := b.onTradeResult
	b.mu.Unlock()
	for _, h := range handlers {
		h(tr)
	}
}

// PublishWarning delivers a volatility warning to all handlers.
func (b *Bus) PublishWarning(w signal.VolatilityWarning) {
	b.mu.RLock()
	handlers := b.onWarning
	b.mu.RUnlock()
	for _, h := range handlers {
		h(w)
	}
}

// PublishSessionStarted announces a new active session.
func (b *Bus) PublishSessionStarted(sess signal.Session) {
	b.mu.RLock()
	handlers := b.onSessionStart
	b.mu.RUnlock()
	for _, h := range handlers {
		h(sess)
	}
}

// PublishSessionStopped announces a stopped session.
func (b *Bus) PublishSessionStopped(sess signal.Session) {
	b.mu.RLock()
	handlers := b.onSessionStop
	b.mu.RUnlock()
	for _, h := range handlers {
		h(sess)
	}
}

// SignalsPublished returns the number of signals published so far.
func (b *Bus) SignalsPublished() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.signalsPublished
}

// ResultsPublished returns the number of trade results published.
func (b *Bus) ResultsPublished() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.resultsPublished
}
