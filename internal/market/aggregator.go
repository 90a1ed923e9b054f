package market

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CandleHandler receives candle events for a (symbol, timeframe) pair.
// Handlers are invoked synchronously in tick order for the same pair.
type CandleHandler func(symbol string, timeframe int64, candle Candle)

// AggregatorStats is a snapshot of aggregator activity for the status API.
type AggregatorStats struct {
	ActivePairs   int       `json:"active_pairs"`
	CandlesHeld   int       `json:"candles_held"`
	TicksFolded   int64     `json:"ticks_folded"`
	ClosedEmitted int64     `json:"closed_emitted"`
	TicksDropped  int64     `json:"ticks_dropped"`
	LastTickTime  time.Time `json:"last_tick_time"`
}

// book holds the candle state for one (symbol, timeframe) pair. The
// aggregator is the only writer; readers get copies.
type book struct {
	symbol    string
	timeframe int64
	capacity  int
	closed    []Candle
	forming   *Candle
}

// Aggregator folds ticks into per-(symbol, timeframe) candle books and
// emits forming/tick/closed events. ProcessTick must be called in epoch
// order per pair; the feed forwarder guarantees that.
type Aggregator struct {
	mu    sync.RWMutex
	books map[string]*book

	handlerMu sync.RWMutex
	onForming []CandleHandler
	onTick    []CandleHandler
	onClosed  []CandleHandler

	ticksFolded   int64
	closedEmitted int64
	ticksDropped  int64
	lastTickTime  time.Time

	logger zerolog.Logger
}

// NewAggregator creates an empty candle aggregator.
func NewAggregator(logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		books:  make(map[string]*book),
		logger: logger.With().Str("component", "CandleAggregator").Logger(),
	}
}

func pairKey(symbol string, timeframe int64) string {
	return fmt.Sprintf("%s:%d", symbol, timeframe)
}

// OnForming registers a handler for first-tick-of-interval events.
func (a *Aggregator) OnForming(h CandleHandler) {
	a.handlerMu.Lock()
	defer a.handlerMu.Unlock()
	a.onForming = append(a.onForming, h)
}

// OnTick registers a handler for forming-candle updates.
func (a *Aggregator) OnTick(h CandleHandler) {
	a.handlerMu.Lock()
	defer a.handlerMu.Unlock()
	a.onTick = append(a.onTick, h)
}

// OnClosed registers a handler for candle close events. Exactly one
// closed event is emitted per boundary crossing.
func (a *Aggregator) OnClosed(h CandleHandler) {
	a.handlerMu.Lock()
	defer a.handlerMu.Unlock()
	a.onClosed = append(a.onClosed, h)
}

// Initialize seeds the closed-candle ring for a pair from fetched history.
// History is sorted ascending, forming entries are discarded and the ring
// is truncated to capacity (newest kept). Re-initializing replaces state,
// which is how sessions re-hydrate after a feed reconnect.
func (a *Aggregator) Initialize(symbol string, timeframe int64, history []Candle, capacity int) error {
	if capacity <= 0 {
		return fmt.Errorf("invalid capacity %d for %s:%d", capacity, symbol, timeframe)
	}

	closed := make([]Candle, 0, len(history))
	for _, c := range history {
		if c.IsForming {
			continue
		}
		c.Symbol = symbol
		c.Timeframe = timeframe
		closed = append(closed, c)
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].StartEpoch < closed[j].StartEpoch })
	if len(closed) > capacity {
		closed = closed[len(closed)-capacity:]
	}

	a.mu.Lock()
	a.books[pairKey(symbol, timeframe)] = &book{
		symbol:    symbol,
		timeframe: timeframe,
		capacity:  capacity,
		closed:    closed,
	}
	a.mu.Unlock()

	a.logger.Info().
		Str("symbol", symbol).
		Int64("timeframe", timeframe).
		Int("candles", len(closed)).
		Msg("Aggregator initialized")
	return nil
}

// ProcessTick folds a tick into the pair's book. Invalid and out-of-order
// ticks are dropped. Ticks for uninitialized pairs are logged and ignored.
func (a *Aggregator) ProcessTick(tick Tick, timeframe int64) {
	if !tick.Valid() {
		a.mu.Lock()
		a.ticksDropped++
		a.mu.Unlock()
		a.logger.Debug().Str("symbol", tick.Symbol).Float64("price", tick.Price).Msg("Dropped invalid tick")
		return
	}

	a.mu.Lock()
	b, ok := a.books[pairKey(tick.Symbol, timeframe)]
	if !ok {
		a.ticksDropped++
		a.mu.Unlock()
		a.logger.Warn().
			Str("symbol", tick.Symbol).
			Int64("timeframe", timeframe).
			Msg("Tick for uninitialized pair ignored")
		return
	}

	boundary := Boundary(tick.Epoch, timeframe)

	var formingEvt, tickEvt *Candle
	var closedEvt *Candle

	switch {
	case b.forming == nil:
		b.forming = newForming(tick, timeframe, boundary)
		formingEvt = snapshot(b.forming)

	case boundary == b.forming.StartEpoch:
		fold(b.forming, tick.Price)
		tickEvt = snapshot(b.forming)

	case boundary > b.forming.StartEpoch:
		// Crossing tick: freeze the previous interval, then open the new one.
		done := *b.forming
		done.IsForming = false
		b.closed = append(b.closed, done)
		if len(b.closed) > b.capacity {
			b.closed = b.closed[len(b.closed)-b.capacity:]
		}
		closedEvt = &done
		a.closedEmitted++

		b.forming = newForming(tick, timeframe, boundary)
		formingEvt = snapshot(b.forming)

	default:
		// Boundary earlier than the forming candle: out of order, drop.
		a.ticksDropped++
		a.mu.Unlock()
		return
	}

	a.ticksFolded++
	a.lastTickTime = time.Now()
	symbol := b.symbol
	a.mu.Unlock()

	if closedEvt != nil {
		a.dispatch(a.closedHandlers(), symbol, timeframe, *closedEvt)
	}
	if formingEvt != nil {
		a.dispatch(a.formingHandlers(), symbol, timeframe, *formingEvt)
	}
	if tickEvt != nil {
		a.dispatch(a.tickHandlers(), symbol, timeframe, *tickEvt)
	}
}

func newForming(tick Tick, timeframe, boundary int64) *Candle {
	return &Candle{
		Symbol:     tick.Symbol,
		Timeframe:  timeframe,
		Open:       tick.Price,
		High:       tick.Price,
		Low:        tick.Price,
		Close:      tick.Price,
		StartEpoch: boundary,
		TickCount:  1,
		IsForming:  true,
	}
}

func fold(c *Candle, price float64) {
	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
	c.Close = price
	c.TickCount++
}

func snapshot(c *Candle) *Candle {
	cp := *c
	return &cp
}

func (a *Aggregator) formingHandlers() []CandleHandler {
	a.handlerMu.RLock()
	defer a.handlerMu.RUnlock()
	return a.onForming
}

func (a *Aggregator) tickHandlers() []CandleHandler {
	a.handlerMu.RLock()
	defer a.handlerMu.RUnlock()
	return a.onTick
}

func (a *Aggregator) closedHandlers() []CandleHandler {
	a.handlerMu.RLock()
	defer a.handlerMu.RUnlock()
	return a.onClosed
}

func (a *Aggregator) dispatch(handlers []CandleHandler, symbol string, timeframe int64, c Candle) {
	for _, h := range handlers {
		h(symbol, timeframe, c)
	}
}

// GetClosed returns a copy of the closed candles for a pair, oldest first.
func (a *Aggregator) GetClosed(symbol string, timeframe int64) []Candle {
	a.mu.RLock()
	defer a.mu.RUnlock()

	b, ok := a.books[pairKey(symbol, timeframe)]
	if !ok {
		return nil
	}
	out := make([]Candle, len(b.closed))
	copy(out, b.closed)
	return out
}

// GetForming returns a copy of the forming candle, or false when no tick
// of the current interval has arrived yet.
func (a *Aggregator) GetForming(symbol string, timeframe int64) (Candle, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	b, ok := a.books[pairKey(symbol, timeframe)]
	if !ok || b.forming == nil {
		return Candle{}, false
	}
	return *b.forming, true
}

// GetLastN returns up to n of the newest closed candles, oldest first.
func (a *Aggregator) GetLastN(symbol string, timeframe int64, n int) []Candle {
	closed := a.GetClosed(symbol, timeframe)
	if len(closed) > n {
		closed = closed[len(closed)-n:]
	}
	return closed
}

// Cleanup releases all state for a pair.
func (a *Aggregator) Cleanup(symbol string, timeframe int64) {
	a.mu.Lock()
	delete(a.books, pairKey(symbol, timeframe))
	a.mu.Unlock()

	a.logger.Info().Str("symbol", symbol).Int64("timeframe", timeframe).Msg("Aggregator state released")
}

// Stats returns a snapshot of aggregator activity.
func (a *Aggregator) Stats() AggregatorStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	held := 0
	for _, b := range a.books {
		held += len(b.closed)
		if b.forming != nil {
			held++
		}
	}
	return AggregatorStats{
		ActivePairs:   len(a.books),
		CandlesHeld:   held,
		TicksFolded:   a.ticksFolded,
		ClosedEmitted: a.closedEmitted,
		TicksDropped:  a.ticksDropped,
		LastTickTime:  a.lastTickTime,
	}
}
