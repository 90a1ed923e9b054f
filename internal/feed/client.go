// Package feed is the websocket adapter to the market data provider.
// It multiplexes tick subscriptions across listeners, serves
// request/response calls such as candle history, and transparently
// reconnects with resubscription.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"otc-signal-bot/internal/market"
)

const (
	requestTimeout    = 30 * time.Second
	pingInterval      = 30 * time.Second
	reconnectBase     = 5 * time.Second
	reconnectMax      = 30 * time.Second
	maxReconnectTries = 10
)

var (
	// ErrNotConnected is returned by requests issued before Connect or
	// after a terminal disconnect.
	ErrNotConnected = errors.New("feed: not connected")

	// ErrFeedTimeout is returned when a request/response call gets no
	// answer within the protocol timeout.
	ErrFeedTimeout = errors.New("feed: request timed out")
)

// TickHandler receives ticks for one subscribed symbol, in wire order.
type TickHandler func(market.Tick)

// Config holds the feed endpoint settings.
type Config struct {
	URL   string
	Token string
}

// subscription is the wire-level state for one symbol. Listener fan-out
// happens locally; the wire carries one subscription per symbol no
// matter how many listeners share it.
type subscription struct {
	wireID    string
	listeners map[string]TickHandler
}

type request struct {
	Authorize    string `json:"authorize,omitempty"`
	Ticks        string `json:"ticks,omitempty"`
	Forget       string `json:"forget,omitempty"`
	TicksHistory string `json:"ticks_history,omitempty"`
	Style        string `json:"style,omitempty"`
	Granularity  int64  `json:"granularity,omitempty"`
	Count        int    `json:"count,omitempty"`
	End          string `json:"end,omitempty"`
	Subscribe    int    `json:"subscribe,omitempty"`
	Ping         int    `json:"ping,omitempty"`
	ReqID        int64  `json:"req_id,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type candlePayload struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
	Epoch int64   `json:"epoch"`
}

type tickPayload struct {
	Symbol string  `json:"symbol"`
	Quote  float64 `json:"quote"`
	Epoch  int64   `json:"epoch"`
}

type message struct {
	MsgType string          `json:"msg_type"`
	ReqID   int64           `json:"req_id,omitempty"`
	Error   *apiError       `json:"error,omitempty"`
	Tick    *tickPayload    `json:"tick,omitempty"`
	Candles []candlePayload `json:"candles,omitempty"`

	Subscription *struct {
		ID string `json:"id"`
	} `json:"subscription,omitempty"`

	EchoReq json.RawMessage `json:"echo_req,omitempty"`
}

// Client is the websocket feed adapter. All exported methods are safe
// for concurrent use.
type Client struct {
	cfg Config

	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	connected bool
	closed    bool
	stop      chan struct{}

	subs      map[string]*subscription
	pending   map[int64]chan message
	reqSeq    int64
	lastPrice map[string]market.Tick

	onConnected    []func()
	onDisconnected []func(terminal bool)

	// backoff is overridable so tests do not sleep for real.
	backoff func(attempt int) time.Duration

	logger zerolog.Logger
}

// NewClient creates an unconnected feed client.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	return &Client{
		cfg:       cfg,
		subs:      make(map[string]*subscription),
		pending:   make(map[int64]chan message),
		lastPrice: make(map[string]market.Tick),
		stop:      make(chan struct{}),
		backoff:   defaultBackoff,
		logger:    logger.With().Str("component", "FeedAdapter").Logger(),
	}
}

func defaultBackoff(attempt int) time.Duration {
	d := reconnectBase * time.Duration(attempt)
	if d > reconnectMax {
		d = reconnectMax
	}
	return d
}

// OnConnected registers a handler fired after every successful connect,
// including reconnects. Session re-hydration hangs off this hook.
func (c *Client) OnConnected(h func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = append(c.onConnected, h)
}

// OnDisconnected registers a handler fired when the connection drops.
// terminal is true once the reconnect budget is exhausted.
func (c *Client) OnDisconnected(h func(terminal bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnected = append(c.onDisconnected, h)
}

// Connect dials the feed, authorizes when a token is configured and
// starts the read and keep-alive loops.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		return err
	}

	if c.cfg.Token != "" {
		if _, err := c.call(ctx, request{Authorize: c.cfg.Token}); err != nil {
			return fmt.Errorf("feed authorize: %w", err)
		}
	}

	c.fireConnected()
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("feed dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.pingLoop(conn)

	c.logger.Info().Str("url", c.cfg.URL).Msg("Feed connected")
	return nil
}

// Close tears the connection down permanently. No reconnect follows.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.stop)
	conn := c.conn
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.logger.Info().Msg("Feed closed")
}

// IsConnected reports whether the wire is currently up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SubscribeTicks attaches a listener to a symbol's tick stream. The
// first listener starts the wire subscription; later listeners share
// it.
func (c *Client) SubscribeTicks(symbol, listenerID string, h TickHandler) error {
	c.mu.Lock()
	sub, exists := c.subs[symbol]
	if !exists {
		sub = &subscription{listeners: make(map[string]TickHandler)}
		c.subs[symbol] = sub
	}
	sub.listeners[listenerID] = h
	needWire := !exists
	c.mu.Unlock()

	if !needWire {
		return nil
	}
	if err := c.send(request{Ticks: symbol, Subscribe: 1, ReqID: c.nextReq()}); err != nil {
		c.mu.Lock()
		delete(c.subs[symbol].listeners, listenerID)
		if len(c.subs[symbol].listeners) == 0 {
			delete(c.subs, symbol)
		}
		c.mu.Unlock()
		return err
	}
	c.logger.Info().Str("symbol", symbol).Msg("Tick subscription opened")
	return nil
}

// UnsubscribeTicks detaches a listener. The wire subscription is
// released when the last listener leaves.
func (c *Client) UnsubscribeTicks(symbol, listenerID string) {
	c.mu.Lock()
	sub, ok := c.subs[symbol]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(sub.listeners, listenerID)
	var wireID string
	release := len(sub.listeners) == 0
	if release {
		wireID = sub.wireID
		delete(c.subs, symbol)
	}
	c.mu.Unlock()

	if release && wireID != "" {
		if err := c.send(request{Forget: wireID, ReqID: c.nextReq()}); err != nil {
			c.logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to release wire subscription")
		}
	}
	if release {
		c.logger.Info().Str("symbol", symbol).Msg("Tick subscription released")
	}
}

// FetchCandleHistory requests count closed candles for a symbol at the
// given granularity. The result is sorted ascending by start epoch.
func (c *Client) FetchCandleHistory(ctx context.Context, symbol string, granularity int64, count int) ([]market.Candle, error) {
	msg, err := c.call(ctx, request{
		TicksHistory: symbol,
		Style:        "candles",
		Granularity:  granularity,
		Count:        count,
		End:          "latest",
	})
	if err != nil {
		return nil, fmt.Errorf("history %s/%d: %w", symbol, granularity, err)
	}

	out := make([]market.Candle, 0, len(msg.Candles))
	for _, p := range msg.Candles {
		out = append(out, market.Candle{
			Symbol:     symbol,
			Timeframe:  granularity,
			Open:       p.Open,
			High:       p.High,
			Low:        p.Low,
			Close:      p.Close,
			StartEpoch: p.Epoch,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartEpoch < out[j].StartEpoch })
	return out, nil
}

// LastTick returns the most recent tick seen for a symbol.
func (c *Client) LastTick(symbol string) (market.Tick, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.lastPrice[symbol]
	return t, ok
}

// call sends a request and waits for its response or the timeout.
func (c *Client) call(ctx context.Context, req request) (message, error) {
	req.ReqID = c.nextReq()
	ch := make(chan message, 1)

	c.mu.Lock()
	c.pending[req.ReqID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ReqID)
		c.mu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return message{}, err
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case msg := <-ch:
		if msg.Error != nil {
			return message{}, fmt.Errorf("feed error %s: %s", msg.Error.Code, msg.Error.Message)
		}
		return msg, nil
	case <-timer.C:
		return message{}, ErrFeedTimeout
	case <-ctx.Done():
		return message{}, ctx.Err()
	case <-c.stop:
		return message{}, ErrNotConnected
	}
}

func (c *Client) nextReq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqSeq++
	return c.reqSeq
}

func (c *Client) send(req request) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(req)
}

// readLoop drains the connection until it fails, then hands off to the
// reconnect loop. Ticks are fanned out synchronously so per-symbol
// ordering matches wire ordering.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		if msg.Tick != nil {
			c.handleTick(msg)
			continue
		}
		if msg.ReqID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[msg.ReqID]
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		}
	}
}

func (c *Client) handleTick(msg message) {
	tick := market.Tick{
		Symbol: msg.Tick.Symbol,
		Price:  msg.Tick.Quote,
		Epoch:  msg.Tick.Epoch,
	}

	c.mu.Lock()
	c.lastPrice[tick.Symbol] = tick
	sub, ok := c.subs[tick.Symbol]
	var handlers []TickHandler
	if ok {
		if msg.Subscription != nil && sub.wireID == "" {
			sub.wireID = msg.Subscription.ID
		}
		handlers = make([]TickHandler, 0, len(sub.listeners))
		for _, h := range sub.listeners {
			handlers = append(handlers, h)
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(tick)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.send(request{Ping: 1, ReqID: c.nextReq()}); err != nil {
				return
			}
		case <-c.stop:
			return
		}
	}
}

// handleDisconnect runs the reconnect ladder after a read failure.
// Wire subscriptions are replayed on success; after the attempt budget
// is spent the disconnect is terminal.
func (c *Client) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.mu.Unlock()
	conn.Close()

	c.logger.Warn().Err(cause).Msg("Feed connection lost")
	c.fireDisconnected(false)

	for attempt := 1; attempt <= maxReconnectTries; attempt++ {
		select {
		case <-time.After(c.backoff(attempt)):
		case <-c.stop:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		err := c.dial(ctx)
		cancel()
		if err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect failed")
			continue
		}

		if c.cfg.Token != "" {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			_, err = c.call(ctx, request{Authorize: c.cfg.Token})
			cancel()
			if err != nil {
				c.logger.Warn().Err(err).Int("attempt", attempt).Msg("Reauthorize failed")
				continue
			}
		}

		c.resubscribeAll()
		c.logger.Info().Int("attempt", attempt).Msg("Feed reconnected")
		c.fireConnected()
		return
	}

	c.logger.Error().Int("attempts", maxReconnectTries).Msg("Feed reconnect budget exhausted")
	c.fireDisconnected(true)
}

func (c *Client) resubscribeAll() {
	c.mu.Lock()
	symbols := make([]string, 0, len(c.subs))
	for s, sub := range c.subs {
		sub.wireID = ""
		symbols = append(symbols, s)
	}
	c.mu.Unlock()

	for _, s := range symbols {
		if err := c.send(request{Ticks: s, Subscribe: 1, ReqID: c.nextReq()}); err != nil {
			c.logger.Warn().Err(err).Str("symbol", s).Msg("Resubscribe failed")
		}
	}
}

func (c *Client) fireConnected() {
	c.mu.Lock()
	handlers := append([]func(){}, c.onConnected...)
	c.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

func (c *Client) fireDisconnected(terminal bool) {
	c.mu.Lock()
	handlers := append([]func(terminal bool){}, c.onDisconnected...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(terminal)
	}
}
