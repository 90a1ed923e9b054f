package feed

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"net/http"
	"net/http/httptest"

	"otc-signal-bot/internal/market"
)

// fakeFeed is an in-process feed server speaking the wire protocol.
type fakeFeed struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*serverConn

	subscribes chan string
	forgets    chan string

	// dropAfterSubscribe closes the connection right after answering
	// the first subscribe, to exercise the reconnect path.
	dropAfterSubscribe bool
	dropped            bool
}

type serverConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *serverConn) write(msg message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		subscribes: make(chan string, 16),
		forgets:    make(chan string, 16),
	}
}

func (f *fakeFeed) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sc := &serverConn{conn: conn}
	f.mu.Lock()
	f.conns = append(f.conns, sc)
	f.mu.Unlock()

	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		switch {
		case req.Authorize != "":
			sc.write(message{MsgType: "authorize", ReqID: req.ReqID})

		case req.Ticks != "":
			f.subscribes <- req.Ticks
			sc.write(message{
				MsgType: "tick",
				ReqID:   req.ReqID,
				Tick:    &tickPayload{Symbol: req.Ticks, Quote: 1.1000, Epoch: 1000},
				Subscription: &struct {
					ID string `json:"id"`
				}{ID: "wire-" + req.Ticks},
			})
			f.mu.Lock()
			drop := f.dropAfterSubscribe && !f.dropped
			if drop {
				f.dropped = true
			}
			f.mu.Unlock()
			if drop {
				conn.Close()
				return
			}

		case req.Forget != "":
			f.forgets <- req.Forget
			sc.write(message{MsgType: "forget", ReqID: req.ReqID})

		case req.TicksHistory != "":
			// Deliberately unsorted: the client must sort ascending.
			sc.write(message{
				MsgType: "candles",
				ReqID:   req.ReqID,
				Candles: []candlePayload{
					{Open: 1.2, High: 1.3, Low: 1.1, Close: 1.25, Epoch: 1120},
					{Open: 1.0, High: 1.1, Low: 0.9, Close: 1.05, Epoch: 1000},
					{Open: 1.1, High: 1.2, Low: 1.0, Close: 1.15, Epoch: 1060},
				},
			})

		case req.Ping != 0:
			sc.write(message{MsgType: "pong", ReqID: req.ReqID})
		}
	}
}

// pushTick sends a streaming tick on the newest connection.
func (f *fakeFeed) pushTick(symbol string, quote float64, epoch int64) {
	f.mu.Lock()
	sc := f.conns[len(f.conns)-1]
	f.mu.Unlock()
	sc.write(message{MsgType: "tick", Tick: &tickPayload{Symbol: symbol, Quote: quote, Epoch: epoch}})
}

func startClient(t *testing.T, f *fakeFeed) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(f.handler))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	c := NewClient(Config{URL: url}, zerolog.Nop())
	c.backoff = func(int) time.Duration { return 5 * time.Millisecond }
	if err := c.Connect(context.Background()); err != nil {
		srv.Close()
		t.Fatalf("connect: %v", err)
	}
	return c, func() {
		c.Close()
		srv.Close()
	}
}

func waitFor(t *testing.T, ch chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func TestFetchCandleHistorySorted(t *testing.T) {
	f := newFakeFeed()
	c, done := startClient(t, f)
	defer done()

	candles, err := c.FetchCandleHistory(context.Background(), "R_10", 60, 300)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(candles) != 3 {
		t.Fatalf("got %d candles, want 3", len(candles))
	}
	for i := 1; i < len(candles); i++ {
		if candles[i].StartEpoch <= candles[i-1].StartEpoch {
			t.Errorf("candles not ascending at %d: %d then %d", i, candles[i-1].StartEpoch, candles[i].StartEpoch)
		}
	}
	first := candles[0]
	if first.Symbol != "R_10" || first.Timeframe != 60 || first.Open != 1.0 {
		t.Errorf("candle fields not mapped: %+v", first)
	}
	if first.IsForming {
		t.Error("history candles must be non-forming")
	}
}

func TestTickFanOutMultiplexed(t *testing.T) {
	f := newFakeFeed()
	c, done := startClient(t, f)
	defer done()

	got1 := make(chan market.Tick, 8)
	got2 := make(chan market.Tick, 8)
	if err := c.SubscribeTicks("R_10", "a", func(tk market.Tick) { got1 <- tk }); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if err := c.SubscribeTicks("R_10", "b", func(tk market.Tick) { got2 <- tk }); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}

	// Exactly one wire subscription for two listeners.
	waitFor(t, f.subscribes, "R_10")
	select {
	case extra := <-f.subscribes:
		t.Fatalf("second wire subscription opened: %s", extra)
	case <-time.After(50 * time.Millisecond):
	}

	f.pushTick("R_10", 1.2001, 2000)
	f.pushTick("R_10", 1.2002, 2001)

	for name, ch := range map[string]chan market.Tick{"a": got1, "b": got2} {
		var prices []float64
		deadline := time.After(2 * time.Second)
		for len(prices) < 2 {
			select {
			case tk := <-ch:
				if tk.Price == 1.1000 {
					continue // initial snapshot tick
				}
				prices = append(prices, tk.Price)
			case <-deadline:
				t.Fatalf("listener %s: got %v, want two ticks", name, prices)
			}
		}
		if prices[0] != 1.2001 || prices[1] != 1.2002 {
			t.Errorf("listener %s: ticks out of order: %v", name, prices)
		}
	}

	if tk, ok := c.LastTick("R_10"); !ok || tk.Price != 1.2002 {
		t.Errorf("last tick = %+v, %v; want 1.2002", tk, ok)
	}
}

func TestLastListenerReleasesWire(t *testing.T) {
	f := newFakeFeed()
	c, done := startClient(t, f)
	defer done()

	if err := c.SubscribeTicks("R_10", "a", func(market.Tick) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := c.SubscribeTicks("R_10", "b", func(market.Tick) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, f.subscribes, "R_10")

	// Wait for the wire id from the snapshot tick before releasing.
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		sub, ok := c.subs["R_10"]
		id := ""
		if ok {
			id = sub.wireID
		}
		c.mu.Unlock()
		if id != "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("wire id never recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.UnsubscribeTicks("R_10", "a")
	select {
	case id := <-f.forgets:
		t.Fatalf("wire released while a listener remained: %s", id)
	case <-time.After(50 * time.Millisecond):
	}

	c.UnsubscribeTicks("R_10", "b")
	waitFor(t, f.forgets, "wire-R_10")
}

func TestReconnectResubscribes(t *testing.T) {
	f := newFakeFeed()
	f.dropAfterSubscribe = true
	c, done := startClient(t, f)
	defer done()

	reconnected := make(chan struct{}, 4)
	c.OnConnected(func() { reconnected <- struct{}{} })

	if err := c.SubscribeTicks("R_10", "a", func(market.Tick) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, f.subscribes, "R_10")

	// The server dropped the connection; the client must come back and
	// replay the subscription.
	waitFor(t, f.subscribes, "R_10")
	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("connected hook not fired on reconnect")
	}
}

func TestRequestsFailWhenDisconnected(t *testing.T) {
	c := NewClient(Config{URL: "ws://127.0.0.1:1"}, zerolog.Nop())
	if _, err := c.FetchCandleHistory(context.Background(), "R_10", 60, 300); err == nil {
		t.Fatal("history fetch succeeded without a connection")
	}
	if err := c.SubscribeTicks("R_10", "a", func(market.Tick) {}); err == nil {
		t.Fatal("subscribe succeeded without a connection")
	}
}
