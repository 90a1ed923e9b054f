package engine

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"otc-signal-bot/internal/brain"
	"otc-signal-bot/internal/market"
	"otc-signal-bot/internal/ml"
	"otc-signal-bot/internal/signal"
	"otc-signal-bot/internal/thresholds"
	"otc-signal-bot/internal/volatility"
)

func newTestEngine() *Engine {
	log := zerolog.Nop()
	return New(
		ml.NewEnsemble(log),
		thresholds.NewAdaptive(log),
		brain.New(log),
		volatility.NewCache(log),
		log,
	)
}

func rising(n int) []market.Candle {
	out := make([]market.Candle, n)
	p := 1.1000
	epoch := int64(1_700_000_000)
	for i := range out {
		o := p
		p += 0.0010
		out[i] = market.Candle{
			Symbol: "R_10", Timeframe: 60,
			Open: o, High: p + 0.0001, Low: o - 0.0001, Close: p,
			StartEpoch: epoch + int64(i)*60, TickCount: 12,
		}
	}
	return out
}

// spiky ends a calm series with five oversized two-sided candles.
func spiky(n int) []market.Candle {
	out := rising(n - 5)
	last := out[len(out)-1]
	for i := 0; i < 5; i++ {
		o := last.Close
		out = append(out, market.Candle{
			Symbol: "R_10", Timeframe: 60,
			Open: o, High: o + 0.0120, Low: o - 0.0120, Close: o + 0.0002,
			StartEpoch: last.StartEpoch + int64(i+1)*60, TickCount: 40,
		})
	}
	return out
}

func request(closed []market.Candle) Request {
	lastEpoch := closed[len(closed)-1].StartEpoch
	forming := market.Candle{
		Symbol: "R_10", Timeframe: 60,
		Open: closed[len(closed)-1].Close, High: closed[len(closed)-1].Close + 0.0001,
		Low: closed[len(closed)-1].Close - 0.0001, Close: closed[len(closed)-1].Close + 0.0001,
		StartEpoch: lastEpoch + 60, TickCount: 3, IsForming: true,
	}
	return Request{
		SessionID:       "sess-1",
		Symbol:          "R_10",
		Timeframe:       60,
		Closed:          closed,
		Forming:         &forming,
		CandleCloseTime: lastEpoch + 60,
	}
}

func TestInsufficientHistory(t *testing.T) {
	e := newTestEngine()
	res := e.Generate(context.Background(), request(rising(49)))

	if res.Direction != signal.DirectionNoTrade {
		t.Errorf("direction = %s, want NO_TRADE", res.Direction)
	}
	if res.Confidence != 0 {
		t.Errorf("confidence = %f, want 0", res.Confidence)
	}
	if res.ClosedCandlesCount != 49 {
		t.Errorf("closedCandlesCount = %d, want 49", res.ClosedCandlesCount)
	}
	if len(res.Votes) != 0 {
		t.Errorf("votes = %d, want none", len(res.Votes))
	}
	if res.VolatilityOverride {
		t.Error("insufficient history must not be a volatility override")
	}
}

func TestVolatilityVeto(t *testing.T) {
	e := newTestEngine()
	res := e.Generate(context.Background(), request(spiky(65)))

	if res.Direction != signal.DirectionNoTrade {
		t.Errorf("direction = %s, want NO_TRADE", res.Direction)
	}
	if !res.VolatilityOverride {
		t.Error("spiky tape must set volatilityOverride")
	}
	if res.VolatilityReason == "" {
		t.Error("veto must carry a reason")
	}
}

func TestGenerateOnCleanTrend(t *testing.T) {
	e := newTestEngine()
	res := e.Generate(context.Background(), request(rising(80)))

	// A clean uptrend either emits a CALL or a low-confidence
	// NO_TRADE suggesting CALL; it must never emit PUT.
	if res.Direction == signal.DirectionPut {
		t.Fatalf("clean uptrend produced PUT: %+v", res)
	}
	if res.Direction == signal.DirectionNoTrade && !res.VolatilityOverride {
		if res.SuggestedDirection != signal.DirectionCall {
			t.Errorf("suggested direction = %s, want CALL", res.SuggestedDirection)
		}
	}
	if len(res.Votes) == 0 {
		t.Error("no votes recorded on full pipeline run")
	}
	if len(res.Features) == 0 {
		t.Error("feature vector not attached")
	}
	if res.EntryPrice == 0 {
		t.Error("entry price not taken from forming candle")
	}
	if res.FormingCandle == nil {
		t.Error("forming candle not attached")
	}
}

func TestCancellationDegrades(t *testing.T) {
	e := newTestEngine()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := e.Generate(ctx, request(rising(80)))
	if res.Direction != signal.DirectionNoTrade {
		t.Errorf("cancelled generation emitted %s", res.Direction)
	}
	if res.VolatilityReason != "generation cancelled" {
		t.Errorf("reason = %q, want cancellation marker", res.VolatilityReason)
	}
}

func TestGenerateDeterministicDirection(t *testing.T) {
	e := newTestEngine()
	a := e.Generate(context.Background(), request(rising(80)))
	b := e.Generate(context.Background(), request(rising(80)))

	if a.Direction != b.Direction {
		t.Errorf("direction changed between identical runs: %s vs %s", a.Direction, b.Direction)
	}
	if a.PUp != b.PUp {
		t.Errorf("pUp changed between identical runs: %f vs %f", a.PUp, b.PUp)
	}
}

func TestVolatilityCachePopulated(t *testing.T) {
	log := zerolog.Nop()
	cache := volatility.NewCache(log)
	e := New(ml.NewEnsemble(log), thresholds.NewAdaptive(log), brain.New(log), cache, log)

	e.Generate(context.Background(), request(rising(80)))
	if _, ok := cache.Get("R_10"); !ok {
		t.Error("volatility cache not updated during generation")
	}
}
