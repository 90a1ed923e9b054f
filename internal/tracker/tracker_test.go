package tracker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"otc-signal-bot/internal/events"
	"otc-signal-bot/internal/features"
	"otc-signal-bot/internal/ml"
	"otc-signal-bot/internal/signal"
	"otc-signal-bot/internal/thresholds"
	"otc-signal-bot/internal/volatility"
)

type fakeDirectory struct {
	mu     sync.Mutex
	active []signal.Session
	stats  map[string]*signal.SessionStats
}

func newFakeDirectory(active ...signal.Session) *fakeDirectory {
	return &fakeDirectory{active: active, stats: make(map[string]*signal.SessionStats)}
}

func (d *fakeDirectory) Active() []signal.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]signal.Session{}, d.active...)
}

func (d *fakeDirectory) RecordOutcome(sessionID string, won bool) signal.SessionStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.stats[sessionID]
	if !ok {
		s = &signal.SessionStats{}
		d.stats[sessionID] = s
	}
	s.RecordOutcome(won)
	return *s
}

type harness struct {
	tracker  *Tracker
	bus      *events.Bus
	dir      *fakeDirectory
	ensemble *ml.Ensemble
	results  *[]signal.TradeResult
	warnings *[]signal.VolatilityWarning
	volCache *volatility.Cache
}

func newHarness(t *testing.T, active ...signal.Session) *harness {
	t.Helper()
	log := zerolog.Nop()
	bus := events.NewBus()
	dir := newFakeDirectory(active...)
	ensemble := ml.NewEnsemble(log)
	cache := volatility.NewCache(log)
	tr := New(ensemble, thresholds.NewAdaptive(log), dir, bus, cache, log)

	results := &[]signal.TradeResult{}
	warnings := &[]signal.VolatilityWarning{}
	bus.OnTradeResult(func(r signal.TradeResult) { *results = append(*results, r) })
	bus.OnWarning(func(w signal.VolatilityWarning) { *warnings = append(*warnings, w) })

	return &harness{tracker: tr, bus: bus, dir: dir, ensemble: ensemble, results: results, warnings: warnings, volCache: cache}
}

func callSignal(sessionID string, ts, closeTime int64) (signal.Session, signal.Result) {
	sess := signal.Session{ID: sessionID, ChatID: "c1", Symbol: "R_10", Timeframe: 60}
	res := signal.Result{
		SessionID:       sessionID,
		Symbol:          "R_10",
		Timeframe:       60,
		Timestamp:       ts,
		CandleCloseTime: closeTime,
		Direction:       signal.DirectionCall,
		Confidence:      78,
		EntryPrice:      1.2500,
		Features:        make([]float64, features.VectorSize),
	}
	return sess, res
}

func TestCallWinResolution(t *testing.T) {
	h := newHarness(t)
	sess, res := callSignal("s1", 5000, 6000)
	h.bus.PublishSignal(sess, res)

	if n := h.tracker.PendingCount(); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}

	h.tracker.RecordPrice("R_10", 1.2510)
	h.tracker.resolveDue(6060)

	if len(*h.results) != 1 {
		t.Fatalf("results = %d, want 1", len(*h.results))
	}
	r := (*h.results)[0]
	if r.Outcome != signal.OutcomeWin || r.Entry != 1.2500 || r.Exit != 1.2510 {
		t.Errorf("result = %+v, want WIN 1.2500 -> 1.2510", r)
	}
	if r.Stats.Wins != 1 || r.Stats.Losses != 0 || r.Stats.WinRate != 100 || r.Stats.TotalSignals != 1 {
		t.Errorf("stats = %+v, want 1/0/100/1", r.Stats)
	}
	if h.ensemble.Updates() != 1 {
		t.Errorf("ensemble updates = %d, want 1", h.ensemble.Updates())
	}
	if h.tracker.PendingCount() != 0 {
		t.Error("resolved signal still pending")
	}
}

func TestTieCountsAsLoss(t *testing.T) {
	h := newHarness(t)
	sess, res := callSignal("s1", 5000, 6000)
	h.bus.PublishSignal(sess, res)

	h.tracker.RecordPrice("R_10", 1.2500)
	h.tracker.resolveDue(6060)

	if len(*h.results) != 1 {
		t.Fatalf("results = %d, want 1", len(*h.results))
	}
	if (*h.results)[0].Outcome != signal.OutcomeLoss {
		t.Errorf("tie outcome = %s, want LOSS", (*h.results)[0].Outcome)
	}
}

func TestPutWinsOnDrop(t *testing.T) {
	h := newHarness(t)
	sess, res := callSignal("s1", 5000, 6000)
	res.Direction = signal.DirectionPut
	h.bus.PublishSignal(sess, res)

	h.tracker.RecordPrice("R_10", 1.2490)
	h.tracker.resolveDue(6060)

	if len(*h.results) != 1 || (*h.results)[0].Outcome != signal.OutcomeWin {
		t.Fatalf("PUT on a drop should win: %+v", *h.results)
	}
}

func TestNoTradeNotTracked(t *testing.T) {
	h := newHarness(t)
	sess, res := callSignal("s1", 5000, 6000)
	res.Direction = signal.DirectionNoTrade
	h.bus.PublishSignal(sess, res)

	if n := h.tracker.PendingCount(); n != 0 {
		t.Errorf("NO_TRADE tracked as pending (%d)", n)
	}
}

func TestMissingPriceDropsOutcome(t *testing.T) {
	h := newHarness(t)
	sess, res := callSignal("s1", 5000, 6000)
	h.bus.PublishSignal(sess, res)

	h.tracker.resolveDue(6060)
	if len(*h.results) != 0 {
		t.Fatalf("outcome fabricated without a price: %+v", *h.results)
	}
	if h.tracker.PendingCount() != 0 {
		t.Error("dropped signal re-enqueued")
	}

	// A price arriving later must not revive it.
	h.tracker.RecordPrice("R_10", 1.2510)
	h.tracker.resolveDue(6120)
	if len(*h.results) != 0 {
		t.Error("dropped signal resolved on a later poll")
	}
}

func TestDuplicateExpiryRejected(t *testing.T) {
	h := newHarness(t)
	sess, res := callSignal("s1", 5000, 6000)
	h.bus.PublishSignal(sess, res)
	h.tracker.RecordPrice("R_10", 1.2510)
	h.tracker.resolveDue(6060)

	// Same key re-enters the pending table; the processed set rejects
	// the second expiry.
	h.bus.PublishSignal(sess, res)
	h.tracker.resolveDue(6120)

	if len(*h.results) != 1 {
		t.Errorf("results = %d, want exactly 1 for a duplicate key", len(*h.results))
	}
}

func TestExpiryOrderWithinCycle(t *testing.T) {
	h := newHarness(t)
	for i, ts := range []int64{5002, 5000, 5001} {
		sess, res := callSignal("s1", ts, 6000+int64(i*60))
		h.bus.PublishSignal(sess, res)
	}
	h.tracker.RecordPrice("R_10", 1.2510)
	h.tracker.resolveDue(7000)

	if len(*h.results) != 3 {
		t.Fatalf("results = %d, want 3", len(*h.results))
	}
	// CandleCloseTime 6000/6060/6120 give ascending expiries; stats
	// totals grow one at a time in that order.
	for i, r := range *h.results {
		if r.Stats.TotalSignals != i+1 {
			t.Errorf("result %d has stats total %d, want %d", i, r.Stats.TotalSignals, i+1)
		}
	}
}

func TestProcessedSetBounded(t *testing.T) {
	h := newHarness(t)
	h.tracker.mu.Lock()
	for i := 0; i < processedCap+50; i++ {
		h.tracker.markProcessed(fmt.Sprintf("k%d", i))
	}
	size := len(h.tracker.processed)
	oldest := h.tracker.processed["k0"]
	newest := h.tracker.processed[fmt.Sprintf("k%d", processedCap+49)]
	h.tracker.mu.Unlock()

	if size != processedCap {
		t.Errorf("processed set size = %d, want %d", size, processedCap)
	}
	if oldest {
		t.Error("oldest key not evicted")
	}
	if !newest {
		t.Error("newest key missing")
	}
}

func TestVolatilityWarningRateLimit(t *testing.T) {
	sess := signal.Session{ID: "s1", ChatID: "c1", Symbol: "R_10", Timeframe: 60, Status: signal.SessionActive}
	h := newHarness(t, sess)

	clock := time.Unix(1_700_000_000, 0)
	h.tracker.now = func() time.Time { return clock }

	h.volCache.Put(volatility.Analysis{Symbol: "R_10", VolatilityScore: 0.75, IsStable: false})

	h.tracker.checkVolatility()
	if len(*h.warnings) != 1 {
		t.Fatalf("warnings = %d, want 1", len(*h.warnings))
	}
	if w := (*h.warnings)[0]; w.Type != "in_session" || w.SessionID != "s1" {
		t.Errorf("warning = %+v", w)
	}

	// Within the cooldown nothing fires.
	clock = clock.Add(30 * time.Second)
	h.tracker.checkVolatility()
	if len(*h.warnings) != 1 {
		t.Fatalf("warning fired inside cooldown")
	}

	// Two more after cooldowns, then the per-session cap holds.
	for i := 0; i < 3; i++ {
		clock = clock.Add(61 * time.Second)
		h.tracker.checkVolatility()
	}
	if len(*h.warnings) != maxSessionWarn {
		t.Errorf("warnings = %d, want capped at %d", len(*h.warnings), maxSessionWarn)
	}
}

func TestStableMarketNoWarning(t *testing.T) {
	sess := signal.Session{ID: "s1", Symbol: "R_10", Status: signal.SessionActive}
	h := newHarness(t, sess)

	h.volCache.Put(volatility.Analysis{Symbol: "R_10", VolatilityScore: 0.75, IsStable: true})
	h.tracker.checkVolatility()
	if len(*h.warnings) != 0 {
		t.Errorf("stable market warned: %+v", *h.warnings)
	}
}
