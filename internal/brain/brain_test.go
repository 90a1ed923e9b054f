package brain

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"otc-signal-bot/internal/indicators"
	"otc-signal-bot/internal/market"
	"otc-signal-bot/internal/ml"
	"otc-signal-bot/internal/patterns"
	"otc-signal-bot/internal/regime"
	"otc-signal-bot/internal/signal"
	"otc-signal-bot/internal/thresholds"
)

func risingCandles(n int) []market.Candle {
	out := make([]market.Candle, n)
	p := 1.1000
	for i := range out {
		o := p
		p += 0.0010
		out[i] = market.Candle{Open: o, High: p + 0.0001, Low: o - 0.0001, Close: p, TickCount: 10}
	}
	return out
}

func fallingCandles(n int) []market.Candle {
	out := make([]market.Candle, n)
	p := 1.2000
	for i := range out {
		o := p
		p -= 0.0010
		out[i] = market.Candle{Open: o, High: o + 0.0001, Low: p - 0.0001, Close: p, TickCount: 10}
	}
	return out
}

func upInput(t *testing.T) Input {
	t.Helper()
	candles := risingCandles(80)
	vals := indicators.Compute(candles)
	return Input{
		Symbol:  "R_10",
		Candles: candles,
		Values:  vals,
		Psych:   patterns.AnalyzePsychology(candles),
		Regime:  regime.Detect(candles, vals),
		Gates:   thresholds.BaseSet(),
	}
}

func TestIndicatorVotesOnUptrend(t *testing.T) {
	candles := risingCandles(80)
	vals := indicators.Compute(candles)
	votes := IndicatorVotes(candles, vals, signal.Options{})

	if len(votes) == 0 {
		t.Fatal("no votes on a clean uptrend")
	}
	var up, down float64
	for _, v := range votes {
		if v.Weight <= 0 || v.Weight > 2.5*1.5 {
			t.Errorf("vote %s weight %f out of range", v.Indicator, v.Weight)
		}
		if v.Reason == "" {
			t.Errorf("vote %s missing reason", v.Indicator)
		}
		switch v.Direction {
		case signal.VoteUp:
			up += v.Weight
		case signal.VoteDown:
			down += v.Weight
		}
	}
	if up <= down {
		t.Errorf("uptrend votes: up %.2f should beat down %.2f", up, down)
	}
}

func TestIndicatorVotesDeterministic(t *testing.T) {
	candles := risingCandles(80)
	vals := indicators.Compute(candles)
	a := IndicatorVotes(candles, vals, signal.Options{})
	b := IndicatorVotes(candles, vals, signal.Options{})
	if len(a) != len(b) {
		t.Fatalf("vote counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("vote %d differs between identical runs", i)
		}
	}
}

func TestEnableListFiltersVotes(t *testing.T) {
	candles := risingCandles(80)
	vals := indicators.Compute(candles)
	opts := signal.Options{EnabledIndicators: map[string]bool{"EMA_CROSS": true}}
	votes := IndicatorVotes(candles, vals, opts)
	for _, v := range votes {
		if v.Indicator != "EMA_CROSS" {
			t.Errorf("disabled indicator %s still voted", v.Indicator)
		}
	}
	if len(votes) == 0 {
		t.Error("enabled indicator did not vote")
	}
}

func TestCustomWeightsApplied(t *testing.T) {
	candles := risingCandles(80)
	vals := indicators.Compute(candles)

	base := IndicatorVotes(candles, vals, signal.Options{})
	doubled := IndicatorVotes(candles, vals, signal.Options{
		CustomWeights: map[string]float64{"EMA_RIBBON": 2.2},
	})

	find := func(votes []signal.Vote, name string) *signal.Vote {
		for i := range votes {
			if votes[i].Indicator == name {
				return &votes[i]
			}
		}
		return nil
	}
	a, b := find(base, "EMA_RIBBON"), find(doubled, "EMA_RIBBON")
	if a == nil || b == nil {
		t.Fatal("EMA_RIBBON vote missing")
	}
	if b.Weight <= a.Weight {
		t.Errorf("custom weight had no effect: %f vs %f", a.Weight, b.Weight)
	}
}

func TestScoreVotes(t *testing.T) {
	votes := []signal.Vote{
		{Indicator: "A", Direction: signal.VoteUp, Weight: 2.0},
		{Indicator: "B", Direction: signal.VoteUp, Weight: 1.0},
		{Indicator: "C", Direction: signal.VoteDown, Weight: 1.0},
	}
	a := scoreVotes(votes)
	if a.Direction != signal.DirectionCall {
		t.Errorf("direction = %s, want CALL", a.Direction)
	}
	if math.Abs(a.PUp-0.75) > 1e-6 {
		t.Errorf("pUp = %f, want 0.75", a.PUp)
	}
	if a.StrongVotes != 3 {
		t.Errorf("strong votes = %d, want 3", a.StrongVotes)
	}
	if a.AlignedIndicators != 2 {
		t.Errorf("aligned = %d, want 2", a.AlignedIndicators)
	}
	if math.Abs(a.ConflictRatio-1.0/3) > 1e-6 {
		t.Errorf("conflict = %f, want 1/3", a.ConflictRatio)
	}
}

func TestEvaluateUptrendProducesCall(t *testing.T) {
	b := New(zerolog.Nop())
	a := b.Evaluate(upInput(t))

	if a.Direction != signal.DirectionCall {
		t.Fatalf("direction = %s (reject %q), want CALL", a.Direction, a.RejectReason)
	}
	if !a.Valid {
		t.Errorf("clean uptrend rejected: %s", a.RejectReason)
	}
	if a.Confidence < 0 || a.Confidence > 95 {
		t.Errorf("confidence %f outside [0, 95]", a.Confidence)
	}
	if a.PUp <= 0.5 {
		t.Errorf("pUp = %f, want above 0.5", a.PUp)
	}
}

func TestEvaluateDowntrendProducesPut(t *testing.T) {
	b := New(zerolog.Nop())
	candles := fallingCandles(80)
	vals := indicators.Compute(candles)
	a := b.Evaluate(Input{
		Symbol:  "R_10",
		Candles: candles,
		Values:  vals,
		Psych:   patterns.AnalyzePsychology(candles),
		Regime:  regime.Detect(candles, vals),
		Gates:   thresholds.BaseSet(),
	})
	if a.Direction != signal.DirectionPut {
		t.Fatalf("direction = %s, want PUT", a.Direction)
	}
	if a.PDown <= 0.5 {
		t.Errorf("pDown = %f, want above 0.5", a.PDown)
	}
}

func TestMLVoteJoinsPool(t *testing.T) {
	b := New(zerolog.Nop())
	in := upInput(t)
	in.MLVerdict = &ml.Verdict{
		Direction: signal.DirectionCall,
		Tier:      signal.TierPremium,
	}
	a := b.Evaluate(in)

	found := false
	for _, v := range a.Votes {
		if v.Indicator == "ML_ENSEMBLE" {
			found = true
			if v.Weight != 2.0 {
				t.Errorf("premium ML weight = %f, want 2.0", v.Weight)
			}
		}
	}
	if !found {
		t.Error("ML vote missing from pool")
	}
}

func TestMLDisagreementLowersConfidence(t *testing.T) {
	shape := func(verdict *ml.Verdict) float64 {
		b := New(zerolog.Nop())
		b.rng.Seed(7)
		a := Assessment{Direction: signal.DirectionCall, DirectionStrength: 0.3, QualityScore: 50}
		b.shapeConfidence(&a, Input{
			Symbol:    "R_10",
			Regime:    regime.Result{Regime: regime.Ranging},
			MLVerdict: verdict,
		})
		return a.Confidence
	}

	ca := shape(&ml.Verdict{Direction: signal.DirectionCall, Tier: signal.TierPremium})
	cd := shape(&ml.Verdict{Direction: signal.DirectionPut, Tier: signal.TierLow})
	if cd >= ca {
		t.Errorf("disagreeing ML should lower confidence: agree %f, disagree %f", ca, cd)
	}
}

func TestConflictRejection(t *testing.T) {
	b := New(zerolog.Nop())
	in := upInput(t)
	in.Gates.MaxConflictRatio = 0.0
	a := b.Evaluate(in)
	if a.Valid {
		t.Skip("vote pool happened to be unanimous")
	}
	if a.RejectReason == "" {
		t.Error("rejection must carry a reason")
	}
}

func TestAlignedIndicatorGate(t *testing.T) {
	b := New(zerolog.Nop())
	in := upInput(t)
	in.Gates.MinAlignedIndicators = 100
	a := b.Evaluate(in)
	if a.Valid {
		t.Error("impossible alignment gate should reject")
	}
}

func TestGateConfidenceUnaffectedByJitter(t *testing.T) {
	base := Assessment{Direction: signal.DirectionCall, DirectionStrength: 0.55, QualityScore: 55}
	in := Input{Symbol: "R_50", Regime: regime.Result{Regime: regime.Ranging}}

	b := New(zerolog.Nop())
	first := base
	b.shapeConfidence(&first, in)
	want := first.GateConfidence

	for i := 0; i < 300; i++ {
		bb := New(zerolog.Nop())
		a := base
		bb.shapeConfidence(&a, in)
		if a.GateConfidence != want {
			t.Fatalf("gate confidence drifted: %f != %f", a.GateConfidence, want)
		}
		// A fresh brain has no variation history, so the display value
		// stays within the raw noise band around the gate value, plus
		// the 0.1 rounding step.
		if math.Abs(a.Confidence-a.GateConfidence) > 2.55 {
			t.Fatalf("display confidence %f strayed %f from gate value %f",
				a.Confidence, math.Abs(a.Confidence-a.GateConfidence), a.GateConfidence)
		}
	}
}

func TestBorderlineAssessmentDecisionIsStable(t *testing.T) {
	// With the gate reading the pre-jitter value, a borderline
	// evaluation must land on the same side of MinConfidence on every
	// run, no matter what the display jitter does. This base lands the
	// pre-jitter confidence right at the gate, inside the jitter band.
	base := Assessment{Direction: signal.DirectionCall, DirectionStrength: 0.4, QualityScore: 15}
	in := Input{Symbol: "R_50", Regime: regime.Result{Regime: regime.Ranging}}
	gate := thresholds.BaseSet().MinConfidence

	b := New(zerolog.Nop())
	probe := base
	b.shapeConfidence(&probe, in)
	want := probe.GateConfidence >= gate

	for i := 0; i < 300; i++ {
		bb := New(zerolog.Nop())
		a := base
		bb.shapeConfidence(&a, in)
		if (a.GateConfidence >= gate) != want {
			t.Fatalf("emission decision flipped on run %d: gate %f vs threshold %f",
				i, a.GateConfidence, gate)
		}
	}
}

func TestRangePercentileVoteScale(t *testing.T) {
	candles := []market.Candle{{Open: 99, High: 101, Low: 98, Close: 100}}
	mk := func(p float64) indicators.Values {
		return indicators.Values{RangePercentile: indicators.Scalar{Value: p, Valid: true}}
	}
	find := func(votes []signal.Vote) *signal.Vote {
		for i := range votes {
			if votes[i].Indicator == "RANGE_PERCENTILE" {
				return &votes[i]
			}
		}
		return nil
	}

	if v := find(IndicatorVotes(candles, mk(50), signal.Options{})); v != nil {
		t.Errorf("mid-range percentile voted %s (%s)", v.Direction, v.Reason)
	}
	if v := find(IndicatorVotes(candles, mk(95), signal.Options{})); v == nil || v.Direction != signal.VoteDown {
		t.Error("top-of-range percentile should vote DOWN")
	}
	if v := find(IndicatorVotes(candles, mk(5), signal.Options{})); v == nil || v.Direction != signal.VoteUp {
		t.Error("bottom-of-range percentile should vote UP")
	}
}

func TestConfidenceVariation(t *testing.T) {
	b := New(zerolog.Nop())
	clock := time.Unix(1_700_000_000, 0)
	b.now = func() time.Time { return clock }

	first := b.vary("R_10", 75)
	second := b.vary("R_10", 75)
	if math.Abs(second-first) < variationMinSpread {
		t.Errorf("successive confidences too close: %f then %f", first, second)
	}
	if first < 0 || first > 95 || second < 0 || second > 95 {
		t.Errorf("confidence outside [0, 95]: %f, %f", first, second)
	}
}

func TestVariationExpiresAcrossSymbols(t *testing.T) {
	b := New(zerolog.Nop())
	a := b.vary("R_10", 75)
	c := b.vary("R_25", 75)
	// Different symbols never force separation from each other.
	if a < 70 || a > 80 || c < 70 || c > 80 {
		t.Errorf("plain jitter exceeded +-2.5: %f, %f", a, c)
	}
}

func TestStrategyVotesOnFlow(t *testing.T) {
	candles := risingCandles(60)
	vals := indicators.Compute(candles)
	reg := regime.Detect(candles, vals)
	votes := StrategyVotes(candles, vals, reg)

	names := map[string]bool{}
	for _, v := range votes {
		names[v.Indicator] = true
		if v.Direction == signal.VoteDown && v.Indicator == "TREND_ALIGNMENT" {
			t.Error("trend alignment voted down on an uptrend")
		}
	}
	if !names["TREND_ALIGNMENT"] {
		t.Error("trend alignment head silent on aligned trends")
	}
	if !names["MOMENTUM_CONT"] {
		t.Error("momentum continuation head silent on a monotone rise")
	}
}

func TestGoWithFlowRunBounds(t *testing.T) {
	// A 60-candle monotone rise has a run far above 5: head must stay
	// silent.
	candles := risingCandles(60)
	if _, ok := goWithFlow(candles); ok {
		t.Error("goWithFlow fired on an over-extended run")
	}

	// Flat then 4 rising candles.
	flat := make([]market.Candle, 10)
	for i := range flat {
		o := 1.1000
		c := o - 0.0001
		if i%2 == 0 {
			c = o + 0.0001
		}
		flat[i] = market.Candle{Open: o, High: o + 0.0002, Low: o - 0.0002, Close: c}
	}
	p := 1.1000
	for i := 0; i < 4; i++ {
		o := p
		p += 0.0010
		flat = append(flat, market.Candle{Open: o, High: p + 0.0001, Low: o - 0.0001, Close: p})
	}
	v, ok := goWithFlow(flat)
	if !ok {
		t.Fatal("goWithFlow silent on a 4-candle run with trend")
	}
	if v.Direction != signal.VoteUp {
		t.Errorf("direction = %s, want UP", v.Direction)
	}
}
