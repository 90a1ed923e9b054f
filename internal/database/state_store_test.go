package database

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

type toyState struct {
	Updates int64     `json:"updates"`
	Weights []float64 `json:"weights"`
}

func TestStateStoreMemoryFallback(t *testing.T) {
	s := NewStateStore(nil, zerolog.Nop())
	ctx := context.Background()

	var missing toyState
	ok, err := s.Load(ctx, StateKeyEnsemble, &missing)
	if err != nil || ok {
		t.Fatalf("load before save = %v, %v; want false, nil", ok, err)
	}

	in := toyState{Updates: 42, Weights: []float64{0.1, -0.2}}
	if err := s.Save(ctx, StateKeyEnsemble, in); err != nil {
		t.Fatalf("save: %v", err)
	}

	var out toyState
	ok, err = s.Load(ctx, StateKeyEnsemble, &out)
	if err != nil || !ok {
		t.Fatalf("load = %v, %v; want true, nil", ok, err)
	}
	if out.Updates != in.Updates || len(out.Weights) != 2 || out.Weights[1] != -0.2 {
		t.Errorf("round trip lost data: %+v", out)
	}

	if s.RedisAvailable() {
		t.Error("memory-only store claims Redis availability")
	}
}

func TestStateStoreKeysIsolated(t *testing.T) {
	s := NewStateStore(nil, zerolog.Nop())
	ctx := context.Background()

	if err := s.Save(ctx, StateKeyEnsemble, toyState{Updates: 1}); err != nil {
		t.Fatalf("save: %v", err)
	}
	var out toyState
	ok, err := s.Load(ctx, StateKeyThresholds, &out)
	if err != nil || ok {
		t.Errorf("snapshot leaked across keys: %v, %v", ok, err)
	}
}
