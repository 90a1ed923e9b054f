package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Snapshot keys for the learner singletons.
const (
	StateKeyEnsemble   = "signalbot:state:ensemble"
	StateKeyThresholds = "signalbot:state:thresholds"

	stateTTL = 7 * 24 * time.Hour
)

// StateStore snapshots serializable state (ML ensemble, adaptive
// thresholds) through Redis. When Redis is down it degrades to an
// in-memory cache so restarts within the process lifetime still work.
type StateStore struct {
	client *redis.Client

	cacheMu  sync.RWMutex
	fallback map[string][]byte

	redisUp atomic.Bool

	logger zerolog.Logger
}

// NewStateStore creates a state store. A nil client means memory-only
// operation.
func NewStateStore(client *redis.Client, logger zerolog.Logger) *StateStore {
	s := &StateStore{
		client:   client,
		fallback: make(map[string][]byte),
		logger:   logger.With().Str("component", "StateStore").Logger(),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("Redis unavailable, state snapshots stay in memory")
		} else {
			s.redisUp.Store(true)
			s.logger.Info().Msg("Redis state store connected")
		}
	}
	return s
}

// Save serializes v under key. The in-memory fallback is always
// written so a Redis outage never loses the newest snapshot.
func (s *StateStore) Save(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", key, err)
	}

	s.cacheMu.Lock()
	s.fallback[key] = data
	s.cacheMu.Unlock()

	if s.client == nil {
		return nil
	}
	if err := s.client.Set(ctx, key, data, stateTTL).Err(); err != nil {
		if s.redisUp.Swap(false) {
			s.logger.Warn().Err(err).Str("key", key).Msg("Redis write failed, falling back to memory")
		}
		return nil
	}
	s.redisUp.Store(true)
	return nil
}

// Load deserializes the snapshot under key into out. The second return
// is false when no snapshot exists anywhere.
func (s *StateStore) Load(ctx context.Context, key string, out any) (bool, error) {
	if s.client != nil {
		data, err := s.client.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			s.redisUp.Store(true)
			return true, json.Unmarshal(data, out)
		case err == redis.Nil:
			// fall through to the memory cache
		default:
			if s.redisUp.Swap(false) {
				s.logger.Warn().Err(err).Str("key", key).Msg("Redis read failed, trying memory")
			}
		}
	}

	s.cacheMu.RLock()
	data, ok := s.fallback[key]
	s.cacheMu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, out)
}

// RedisAvailable reports whether the last Redis operation succeeded.
func (s *StateStore) RedisAvailable() bool {
	return s.redisUp.Load()
}
