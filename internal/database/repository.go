package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"otc-signal-bot/internal/market"
	"otc-signal-bot/internal/signal"
	"otc-signal-bot/internal/volatility"
)

const writeTimeout = 5 * time.Second

// Repository is the persistence surface for the bot. The Async
// variants run the write on a goroutine and only log failures, so the
// signal path never blocks on the database.
type Repository struct {
	db     *DB
	logger zerolog.Logger
}

// NewRepository creates a repository over an open pool.
func NewRepository(db *DB, logger zerolog.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger.With().Str("component", "Repository").Logger(),
	}
}

// UpsertUser records a chat user and their preferences.
func (r *Repository) UpsertUser(ctx context.Context, chatID string, prefs signal.Preferences, acceptedTerms bool) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO users (id, chat_id, timezone, confidence_filter, accepted_terms)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (chat_id) DO UPDATE
		 SET timezone = $3, confidence_filter = $4, accepted_terms = users.accepted_terms OR $5`,
		uuid.New(), chatID, prefs.Timezone, prefs.ConfidenceFilter, acceptedTerms)
	return err
}

// CountUsers returns total users and how many accepted the terms.
func (r *Repository) CountUsers(ctx context.Context) (total, accepted int, err error) {
	err = r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE accepted_terms) FROM users`).
		Scan(&total, &accepted)
	return total, accepted, err
}

// SaveSession inserts a newly started session row.
func (r *Repository) SaveSession(ctx context.Context, sess signal.Session) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO sessions (id, session_id, chat_id, symbol, timeframe, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (session_id) DO NOTHING`,
		uuid.New(), sess.ID, sess.ChatID, sess.Symbol, sess.Timeframe, string(sess.Status), sess.StartedAt)
	return err
}

// CloseSession marks a session stopped and stores its final stats.
func (r *Repository) CloseSession(ctx context.Context, sess signal.Session) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE sessions
		 SET status = $2, stopped_at = CURRENT_TIMESTAMP, wins = $3, losses = $4, total_signals = $5
		 WHERE session_id = $1`,
		sess.ID, string(sess.Status), sess.Stats.Wins, sess.Stats.Losses, sess.Stats.TotalSignals)
	return err
}

// UpdateSessionStats writes the running win/loss counters.
func (r *Repository) UpdateSessionStats(ctx context.Context, sessionID string, stats signal.SessionStats) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE sessions SET wins = $2, losses = $3, total_signals = $4 WHERE session_id = $1`,
		sessionID, stats.Wins, stats.Losses, stats.TotalSignals)
	return err
}

// LogSignal stores one generated signal.
func (r *Repository) LogSignal(ctx context.Context, res signal.Result) error {
	votes, err := json.Marshal(res.Votes)
	if err != nil {
		votes = []byte("[]")
	}
	_, err = r.db.Pool.Exec(ctx,
		`INSERT INTO signal_logs
		 (id, session_id, symbol, timeframe, direction, confidence, p_up, votes, volatility_override, reason, candle_close_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		uuid.New(), res.SessionID, res.Symbol, res.Timeframe, string(res.Direction),
		res.Confidence, res.PUp, votes, res.VolatilityOverride, res.VolatilityReason, res.CandleCloseTime)
	return err
}

// LogCandle stores one closed candle.
func (r *Repository) LogCandle(ctx context.Context, c market.Candle) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO candle_logs (id, symbol, timeframe, start_epoch, open, high, low, close, tick_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (symbol, timeframe, start_epoch) DO NOTHING`,
		uuid.New(), c.Symbol, c.Timeframe, c.StartEpoch, c.Open, c.High, c.Low, c.Close, c.TickCount)
	return err
}

// LogVolatility stores one analysis snapshot.
func (r *Repository) LogVolatility(ctx context.Context, a volatility.Analysis) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO volatility_history (id, symbol, score, is_stable, severity)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), a.Symbol, a.VolatilityScore, a.IsStable, a.Severity)
	return err
}

// async runs a write off the caller's goroutine and logs failures.
func (r *Repository) async(what string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			r.logger.Warn().Err(err).Str("write", what).Msg("Async write failed")
		}
	}()
}

// LogSignalAsync persists a signal without blocking the pipeline.
func (r *Repository) LogSignalAsync(res signal.Result) {
	r.async("signal", func(ctx context.Context) error { return r.LogSignal(ctx, res) })
}

// LogCandleAsync persists a closed candle without blocking ingestion.
func (r *Repository) LogCandleAsync(c market.Candle) {
	r.async("candle", func(ctx context.Context) error { return r.LogCandle(ctx, c) })
}

// LogVolatilityAsync persists a volatility snapshot in the background.
func (r *Repository) LogVolatilityAsync(a volatility.Analysis) {
	r.async("volatility", func(ctx context.Context) error { return r.LogVolatility(ctx, a) })
}

// UpdateSessionStatsAsync persists stats without blocking resolution.
func (r *Repository) UpdateSessionStatsAsync(sessionID string, stats signal.SessionStats) {
	r.async("session stats", func(ctx context.Context) error {
		return r.UpdateSessionStats(ctx, sessionID, stats)
	})
}

// SaveSessionAsync persists a started session in the background.
func (r *Repository) SaveSessionAsync(sess signal.Session) {
	r.async("session", func(ctx context.Context) error { return r.SaveSession(ctx, sess) })
}

// CloseSessionAsync marks a session stopped in the background.
func (r *Repository) CloseSessionAsync(sess signal.Session) {
	r.async("session close", func(ctx context.Context) error { return r.CloseSession(ctx, sess) })
}
