// Package api serves the bot's HTTP status surface.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"otc-signal-bot/internal/database"
	"otc-signal-bot/internal/events"
	"otc-signal-bot/internal/ml"
	"otc-signal-bot/internal/signal"
	"otc-signal-bot/internal/thresholds"
	"otc-signal-bot/internal/volatility"
)

// RateLimiter is a simple fixed-window request limiter per client key.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a limiter allowing limit requests per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow reports whether a request under key fits in the window.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	windowStart := time.Now().Add(-r.window)
	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}
	r.requests[key] = append(recent, time.Now())
	return true
}

// SessionDirectory is the read-only slice of the session manager the
// API needs.
type SessionDirectory interface {
	Active() []signal.Session
}

// Config holds the HTTP server settings.
type Config struct {
	Host           string
	Port           int
	ProductionMode bool
}

// Server exposes the status endpoints over gin.
type Server struct {
	cfg        Config
	router     *gin.Engine
	httpServer *http.Server

	sessions SessionDirectory
	bus      *events.Bus
	volCache *volatility.Cache
	ensemble *ml.Ensemble
	adaptive *thresholds.Adaptive
	repo     *database.Repository // nil when persistence is disabled

	startedAt time.Time
	limiter   *RateLimiter

	logger zerolog.Logger
}

// NewServer wires the routes. repo may be nil.
func NewServer(cfg Config, sessions SessionDirectory, bus *events.Bus, volCache *volatility.Cache, ensemble *ml.Ensemble, adaptive *thresholds.Adaptive, repo *database.Repository, logger zerolog.Logger) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:       cfg,
		sessions:  sessions,
		bus:       bus,
		volCache:  volCache,
		ensemble:  ensemble,
		adaptive:  adaptive,
		repo:      repo,
		startedAt: time.Now(),
		limiter:   NewRateLimiter(60, time.Minute),
		logger:    logger.With().Str("component", "APIServer").Logger(),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	router.Use(s.rateLimit)

	router.GET("/api/health", s.handleHealth)
	router.GET("/api/bot/status", s.handleStatus)
	router.GET("/api/volatility", s.handleVolatilityAll)
	router.GET("/api/volatility/:symbol", s.handleVolatilitySymbol)
	router.GET("/api/sessions", s.handleSessions)

	s.router = router
	return s
}

func (s *Server) rateLimit(c *gin.Context) {
	if !s.limiter.Allow(c.ClientIP()) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}
	c.Next()
}

// Start serves until Shutdown or a listener failure.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("API server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
