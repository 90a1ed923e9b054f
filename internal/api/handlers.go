package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"uptime":    int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	totalUsers, acceptedTerms := 0, 0
	if s.repo != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		var err error
		totalUsers, acceptedTerms, err = s.repo.CountUsers(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("User count query failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "status unavailable"})
			return
		}
	}

	volData := s.volCache.All()
	records := make([]gin.H, 0, len(volData))
	for _, a := range volData {
		records = append(records, gin.H{
			"symbol":           a.Symbol,
			"volatility_score": a.VolatilityScore,
			"is_stable":        a.IsStable,
			"severity":         a.Severity,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"status":                 "running",
		"uptime_seconds":         int64(time.Since(s.startedAt).Seconds()),
		"total_users":            totalUsers,
		"users_accepted_terms":   acceptedTerms,
		"active_sessions":        len(s.sessions.Active()),
		"signals_generated":      s.bus.SignalsPublished(),
		"last_volatility_update": s.volCache.LastUpdate().Unix(),
		"volatility_data":        records,

		"ml_rolling_accuracy": s.ensemble.RollingAccuracy(),
		"ml_updates":          s.ensemble.Updates(),
		"thresholds":          s.adaptive.Current(),
		"loss_streak":         s.adaptive.LossStreak(),
	})
}

func (s *Server) handleVolatilityAll(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"updated":    s.volCache.LastUpdate().Unix(),
		"volatility": s.volCache.All(),
	})
}

func (s *Server) handleVolatilitySymbol(c *gin.Context) {
	symbol := c.Param("symbol")
	a, ok := s.volCache.Get(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown symbol", "symbol": symbol})
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) handleSessions(c *gin.Context) {
	active := s.sessions.Active()
	out := make([]gin.H, 0, len(active))
	for _, sess := range active {
		out = append(out, gin.H{
			"id":                 sess.ID,
			"symbol":             sess.Symbol,
			"timeframe":          sess.Timeframe,
			"started_at":         sess.StartedAt.Unix(),
			"stats":              sess.Stats,
			"last_signal_candle": sess.LastSignalCandle,
		})
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "sessions": out})
}
