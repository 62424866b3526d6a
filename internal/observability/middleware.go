package observability

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// AdminRequests logs and counts admin HTTP requests for node. Metric labels
// use the route template so per-pool paths do not explode cardinality.
func AdminRequests(node string, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		elapsed := time.Since(start)
		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		RecordHTTPRequest(node, c.Request.Method, route, status, elapsed)

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case scrapeRoute(route):
			event = logger.Debug()
		default:
			event = logger.Info()
		}
		if pool := c.Param("name"); pool != "" {
			event = event.Str("pool", pool)
		}
		event.
			Str("node", node).
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", elapsed).
			Str("remote", c.ClientIP()).
			Msg("admin request")
	}
}

// health probes and scrapes arrive every few seconds
func scrapeRoute(route string) bool {
	return route == "/metrics" || route == "/health" || strings.HasPrefix(route, "/ready")
}
