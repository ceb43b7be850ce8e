package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// unmatchedRoute labels requests that hit no route so stray paths cannot
// grow the metric label set.
const unmatchedRoute = "unmatched"

// quietRoutes are polled by scrapers and only logged at debug level.
var quietRoutes = map[string]bool{"/health": true, "/metrics": true}

// RequestObserver logs each status server request and records it in the
// HTTP request metrics under node.
func RequestObserver(node string, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		status := c.Writer.Status()
		RecordHTTPRequest(node, c.Request.Method, route, status, elapsed)

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case quietRoutes[route]:
			event = logger.Debug()
		default:
			event = logger.Info()
		}
		event.
			Str("route", route).
			Int("bytes", c.Writer.Size()).
			Dur("elapsed", elapsed).
			Msgf("observability.StatusServer request method=%s path=%q status=%d client_ip=%q",
				c.Request.Method, c.Request.URL.Path, status, c.ClientIP())
	}
}
