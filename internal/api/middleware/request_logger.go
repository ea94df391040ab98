package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// RequestLogger logs one line per request. Agent polling is frequent, so successful
// requests log at debug level and failures at info or above.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		entry := GetRequestLogger(c).WithFields(map[string]interface{}{
			"status":  status,
			"method":  c.Request.Method,
			"path":    SanitizePath(c.Request.URL.Path),
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
		})
		if agent, ok := CurrentAgent(c); ok {
			entry = entry.WithField("agent", agent.Hostname)
		}
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("handled request")
		case status >= http.StatusBadRequest:
			entry.Info("handled request")
		default:
			entry.Debug("handled request")
		}
	}
}
