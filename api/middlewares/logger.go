package middlewares

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/moyoez/doorbell-signal/tool"
)

// RequestLogger logs every request with its remote address and outcome.
func RequestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()

	status := c.Writer.Status()
	latency := time.Since(start)
	if status >= 500 {
		tool.DefaultLogger.Warnf("[RPC] %s %s from %s -> %d (%s) %s",
			c.Request.Method, c.Request.URL.Path, c.ClientIP(), status, latency, c.Errors.String())
		return
	}
	tool.DefaultLogger.Debugf("[RPC] %s %s from %s -> %d (%s)",
		c.Request.Method, c.Request.URL.Path, c.ClientIP(), status, latency)
}
