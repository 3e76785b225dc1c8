package middlewares

import (
	"net"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/moyoez/doorbell-signal/tool"
)

// OnlyAllowLocal rejects requests that do not come from the loopback interface.
func OnlyAllowLocal(c *gin.Context) {
	if ip := net.ParseIP(c.ClientIP()); ip != nil && ip.IsLoopback() {
		c.Next()
		return
	}
	tool.DefaultLogger.Warnf("[RPC] rejected local-only request %s from %s", c.Request.URL.Path, c.ClientIP())
	c.AbortWithStatusJSON(http.StatusForbidden, tool.FastReturnError("Forbidden"))
}
