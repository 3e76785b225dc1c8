package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/moyoez/doorbell-signal/tool"
	"github.com/moyoez/doorbell-signal/types"
)

// HandleInfo describes this device. GET /info
func HandleInfo(info func() types.DeviceInfo) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, tool.FastReturnSuccessWithData(info()))
	}
}
