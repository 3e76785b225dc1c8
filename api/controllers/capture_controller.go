package controllers

import (
	"bytes"
	"image"
	"image/jpeg"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/moyoez/doorbell-signal/tool"
	"github.com/moyoez/doorbell-signal/types"
)

const captureQuality = 85

// HandleCapture serves the latest camera frame as JPEG, or 404 when there is none.
// GET /capture
func HandleCapture(frames types.FrameProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		var img image.Image
		if frames != nil {
			img = frames.GetFrame()
		}
		if img == nil {
			c.JSON(http.StatusNotFound, tool.FastReturnError("No frame available"))
			return
		}

		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: captureQuality}); err != nil {
			c.JSON(http.StatusInternalServerError, tool.FastReturnError("Failed to encode frame: "+err.Error()))
			return
		}
		c.Header("Cache-Control", "no-store")
		c.Data(http.StatusOK, "image/jpeg", buf.Bytes())
	}
}
