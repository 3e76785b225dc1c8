package controllers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"

	"github.com/moyoez/doorbell-signal/tool"
)

const (
	defaultQRSize = 256
	maxQRSize     = 512
)

// HandlePairQRCode returns a PNG QR code of the URL a client scans to pair with this
// device. GET /pair.png?size=256x256
func HandlePairQRCode(pairURL func() string) gin.HandlerFunc {
	return func(c *gin.Context) {
		data := pairURL()
		if data == "" {
			c.JSON(http.StatusServiceUnavailable, tool.FastReturnError("Device address not known yet"))
			return
		}

		size := parseSize(c.Query("size"))
		if size <= 0 {
			size = defaultQRSize
		}
		if size > maxQRSize {
			size = maxQRSize
		}

		png, err := qrcode.Encode(data, qrcode.Medium, size)
		if err != nil {
			c.JSON(http.StatusInternalServerError, tool.FastReturnError("Failed to encode QR code: "+err.Error()))
			return
		}
		c.Data(http.StatusOK, "image/png", png)
	}
}

// parseSize parses size from "200x200" or "200" and returns the pixel dimension.
func parseSize(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if idx := strings.Index(s, "x"); idx > 0 {
		s = strings.TrimSpace(s[:idx])
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}
