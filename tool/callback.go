package tool

import (
	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
)

// FastReturnError builds the {"error": msg} body every failing route answers with.
func FastReturnError(msg string) gin.H {
	return gin.H{
		"error": msg,
	}
}

// FastReturnSuccessWithData wraps a payload as {"data": ...}.
func FastReturnSuccessWithData(data any) gin.H {
	return gin.H{
		"data": data,
	}
}

// ParseErrorBody reads the message out of a FastReturnError body. Anything else is
// returned verbatim.
func ParseErrorBody(body []byte) string {
	var resp struct {
		Error string `json:"error"`
	}
	if sonic.Unmarshal(body, &resp) == nil && resp.Error != "" {
		return resp.Error
	}
	return string(body)
}

// ParseDataBody decodes the payload of a FastReturnSuccessWithData body.
func ParseDataBody[T any](body []byte) (T, error) {
	var resp struct {
		Data T `json:"data"`
	}
	err := sonic.Unmarshal(body, &resp)
	return resp.Data, err
}
