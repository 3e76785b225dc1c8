package controllers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/moyoez/doorbell-signal/action"
	"github.com/moyoez/doorbell-signal/metrics"
	"github.com/moyoez/doorbell-signal/tool"
)

// MaxActionBodySize bounds a single action; SDP blobs are a few KB.
const MaxActionBodySize = 1 << 20

const unknownTag = "unknown"

// Dispatcher receives every decoded inbound action.
type Dispatcher func(a action.Action) error

// ActionController serves POST /<tag> for every registered action.
type ActionController struct {
	protocol *action.Protocol
	dispatch Dispatcher
	metrics  *metrics.Metrics
}

func NewActionController(protocol *action.Protocol, dispatch Dispatcher, m *metrics.Metrics) *ActionController {
	return &ActionController{protocol: protocol, dispatch: dispatch, metrics: m}
}

// Handle returns the handler for tag. It answers 200 with an empty body once the
// action was dispatched, and 500 {"error": ...} otherwise.
func (ac *ActionController) Handle(tag string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxActionBodySize+1))
		if err == nil && len(body) > MaxActionBodySize {
			err = errors.New("request body too large")
		}
		if err != nil {
			ac.fail(c, tag, tag, err)
			return
		}

		a, err := ac.protocol.Decode(body, tag)
		if err != nil {
			ac.fail(c, tag, tag, err)
			return
		}
		if err := ac.safeDispatch(a); err != nil {
			ac.fail(c, tag, tag, err)
			return
		}

		ac.metrics.RecordReceived(tag, nil)
		tool.DefaultLogger.Infof("[RPC] %s from %s delivered", tag, c.ClientIP())
		c.Status(http.StatusOK)
	}
}

// HandleUnknown is the NoRoute handler. A POST to a path with no registered action is
// answered like a body that failed to decode.
func (ac *ActionController) HandleUnknown(c *gin.Context) {
	if c.Request.Method != http.MethodPost {
		c.JSON(http.StatusNotFound, tool.FastReturnError("Not Found"))
		return
	}
	tag := strings.Trim(c.Request.URL.Path, "/")
	ac.fail(c, tag, unknownTag, &action.DecodeError{
		Tag:      tag,
		Expected: tag,
		Reason:   "no route for action",
		Err:      action.ErrUnregistered,
	})
}

func (ac *ActionController) fail(c *gin.Context, tag, metricTag string, err error) {
	ac.metrics.RecordReceived(metricTag, err)
	_ = c.Error(err)
	tool.DefaultLogger.Warnf("[RPC] %s from %s failed: %v", tag, c.ClientIP(), err)
	c.JSON(http.StatusInternalServerError, tool.FastReturnError(err.Error()))
}

func (ac *ActionController) safeDispatch(a action.Action) (err error) {
	if ac.dispatch == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch of %s panicked: %v", a.ActionType(), r)
		}
	}()
	return ac.dispatch(a)
}
