package defaults

import (
	"github.com/moyoez/doorbell-signal/action"
	"github.com/moyoez/doorbell-signal/tool"
)

// DefaultOnAction is the dispatcher used when the server has none: it only logs.
func DefaultOnAction(a action.Action) error {
	sender := "unknown sender"
	if d := action.Sender(a); d != nil {
		sender = d.String()
	}
	tool.DefaultLogger.Infof("Received %s from %s (no dispatcher installed)", a.ActionType(), sender)
	return nil
}

// DefaultOnBound logs the bound address.
func DefaultOnBound(address string, port int) {
	tool.DefaultLogger.Infof("RPC server listening on %s:%d", address, port)
}

// DefaultOnStopped logs the shutdown.
func DefaultOnStopped() {
	tool.DefaultLogger.Infof("RPC server stopped")
}
