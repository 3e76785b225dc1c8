package notifyhub

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/moyoez/doorbell-signal/tool"
	"github.com/moyoez/doorbell-signal/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // OnlyAllowLocal middleware already restricts to localhost
	},
}

// HandleNotifyWS upgrades the request to WebSocket and registers the connection with
// the hub. greeting, when non-nil, produces the first message a new client receives
// (typically the current peer list).
func HandleNotifyWS(hub *Hub, greeting func() *types.Notification) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			tool.DefaultLogger.Debugf("[NotifyHub] upgrade from %s failed: %v", c.ClientIP(), err)
			return
		}
		defer conn.Close()

		if greeting != nil {
			if n := greeting(); n != nil {
				if payload, err := sonic.Marshal(n); err == nil {
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
						return
					}
				}
			}
		}

		hub.Register(conn)
		defer hub.Unregister(conn)

		// Read loop to detect client close and keep connection alive
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}
}
