package notifyhub

import (
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/moyoez/doorbell-signal/tool"
	"github.com/moyoez/doorbell-signal/types"
)

const writeTimeout = 2 * time.Second

// Hub holds WebSocket connections and broadcasts notifications to all clients.
type Hub struct {
	mu    sync.RWMutex
	conns map[*websocket.Conn]*sync.Mutex // per-connection write lock
}

func New() *Hub {
	return &Hub{
		conns: make(map[*websocket.Conn]*sync.Mutex),
	}
}

func (h *Hub) Register(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = &sync.Mutex{}
}

func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast sends the notification as JSON to all registered connections.
// Implements notify.Hub.
func (h *Hub) Broadcast(notification *types.Notification) {
	if notification == nil {
		return
	}
	payload, err := sonic.Marshal(notification)
	if err != nil {
		tool.DefaultLogger.Debugf("[NotifyHub] marshal failed: %v", err)
		return
	}

	h.mu.RLock()
	conns := make(map[*websocket.Conn]*sync.Mutex, len(h.conns))
	for c, lock := range h.conns {
		conns[c] = lock
	}
	h.mu.RUnlock()

	for conn, lock := range conns {
		lock.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := conn.WriteMessage(websocket.TextMessage, payload)
		lock.Unlock()
		if err != nil {
			tool.DefaultLogger.Debugf("[NotifyHub] dropping client %s: %v", conn.RemoteAddr(), err)
			h.Unregister(conn)
			_ = conn.Close()
		}
	}
}

// CloseAll disconnects every client, e.g. when the server stops.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[*websocket.Conn]*sync.Mutex)
	h.mu.Unlock()

	for conn, lock := range conns {
		lock.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"),
			time.Now().Add(writeTimeout))
		lock.Unlock()
		_ = conn.Close()
	}
}
