package notify

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/moyoez/doorbell-signal/tool"
	"github.com/moyoez/doorbell-signal/types"
)

// NotifyWriteChunkSize is the chunk size when writing payload to Unix socket (avoid large single write).
const NotifyWriteChunkSize = 32 * 1024 // 32KB

// MaxNotifyPeers caps the peer list carried by one notification.
const MaxNotifyPeers = 64

// NotifyQueueSize bounds the notifications waiting for Post's socket worker.
const NotifyQueueSize = 64

// UnixSocketTimeout is the timeout for Unix socket operations
var UnixSocketTimeout = 3 * time.Second

// Hub receives every notification, e.g. the websocket hub.
type Hub interface {
	Broadcast(notification *types.Notification)
}

// Notifier fans notifications out to a Hub and to an optional UI process listening on
// a Unix socket. A nil *Notifier drops everything.
type Notifier struct {
	hub        Hub
	socketPath string

	queueOnce sync.Once
	queue     chan *types.Notification
}

func New(hub Hub, socketPath string) *Notifier {
	return &Notifier{hub: hub, socketPath: socketPath}
}

// SendNotification delivers n to the hub, then to the Unix socket if one is configured.
func (n *Notifier) SendNotification(notification *types.Notification) error {
	if n == nil || notification == nil {
		return nil
	}
	if n.hub != nil {
		n.hub.Broadcast(notification)
	}
	if n.socketPath == "" {
		return nil
	}
	return sendToUnixSocket(notification, n.socketPath)
}

// Post is SendNotification without waiting on the Unix socket. The hub gets the
// notification right away; socket writes happen in order on a background worker and
// are dropped while NotifyQueueSize of them are pending.
func (n *Notifier) Post(notification *types.Notification) {
	if n == nil || notification == nil {
		return
	}
	if n.hub != nil {
		n.hub.Broadcast(notification)
	}
	if n.socketPath == "" {
		return
	}
	n.queueOnce.Do(func() {
		n.queue = make(chan *types.Notification, NotifyQueueSize)
		go n.deliver()
	})
	select {
	case n.queue <- notification:
	default:
		tool.DefaultLogger.Warnf("[UnixSocket] queue full, dropping %s notification", notification.Type)
	}
}

func (n *Notifier) deliver() {
	for notification := range n.queue {
		if err := sendToUnixSocket(notification, n.socketPath); err != nil {
			tool.DefaultLogger.Debugf("[UnixSocket] %s notification failed: %v", notification.Type, err)
		}
	}
}

// SendPeersNotification publishes the current peer list.
func (n *Notifier) SendPeersNotification(peers []types.PeerDevice) error {
	return n.SendNotification(PeersNotification(peers))
}

// PeersNotification builds the peers_changed notification for peers.
func PeersNotification(peers []types.PeerDevice) *types.Notification {
	total := len(peers)
	if len(peers) > MaxNotifyPeers {
		peers = peers[:MaxNotifyPeers]
	}
	return &types.Notification{
		Type:    types.NotifyTypePeersChanged,
		Title:   "Peers Changed",
		Message: fmt.Sprintf("%d peer(s) reachable", total),
		Data: map[string]any{
			"peers": peers,
			"total": total,
		},
	}
}

// SendActionNotification reports an inbound action from sender (may be nil).
func (n *Notifier) SendActionNotification(tag string, sender *types.PeerDevice) error {
	return n.SendNotification(ActionNotification(tag, sender))
}

// ActionNotification builds the action_received notification for tag.
func ActionNotification(tag string, sender *types.PeerDevice) *types.Notification {
	data := map[string]any{"action": tag}
	message := tag + " received"
	if sender != nil {
		data["from"] = *sender
		message = fmt.Sprintf("%s from %s", tag, sender.ServiceName)
	}
	return &types.Notification{
		Type:    types.NotifyTypeActionReceived,
		Title:   "Action Received",
		Message: message,
		Data:    data,
	}
}

// SendSimpleNotification sends a notification with no payload.
func (n *Notifier) SendSimpleNotification(notifyType, title, message string) error {
	return n.SendNotification(&types.Notification{
		Type:    notifyType,
		Title:   title,
		Message: message,
	})
}

// sendToUnixSocket writes a 4 byte little-endian length prefix followed by the JSON
// payload, then reads an optional JSON reply carrying "error".
func sendToUnixSocket(notification *types.Notification, socketPath string) error {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return fmt.Errorf("unix socket not found: %s", socketPath)
	}

	payload, err := sonic.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to serialize notification data: %v", err)
	}
	// Reject payload over 32KB
	if len(payload) > NotifyWriteChunkSize {
		return fmt.Errorf("notification payload too large: %d bytes (max %d)", len(payload), NotifyWriteChunkSize)
	}

	conn, err := net.DialTimeout("unix", socketPath, UnixSocketTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to Unix socket %s: %v", socketPath, err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			tool.DefaultLogger.Errorf("Failed to close Unix socket connection: %v", err)
		}
	}()

	if err := conn.SetWriteDeadline(time.Now().Add(UnixSocketTimeout)); err != nil {
		tool.DefaultLogger.Errorf("Failed to set write deadline: %v", err)
	}

	lengthBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lengthBuf, uint32(len(payload)))
	if _, err := conn.Write(lengthBuf); err != nil {
		return fmt.Errorf("failed to write length to Unix socket: %v", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("failed to write payload to Unix socket: %v", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(UnixSocketTimeout)); err != nil {
		tool.DefaultLogger.Errorf("Failed to set read deadline: %v", err)
	}
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		return fmt.Errorf("failed to read response from Unix socket: %v", err)
	}
	if n > 0 {
		var response map[string]any
		if err := sonic.Unmarshal(buf[:n], &response); err != nil {
			tool.DefaultLogger.Debugf("Unix socket response (raw): %s", string(buf[:n]))
		} else if errMsg, ok := response["error"].(string); ok && errMsg != "" {
			return fmt.Errorf("server returned error: %s", errMsg)
		}
	}

	tool.DefaultLogger.Debugf("[UnixSocket] Notification sent: %s - %s", notification.Type, notification.Title)
	return nil
}
