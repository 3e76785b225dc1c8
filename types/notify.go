package types

// Notification is pushed to local observers (websocket clients, a UI process on a Unix
// socket) when peers or calls change.
type Notification struct {
	Type    string         `json:"type,omitempty"`
	Title   string         `json:"title,omitempty"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

const (
	NotifyTypePeersChanged   = "peers_changed"
	NotifyTypeActionReceived = "action_received"
	NotifyTypeServerStarted  = "server_started"
	NotifyTypeServerStopped  = "server_stopped"
	NotifyTypeRegistered     = "service_registered"
	NotifyTypeMotion         = "motion"
)
