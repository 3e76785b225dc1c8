package notify

import (
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moyoez/doorbell-signal/types"
)

type recordingHub struct {
	mu  sync.Mutex
	got []*types.Notification
}

func (h *recordingHub) Broadcast(n *types.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.got = append(h.got, n)
}

func TestNilNotifierIsNoop(t *testing.T) {
	var n *Notifier
	assert.NoError(t, n.SendSimpleNotification(types.NotifyTypeServerStarted, "t", "m"))
}

func TestHubReceivesPeers(t *testing.T) {
	hub := &recordingHub{}
	n := New(hub, "")
	peers := []types.PeerDevice{types.NewPeerDevice("10.0.0.1", 8888, "door", "db-assistant")}
	require.NoError(t, n.SendPeersNotification(peers))

	require.Len(t, hub.got, 1)
	assert.Equal(t, types.NotifyTypePeersChanged, hub.got[0].Type)
	assert.Equal(t, 1, hub.got[0].Data["total"])
}

func TestPeersNotificationTruncates(t *testing.T) {
	peers := make([]types.PeerDevice, MaxNotifyPeers+5)
	n := PeersNotification(peers)
	assert.Len(t, n.Data["peers"], MaxNotifyPeers)
	assert.Equal(t, MaxNotifyPeers+5, n.Data["total"])
}

func TestUnixSocketFraming(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notify.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan types.Notification, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		lengthBuf := make([]byte, 4)
		if _, err := io.ReadFull(conn, lengthBuf); err != nil {
			return
		}
		payload := make([]byte, binary.LittleEndian.Uint32(lengthBuf))
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}
		var n types.Notification
		_ = sonic.Unmarshal(payload, &n)
		_, _ = conn.Write([]byte(`{"ok":true}`))
		received <- n
	}()

	n := New(nil, path)
	sender := types.NewPeerDevice("10.0.0.2", 8888, "phone", "db-client")
	require.NoError(t, n.SendActionNotification("CallAccept", &sender))

	got := <-received
	assert.Equal(t, types.NotifyTypeActionReceived, got.Type)
	assert.Equal(t, "CallAccept from phone", got.Message)
}

func TestUnixSocketErrorReply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notify.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		lengthBuf := make([]byte, 4)
		if _, err := io.ReadFull(conn, lengthBuf); err != nil {
			return
		}
		_, _ = io.ReadFull(conn, make([]byte, binary.LittleEndian.Uint32(lengthBuf)))
		_, _ = conn.Write([]byte(`{"error":"busy"}`))
	}()

	err = New(nil, path).SendSimpleNotification(types.NotifyTypeMotion, "Motion", "porch")
	assert.ErrorContains(t, err, "busy")
}

func TestMissingSocket(t *testing.T) {
	err := New(nil, filepath.Join(t.TempDir(), "absent.sock")).SendSimpleNotification("x", "y", "z")
	assert.ErrorContains(t, err, "not found")
}

func TestPostDoesNotWaitForSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notify.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()

	// accepts but never reads or replies
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	hub := &recordingHub{}
	n := New(hub, path)
	start := time.Now()
	for i := 0; i < NotifyQueueSize+8; i++ {
		n.Post(ActionNotification("CallStart", nil))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	hub.mu.Lock()
	assert.Len(t, hub.got, NotifyQueueSize+8, "the hub is never dropped")
	hub.mu.Unlock()

	select {
	case conn := <-accepted:
		defer conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("socket worker never connected")
	}
}

func TestPostDeliversInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notify.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan string, 2)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			lengthBuf := make([]byte, 4)
			if _, err := io.ReadFull(conn, lengthBuf); err == nil {
				payload := make([]byte, binary.LittleEndian.Uint32(lengthBuf))
				if _, err := io.ReadFull(conn, payload); err == nil {
					var got types.Notification
					_ = sonic.Unmarshal(payload, &got)
					received <- got.Message
				}
			}
			_ = conn.Close()
		}
	}()

	n := New(nil, path)
	n.Post(ActionNotification("CallStart", nil))
	n.Post(ActionNotification("CallAccept", nil))
	for _, want := range []string{"CallStart received", "CallAccept received"} {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-time.After(3 * time.Second):
			t.Fatalf("%q not delivered", want)
		}
	}

	var nilNotifier *Notifier
	nilNotifier.Post(ActionNotification("CallStart", nil))
}
