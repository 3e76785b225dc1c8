package transfer

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moyoez/doorbell-signal/action"
	"github.com/moyoez/doorbell-signal/api"
	"github.com/moyoez/doorbell-signal/metrics"
	"github.com/moyoez/doorbell-signal/types"
)

func newProtocol(t *testing.T) *action.Protocol {
	t.Helper()
	p := action.NewProtocol()
	require.NoError(t, action.RegisterDefaults(p))
	return p
}

func deviceFor(t *testing.T, rawURL string) types.PeerDevice {
	t.Helper()
	host, portStr, err := net.SplitHostPort(rawURL[len("http://"):])
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return types.NewPeerDevice(host, uint16(port), "peer", types.DoorbellClient.UID)
}

type inbox struct {
	mu  sync.Mutex
	got []action.Action
	ch  chan action.Action
}

func newInbox() *inbox {
	return &inbox{ch: make(chan action.Action, 8)}
}

func (i *inbox) dispatch(a action.Action) error {
	i.mu.Lock()
	i.got = append(i.got, a)
	i.mu.Unlock()
	i.ch <- a
	return nil
}

func TestSendOfferReachesPeer(t *testing.T) {
	in := newInbox()
	server := api.NewServer(api.Options{OnAction: in.dispatch})
	require.NoError(t, api.AddDefaultRoutes(server))
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	m := metrics.New()
	client := NewClient(newProtocol(t), time.Second, m)
	device := deviceFor(t, ts.URL)

	offer := action.SDPOffer{Device: &device, SDP: "v=0\r\no=- 0 0 IN IP4 127.0.0.1"}
	require.NoError(t, client.Send(device, offer))

	select {
	case got := <-in.ch:
		assert.Equal(t, offer, got)
	case <-time.After(2 * time.Second):
		t.Fatal("offer not received")
	}
	client.Wait()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SentCounter("SDPOffer", metrics.OutcomeOK)))
}

func TestDeliverReportsPeerError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/CallAccept", func(c *gin.Context) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "no call in progress"})
	})
	ts := httptest.NewServer(r)
	defer ts.Close()

	client := NewClient(newProtocol(t), time.Second, nil)
	err := client.Deliver(context.Background(), deviceFor(t, ts.URL), action.CallAccept{})
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusInternalServerError))
	assert.Contains(t, err.Error(), "no call in progress")
}

func TestDeliverSetsRequestID(t *testing.T) {
	ids := make(chan string, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids <- r.Header.Get(RequestIDHeader)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "/CallDismiss", r.URL.Path)
	}))
	defer ts.Close()

	client := NewClient(newProtocol(t), time.Second, nil)
	require.NoError(t, client.Deliver(context.Background(), deviceFor(t, ts.URL), action.CallDismiss{}))
	assert.Len(t, <-ids, 36)
}

func TestSendUnregisteredFailsFast(t *testing.T) {
	client := NewClient(action.NewProtocol(), time.Second, nil)
	err := client.Send(types.NewPeerDevice("127.0.0.1", 1, "x", "db-client"), action.SDPOffer{})
	assert.ErrorIs(t, err, action.ErrUnregistered)
	assert.ErrorIs(t, client.Send(types.PeerDevice{}, nil), action.ErrUnregistered)
	client.Wait()
}

func TestSendToNoListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	m := metrics.New()
	client := NewClient(newProtocol(t), 500*time.Millisecond, m)
	device := types.NewPeerDevice("127.0.0.1", uint16(port), "gone", "db-client")

	start := time.Now()
	require.NoError(t, client.Send(device, action.SDPOffer{Device: &device, SDP: "v=0"}))
	client.Wait()
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SentCounter("SDPOffer", metrics.OutcomeError)))
}

func TestSendToSilentPeerIsBounded(t *testing.T) {
	// accepts connections but never answers
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	var conns []net.Conn
	var mu sync.Mutex
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	}()

	client := NewClient(newProtocol(t), 300*time.Millisecond, nil)
	device := types.NewPeerDevice("127.0.0.1", uint16(ln.Addr().(*net.TCPAddr).Port), "mute", "db-client")

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, client.Send(device, action.ICECandidate{Device: &device, SDPMid: "0", SDP: "candidate:1"}))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond, "Send must not block")
	client.Wait()
	assert.Less(t, time.Since(start), 2*time.Second)
}
