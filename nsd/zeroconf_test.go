package nsd

import (
	"fmt"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/zeroconf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zeroconfEntry(instance string, expiry time.Time) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: instance, Service: clientType, Domain: "local."},
		HostName:      instance + ".local.",
		Port:          8888,
		Text:          []string{"name=Hall"},
		Expiry:        expiry,
		AddrIPv4:      []net.IP{net.ParseIP("192.168.1.20")},
	}
}

func TestEntryToServiceInfo(t *testing.T) {
	e := zeroconfEntry("hall", time.Now().Add(time.Minute))
	e.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	info := entryToServiceInfo(e)
	assert.Equal(t, ServiceInfo{
		Name:    "hall",
		Type:    clientType,
		Domain:  "local.",
		Host:    "hall.local.",
		Address: "192.168.1.20",
		Port:    8888,
		Text:    []string{"name=Hall"},
	}, info)

	e.AddrIPv4 = nil
	assert.Equal(t, "fe80::1", entryToServiceInfo(e).Address)
}

func TestEntryTrackerFoundRefreshGoodbye(t *testing.T) {
	now := time.Now()
	tr := newEntryTracker(10 * time.Second)

	info, ev := tr.observe(zeroconfEntry("hall", now.Add(time.Hour)), now)
	assert.Equal(t, entryFound, ev)
	assert.Equal(t, "hall", info.Name)

	_, ev = tr.observe(zeroconfEntry("hall", now.Add(2*time.Hour)), now.Add(time.Second))
	assert.Equal(t, entryNone, ev, "a refresh is not a second Found")

	// goodbye records arrive with TTL 0, i.e. already expired
	info, ev = tr.observe(zeroconfEntry("hall", now.Add(2*time.Second)), now.Add(2*time.Second))
	assert.Equal(t, entryLost, ev)
	assert.Equal(t, "hall", info.Name)
	assert.Zero(t, tr.size())

	_, ev = tr.observe(zeroconfEntry("stranger", now), now)
	assert.Equal(t, entryNone, ev, "goodbye of an unknown instance")
}

func TestEntryTrackerExpiry(t *testing.T) {
	now := time.Now()
	tr := newEntryTracker(time.Hour)
	tr.observe(zeroconfEntry("hall", now.Add(5*time.Second)), now)
	tr.observe(zeroconfEntry("porch", now.Add(time.Minute)), now)

	assert.Empty(t, tr.expire(now.Add(4*time.Second)))
	lost := tr.expire(now.Add(5 * time.Second))
	require.Len(t, lost, 1)
	assert.Equal(t, "hall", lost[0].Name)
	assert.Equal(t, 1, tr.size())
}

func TestEntryTrackerLiveness(t *testing.T) {
	now := time.Now()
	tr := newEntryTracker(10 * time.Second)
	tr.observe(zeroconfEntry("hall", now.Add(time.Hour)), now)

	assert.Empty(t, tr.due(now.Add(9*time.Second)))
	due := tr.due(now.Add(10 * time.Second))
	require.Len(t, due, 1)
	assert.Empty(t, tr.due(now.Add(11*time.Second)), "an instance is checked once at a time")

	// it answered
	_, ev := tr.checked("hall", zeroconfEntry("hall", now.Add(time.Hour)), now.Add(11*time.Second))
	assert.Equal(t, entryNone, ev)
	assert.Empty(t, tr.due(now.Add(20*time.Second)))

	// it went quiet: lost, but still tracked until its records expire
	require.Len(t, tr.due(now.Add(21*time.Second)), 1)
	info, ev := tr.checked("hall", nil, now.Add(22*time.Second))
	assert.Equal(t, entryLost, ev)
	assert.Equal(t, "hall", info.Name)
	assert.Equal(t, 1, tr.size())

	require.Len(t, tr.due(now.Add(32*time.Second)), 1)
	_, ev = tr.checked("hall", nil, now.Add(33*time.Second))
	assert.Equal(t, entryNone, ev, "lost is reported once")

	// it came back before its records expired
	require.Len(t, tr.due(now.Add(43*time.Second)), 1)
	_, ev = tr.checked("hall", zeroconfEntry("hall", now.Add(time.Hour)), now.Add(44*time.Second))
	assert.Equal(t, entryFound, ev)

	// a lost entry that expires is dropped without a second Lost
	require.Len(t, tr.due(now.Add(54*time.Second)), 1)
	_, ev = tr.checked("hall", nil, now.Add(55*time.Second))
	assert.Equal(t, entryLost, ev)
	assert.Empty(t, tr.expire(now.Add(2*time.Hour)))
	assert.Zero(t, tr.size())
}

func TestEntryTrackerReannounceAfterLost(t *testing.T) {
	now := time.Now()
	tr := newEntryTracker(10 * time.Second)
	tr.observe(zeroconfEntry("hall", now.Add(time.Hour)), now)
	tr.due(now.Add(10 * time.Second))
	_, ev := tr.checked("hall", nil, now.Add(11*time.Second))
	require.Equal(t, entryLost, ev)

	_, ev = tr.observe(zeroconfEntry("hall", now.Add(time.Hour)), now.Add(12*time.Second))
	assert.Equal(t, entryFound, ev)
}

// multicastInterface returns an up, non-loopback interface with an IPv4 address that
// supports multicast, or skips the test.
func multicastInterface(t *testing.T) net.Interface {
	t.Helper()
	ifaces, err := net.Interfaces()
	if err != nil {
		t.Skipf("no interfaces: %v", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return iface
			}
		}
	}
	t.Skip("no multicast capable interface")
	return net.Interface{}
}

func TestZeroconfBackendFoundAndLost(t *testing.T) {
	if testing.Short() {
		t.Skip("multicast test")
	}
	iface := multicastInterface(t)
	serviceType := fmt.Sprintf("_db-test-%d._tcp", os.Getpid()%100000)

	backend := NewZeroconfBackend("local.", 2*time.Second, []net.Interface{iface})
	backend.Liveness = 2 * time.Second

	var (
		mu      sync.Mutex
		started = make(chan struct{})
		found   = make(chan ServiceInfo, 4)
		lost    = make(chan ServiceInfo, 4)
		failed  = make(chan ErrorCode, 1)
	)
	l := &DiscoveryListener{
		OnStarted:     func(string) { close(started) },
		OnStopped:     func(string) {},
		OnStartFailed: func(_ string, code ErrorCode) { failed <- code },
		OnStopFailed:  func(string, ErrorCode) {},
		OnFound: func(svc ServiceInfo) {
			mu.Lock()
			defer mu.Unlock()
			if svc.Name == "bell-under-test" {
				found <- svc
			}
		},
		OnLost: func(svc ServiceInfo) {
			mu.Lock()
			defer mu.Unlock()
			if svc.Name == "bell-under-test" {
				lost <- svc
			}
		},
	}
	backend.StartDiscovery(serviceType, l)
	defer backend.StopDiscovery(l)
	select {
	case <-started:
	case code := <-failed:
		t.Skipf("browsing unavailable: %v", code)
	case <-time.After(5 * time.Second):
		t.Skip("browse did not start")
	}

	server, err := zeroconf.Register("bell-under-test", serviceType, "local.", 9999, []string{"type=db-test"}, []net.Interface{iface})
	if err != nil {
		t.Skipf("cannot announce: %v", err)
	}
	shutdown := sync.OnceFunc(server.Shutdown)
	defer shutdown()

	select {
	case svc := <-found:
		assert.Equal(t, 9999, svc.Port)
		assert.NotEmpty(t, svc.Address)
	case <-time.After(10 * time.Second):
		t.Skip("multicast answers are not delivered on this host")
	}

	shutdown()
	select {
	case svc := <-lost:
		assert.Equal(t, "bell-under-test", svc.Name)
	case <-time.After(20 * time.Second):
		t.Fatal("peer that sent its goodbye was never reported lost")
	}
}
