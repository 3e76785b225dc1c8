package share

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moyoez/doorbell-signal/nsd"
	"github.com/moyoez/doorbell-signal/types"
)

type stubResolver struct {
	mu      sync.Mutex
	answers map[string]nsd.ServiceInfo
	gate    chan struct{}
}

func (s *stubResolver) ResolveLocked(ctx context.Context, svc nsd.ServiceInfo) (nsd.ServiceInfo, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nsd.ServiceInfo{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.answers[svc.Name]
	if !ok {
		return nsd.ServiceInfo{}, errors.New("no answer")
	}
	return info, nil
}

func newServiceTypes(t *testing.T) *types.ServiceTypes {
	t.Helper()
	st, err := types.NewServiceTypes()
	require.NoError(t, err)
	return st
}

func assertUniqueAddresses(t *testing.T, entries []types.PeerDevice) {
	t.Helper()
	seen := map[string]bool{}
	for _, e := range entries {
		require.False(t, seen[e.Address], "duplicate address %s in %v", e.Address, entries)
		seen[e.Address] = true
	}
}

func TestUpsertAndRemoveLostKeepAddressesUnique(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	names := []string{"door", "hall", "gate", "garage", "phone"}
	addrs := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}

	for run := 0; run < 200; run++ {
		var entries []types.PeerDevice
		for step := 0; step < 40; step++ {
			name := names[rng.Intn(len(names))]
			if rng.Intn(3) == 0 {
				entries = RemoveLost(entries, name)
			} else {
				d := types.NewPeerDevice(addrs[rng.Intn(len(addrs))], 8888, name, types.DoorbellClient.UID)
				entries = Upsert(entries, d)
				require.Contains(t, entries, d)
			}
			assertUniqueAddresses(t, entries)
		}
	}
}

func TestRemoveLostDedupesByAddress(t *testing.T) {
	a := types.NewPeerDevice("10.0.0.1", 8888, "a", "db-client")
	b := types.NewPeerDevice("10.0.0.1", 8889, "b", "db-client")
	c := types.NewPeerDevice("10.0.0.2", 8888, "c", "db-client")
	got := RemoveLost([]types.PeerDevice{a, b, c}, "c")
	assert.Equal(t, []types.PeerDevice{a}, got)
}

func TestRegistryFoundThenLost(t *testing.T) {
	backend := nsd.NewMemoryBackend()
	discovery := nsd.NewDiscovery(backend)
	reg := NewRegistry(discovery, newServiceTypes(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := discovery.Discover(ctx, []nsd.DiscoveryConfig{
		{ServiceTypeName: types.DoorbellAssistant.ServiceTypeName(), Protocol: "tcp"},
		{ServiceTypeName: types.DoorbellClient.ServiceTypeName(), Protocol: "tcp"},
	})
	done := make(chan error, 1)
	go func() { done <- reg.Run(ctx, stream.C) }()

	require.Eventually(t, func() bool { return backend.ActiveSessions() == 2 }, time.Second, 5*time.Millisecond)
	backend.Announce(nsd.ServiceInfo{
		Name:    "front-door",
		Type:    "_db-assistant._tcp.local.",
		Address: "192.168.1.10",
		Port:    8888,
	})

	want := []types.PeerDevice{{Address: "192.168.1.10", Port: 8888, ServiceName: "front-door", ServiceTypeID: "db-assistant"}}
	require.Eventually(t, func() bool { return assert.ObjectsAreEqual(want, reg.Snapshot()) }, 2*time.Second, 5*time.Millisecond)

	found, ok := reg.Find("front-door")
	require.True(t, ok)
	assert.Equal(t, want[0], found)
	assert.Len(t, reg.ByType(types.DoorbellAssistant), 1)
	assert.Empty(t, reg.ByType(types.DoorbellClient))

	backend.Withdraw("front-door")
	require.Eventually(t, func() bool { return len(reg.Snapshot()) == 0 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRegistryDropsResolveOfLostPeer(t *testing.T) {
	resolver := &stubResolver{
		answers: map[string]nsd.ServiceInfo{
			"door": {Name: "door", Type: "_db-assistant._tcp", Address: "10.0.0.9", Port: 8888},
		},
		gate: make(chan struct{}),
	}
	reg := NewRegistry(resolver, newServiceTypes(t))

	events := make(chan nsd.DiscoveryEvent)
	done := make(chan error, 1)
	go func() { done <- reg.Run(context.Background(), events) }()

	svc := nsd.ServiceInfo{Name: "door", Type: "_db-assistant._tcp"}
	events <- nsd.Found{Service: svc}
	events <- nsd.Lost{Service: svc}
	close(resolver.gate)
	close(events)

	require.NoError(t, <-done)
	assert.Empty(t, reg.Snapshot())
}

func TestRegistrySameAddressReplacesEntry(t *testing.T) {
	resolver := &stubResolver{answers: map[string]nsd.ServiceInfo{
		"old-name": {Name: "old-name", Type: "_db-client._tcp", Address: "10.0.0.4", Port: 8888},
		"new-name": {Name: "new-name", Type: "_db-client._tcp", Address: "10.0.0.4", Port: 9999},
	}}
	reg := NewRegistry(resolver, newServiceTypes(t))

	events := make(chan nsd.DiscoveryEvent)
	done := make(chan error, 1)
	go func() { done <- reg.Run(context.Background(), events) }()

	events <- nsd.Found{Service: nsd.ServiceInfo{Name: "old-name", Type: "_db-client._tcp"}}
	require.Eventually(t, func() bool { return len(reg.Snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	events <- nsd.Found{Service: nsd.ServiceInfo{Name: "new-name", Type: "_db-client._tcp"}}
	close(events)
	require.NoError(t, <-done)

	snap := reg.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "new-name", snap[0].ServiceName)
	assert.Equal(t, uint16(9999), snap[0].Port)
}

func TestRegistryFilterAndFailedResolve(t *testing.T) {
	resolver := &stubResolver{answers: map[string]nsd.ServiceInfo{
		"phone": {Name: "phone", Type: "_db-client._tcp", Address: "10.0.0.5", Port: 8888},
		"door":  {Name: "door", Type: "_db-assistant._tcp", Address: "10.0.0.6", Port: 8888},
	}}
	onlyAssistants := func(d types.PeerDevice) bool { return d.ServiceTypeID == types.DoorbellAssistant.UID }
	reg := NewRegistry(resolver, newServiceTypes(t), WithFilter(onlyAssistants))

	events := make(chan nsd.DiscoveryEvent, 3)
	events <- nsd.Found{Service: nsd.ServiceInfo{Name: "phone", Type: "_db-client._tcp"}}
	events <- nsd.Found{Service: nsd.ServiceInfo{Name: "door", Type: "_db-assistant._tcp"}}
	events <- nsd.Found{Service: nsd.ServiceInfo{Name: "ghost", Type: "_db-client._tcp"}}
	close(events)

	require.NoError(t, reg.Run(context.Background(), events))
	snap := reg.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "door", snap[0].ServiceName)
}

func TestRegistrySubscribeConflates(t *testing.T) {
	answers := map[string]nsd.ServiceInfo{}
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("peer-%d", i)
		answers[name] = nsd.ServiceInfo{Name: name, Type: "_db-client._tcp", Address: fmt.Sprintf("10.0.1.%d", i), Port: 8888}
	}
	reg := NewRegistry(&stubResolver{answers: answers}, newServiceTypes(t))

	updates, cancel := reg.Subscribe()
	first := <-updates
	assert.Empty(t, first)

	events := make(chan nsd.DiscoveryEvent, len(answers))
	for name := range answers {
		events <- nsd.Found{Service: nsd.ServiceInfo{Name: name, Type: "_db-client._tcp"}}
	}
	close(events)
	require.NoError(t, reg.Run(context.Background(), events))

	latest := <-updates
	assert.Len(t, latest, 5)

	cancel()
	_, open := <-updates
	assert.False(t, open)
	cancel()
}
