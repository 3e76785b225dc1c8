package share

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/moyoez/doorbell-signal/metrics"
	"github.com/moyoez/doorbell-signal/nsd"
	"github.com/moyoez/doorbell-signal/tool"
	"github.com/moyoez/doorbell-signal/types"
)

// Resolver turns a discovered service into an addressable one. *nsd.Discovery
// implements it.
type Resolver interface {
	ResolveLocked(ctx context.Context, svc nsd.ServiceInfo) (nsd.ServiceInfo, error)
}

// Filter decides whether a resolved peer enters the registry.
type Filter func(types.PeerDevice) bool

type Option func(*Registry)

func WithFilter(f Filter) Option {
	return func(r *Registry) {
		if f != nil {
			r.filter = f
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry is the table of reachable peers. Run owns every mutation; readers get
// immutable snapshots.
type Registry struct {
	resolver     Resolver
	serviceTypes *types.ServiceTypes
	filter       Filter
	metrics      *metrics.Metrics

	snapshot atomic.Pointer[[]types.PeerDevice]

	subsMu  sync.Mutex
	subs    map[int]chan []types.PeerDevice
	nextSub int

	// owned by Run
	entries    []types.PeerDevice
	generation map[string]uint64
}

type resolveResult struct {
	name       string // as discovered
	info       nsd.ServiceInfo
	generation uint64
	err        error
}

func NewRegistry(resolver Resolver, serviceTypes *types.ServiceTypes, opts ...Option) *Registry {
	r := &Registry{
		resolver:     resolver,
		serviceTypes: serviceTypes,
		filter:       func(types.PeerDevice) bool { return true },
		subs:         make(map[int]chan []types.PeerDevice),
		generation:   make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	empty := []types.PeerDevice{}
	r.snapshot.Store(&empty)
	return r
}

// Run applies discovery events until ctx is done or events is closed. When events
// closes, resolves already in flight are still applied before Run returns.
func (r *Registry) Run(ctx context.Context, events <-chan nsd.DiscoveryEvent) error {
	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	results := make(chan resolveResult)
	inFlight := 0

	for {
		if events == nil && inFlight == 0 {
			return nil
		}
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch e := ev.(type) {
			case nsd.Found:
				inFlight++
				wg.Add(1)
				go r.resolve(runCtx, e.Service, r.generation[e.Service.Name], results, &wg)
			case nsd.Lost:
				r.generation[e.Service.Name]++
				r.removeLost(e.Service.Name)
			}
		case res := <-results:
			inFlight--
			r.applyResolved(res)
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Registry) resolve(ctx context.Context, svc nsd.ServiceInfo, generation uint64, results chan<- resolveResult, wg *sync.WaitGroup) {
	defer wg.Done()
	info, err := r.resolver.ResolveLocked(ctx, svc)
	if ctx.Err() == nil {
		r.metrics.RecordResolve(err)
	}
	select {
	case results <- resolveResult{name: svc.Name, info: info, generation: generation, err: err}:
	case <-ctx.Done():
	}
}

func (r *Registry) applyResolved(res resolveResult) {
	if res.err != nil {
		tool.DefaultLogger.Warnf("[Registry] resolve failed: %v", res.err)
		return
	}
	if r.generation[res.name] != res.generation {
		tool.DefaultLogger.Debugf("[Registry] dropping stale resolve of %s", res.name)
		return
	}
	info := res.info
	if info.Name == "" {
		info.Name = res.name
	}
	if info.Address == "" || info.Port <= 0 || info.Port > 65535 {
		tool.DefaultLogger.Warnf("[Registry] resolved %s without a usable address (%q:%d)", info.Name, info.Address, info.Port)
		return
	}

	device := types.NewPeerDevice(info.Address, uint16(info.Port), info.Name, r.serviceTypes.Lookup(info.Type).UID)
	if !r.filter(device) {
		tool.DefaultLogger.Debugf("[Registry] filtered out %s", device)
		return
	}
	tool.DefaultLogger.Infof("[Registry] peer %s available", device)
	r.entries = Upsert(r.entries, device)
	r.publish()
}

func (r *Registry) removeLost(name string) {
	next := RemoveLost(r.entries, name)
	if len(next) == len(r.entries) {
		return
	}
	tool.DefaultLogger.Infof("[Registry] peer %s lost", name)
	r.entries = next
	r.publish()
}

// Upsert returns entries without any peer sharing device's address or key, plus device.
func Upsert(entries []types.PeerDevice, device types.PeerDevice) []types.PeerDevice {
	next := make([]types.PeerDevice, 0, len(entries)+1)
	for _, e := range entries {
		if e.Address == device.Address || e.Key() == device.Key() {
			continue
		}
		next = append(next, e)
	}
	return append(next, device)
}

// RemoveLost drops the peers named name and then keeps one entry per address.
func RemoveLost(entries []types.PeerDevice, name string) []types.PeerDevice {
	next := make([]types.PeerDevice, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.Key() == name {
			continue
		}
		if _, dup := seen[e.Address]; dup {
			continue
		}
		seen[e.Address] = struct{}{}
		next = append(next, e)
	}
	return next
}

func (r *Registry) publish() {
	snap := slices.Clone(r.entries)
	if snap == nil {
		snap = []types.PeerDevice{}
	}
	r.snapshot.Store(&snap)
	r.metrics.SetPeers(len(snap))

	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, ch := range r.subs {
		offer(ch, snap)
	}
}

// offer keeps only the newest snapshot in a one-slot channel.
func offer(ch chan []types.PeerDevice, snap []types.PeerDevice) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

// Snapshot returns the current peers. The slice must not be modified.
func (r *Registry) Snapshot() []types.PeerDevice {
	return *r.snapshot.Load()
}

// ByType returns peers of the given service types; no types means all peers.
func (r *Registry) ByType(serviceTypes ...types.ServiceType) []types.PeerDevice {
	snap := r.Snapshot()
	if len(serviceTypes) == 0 {
		return slices.Clone(snap)
	}
	out := make([]types.PeerDevice, 0, len(snap))
	for _, d := range snap {
		for _, t := range serviceTypes {
			if d.ServiceTypeID == t.UID {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

func (r *Registry) Find(name string) (types.PeerDevice, bool) {
	for _, d := range r.Snapshot() {
		if d.Key() == name {
			return d, true
		}
	}
	return types.PeerDevice{}, false
}

// Subscribe delivers the current snapshot and then every change. Slow readers only
// see the latest value. Call cancel to stop; the channel is then closed.
func (r *Registry) Subscribe() (<-chan []types.PeerDevice, func()) {
	ch := make(chan []types.PeerDevice, 1)
	r.subsMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	ch <- r.Snapshot()
	r.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subsMu.Lock()
			delete(r.subs, id)
			close(ch)
			r.subsMu.Unlock()
		})
	}
}
