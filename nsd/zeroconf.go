package nsd

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/libp2p/zeroconf/v2"

	"github.com/moyoez/doorbell-signal/tool"
)

const (
	defaultResolveTimeout = 10 * time.Second
	// DefaultLiveness is how long a browsed instance may stay quiet before it is
	// looked up again; an instance that does not answer is reported lost.
	DefaultLiveness        = 10 * time.Second
	defaultLivenessTimeout = 4 * time.Second
	livenessTick           = time.Second
	maxBrowseSessions      = 8
	browseEntryBuffer      = 32
)

// ZeroconfBackend implements Backend over multicast DNS.
type ZeroconfBackend struct {
	Domain         string
	ResolveTimeout time.Duration
	// Interfaces limits browsing, lookups and announcing; nil means all multicast interfaces.
	Interfaces []net.Interface
	Liveness   time.Duration

	mu       sync.Mutex
	sessions map[*DiscoveryListener]context.CancelFunc
	resolves map[*ResolveListener]context.CancelFunc
	servers  map[*RegistrationListener]*announced
}

type announced struct {
	svc       ServiceInfo
	server    *zeroconf.Server // nil while the announcement is being set up
	withdrawn bool
}

func NewZeroconfBackend(domain string, resolveTimeout time.Duration, ifaces []net.Interface) *ZeroconfBackend {
	if domain == "" {
		domain = "local."
	}
	if resolveTimeout <= 0 {
		resolveTimeout = defaultResolveTimeout
	}
	return &ZeroconfBackend{
		Domain:         domain,
		ResolveTimeout: resolveTimeout,
		Interfaces:     ifaces,
		Liveness:       DefaultLiveness,
		sessions:       make(map[*DiscoveryListener]context.CancelFunc),
		resolves:       make(map[*ResolveListener]context.CancelFunc),
		servers:        make(map[*RegistrationListener]*announced),
	}
}

// InterfacesByName looks up the named interface for NewZeroconfBackend; "" returns nil.
func InterfacesByName(name string) ([]net.Interface, error) {
	if name == "" {
		return nil, nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	return []net.Interface{*iface}, nil
}

func (b *ZeroconfBackend) clientOptions() []zeroconf.ClientOption {
	if len(b.Interfaces) == 0 {
		return nil
	}
	return []zeroconf.ClientOption{zeroconf.SelectIfaces(b.Interfaces)}
}

func (b *ZeroconfBackend) StartDiscovery(serviceType string, l *DiscoveryListener) {
	normalized := NormalizeServiceType(serviceType)
	if normalized == "" {
		go l.OnStartFailed(serviceType, CodeBadParameters)
		return
	}

	b.mu.Lock()
	if _, ok := b.sessions[l]; ok {
		b.mu.Unlock()
		go l.OnStartFailed(serviceType, CodeAlreadyActive)
		return
	}
	if len(b.sessions) >= maxBrowseSessions {
		b.mu.Unlock()
		go l.OnStartFailed(serviceType, CodeMaxLimit)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.sessions[l] = cancel
	b.mu.Unlock()

	go b.browse(ctx, serviceType, normalized, l)
}

func (b *ZeroconfBackend) browse(ctx context.Context, serviceType, normalized string, l *DiscoveryListener) {
	bctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, browseEntryBuffer)
	errCh := make(chan error, 1)
	go func() {
		errCh <- zeroconf.Browse(bctx, normalized, b.Domain, entries, b.clientOptions()...)
	}()

	l.OnStarted(serviceType)

	liveness := b.Liveness
	if liveness <= 0 {
		liveness = DefaultLiveness
	}
	tracker := newEntryTracker(liveness)
	checks := make(chan livenessResult, browseEntryBuffer)
	ticker := time.NewTicker(livenessTick)
	defer ticker.Stop()

	report := func(info ServiceInfo, ev entryEvent) {
		switch ev {
		case entryFound:
			l.OnFound(info)
		case entryLost:
			l.OnLost(info)
		}
	}

	for {
		select {
		case e, ok := <-entries:
			if !ok {
				// Browse closes entries once bctx is done; errCh follows
				entries = nil
				continue
			}
			if e == nil {
				continue
			}
			report(tracker.observe(e, time.Now()))
		case now := <-ticker.C:
			for _, info := range tracker.expire(now) {
				l.OnLost(info)
			}
			for _, info := range tracker.due(now) {
				go func(info ServiceInfo) {
					lctx, lcancel := context.WithTimeout(bctx, b.livenessTimeout())
					defer lcancel()
					e := b.lookupEntry(lctx, info.Name, normalized)
					select {
					case checks <- livenessResult{name: info.Name, entry: e}:
					case <-bctx.Done():
					}
				}(info)
			}
		case res := <-checks:
			if bctx.Err() != nil {
				continue
			}
			report(tracker.checked(res.name, res.entry, time.Now()))
		case err := <-errCh:
			b.mu.Lock()
			delete(b.sessions, l)
			b.mu.Unlock()
			if err != nil && ctx.Err() == nil {
				tool.DefaultLogger.Errorf("[Zeroconf] browse %s failed: %v", normalized, err)
				l.OnStartFailed(serviceType, CodeInternalError)
				return
			}
			l.OnStopped(serviceType)
			return
		}
	}
}

type livenessResult struct {
	name  string
	entry *zeroconf.ServiceEntry
}

func (b *ZeroconfBackend) livenessTimeout() time.Duration {
	if b.Liveness <= 0 || b.Liveness > defaultLivenessTimeout {
		return defaultLivenessTimeout
	}
	return b.Liveness
}

func (b *ZeroconfBackend) StopDiscovery(l *DiscoveryListener) {
	b.mu.Lock()
	cancel, ok := b.sessions[l]
	b.mu.Unlock()
	if !ok {
		tool.DefaultLogger.Debugf("[Zeroconf] stop requested for an inactive discovery session")
		return
	}
	// the browse goroutine reports OnStopped once zeroconf.Browse returns
	cancel()
}

func (b *ZeroconfBackend) Resolve(svc ServiceInfo, l *ResolveListener) {
	if svc.Name == "" || NormalizeServiceType(svc.Type) == "" {
		go l.OnResolveFailed(svc, CodeBadParameters)
		return
	}

	b.mu.Lock()
	if _, ok := b.resolves[l]; ok {
		b.mu.Unlock()
		go l.OnResolveFailed(svc, CodeAlreadyActive)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.ResolveTimeout)
	stopped := false
	b.resolves[l] = func() {
		stopped = true
		cancel()
	}
	b.mu.Unlock()

	go func() {
		defer cancel()
		info, ok := b.lookup(ctx, svc)

		b.mu.Lock()
		wasStopped := stopped
		delete(b.resolves, l)
		b.mu.Unlock()

		switch {
		case wasStopped:
			// the caller no longer wants a callback
		case ok:
			l.OnResolved(info)
		default:
			l.OnResolveFailed(svc, CodeInternalError)
		}
	}()
}

// lookup returns the first answer that carries an address.
func (b *ZeroconfBackend) lookup(ctx context.Context, svc ServiceInfo) (ServiceInfo, bool) {
	e := b.lookupEntry(ctx, svc.Name, NormalizeServiceType(svc.Type))
	if e == nil {
		if ctx.Err() == nil {
			tool.DefaultLogger.Warnf("[Zeroconf] lookup of %s found no address", svc.Name)
		}
		return ServiceInfo{}, false
	}
	return entryToServiceInfo(e), true
}

// lookupEntry queries one instance until an answer with an address and port arrives or
// ctx ends. It returns nil when nothing usable answered.
func (b *ZeroconfBackend) lookupEntry(ctx context.Context, instance, serviceType string) *zeroconf.ServiceEntry {
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, browseEntryBuffer)
	errCh := make(chan error, 1)
	go func() {
		errCh <- zeroconf.Lookup(lctx, instance, serviceType, b.Domain, entries, b.clientOptions()...)
	}()

	var found *zeroconf.ServiceEntry
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			if e == nil || found != nil {
				continue
			}
			if (len(e.AddrIPv4) == 0 && len(e.AddrIPv6) == 0) || e.Port == 0 {
				continue
			}
			found = e
			cancel()
		case err := <-errCh:
			if err != nil && found == nil && ctx.Err() == nil {
				tool.DefaultLogger.Warnf("[Zeroconf] lookup of %s failed: %v", instance, err)
			}
			return found
		}
	}
}

func (b *ZeroconfBackend) StopResolve(l *ResolveListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if stop, ok := b.resolves[l]; ok {
		stop()
	}
}

func (b *ZeroconfBackend) Register(svc ServiceInfo, l *RegistrationListener) {
	serviceType := NormalizeServiceType(svc.Type)
	if svc.Name == "" || serviceType == "" || svc.Port <= 0 || svc.Port > 65535 {
		go l.OnRegistrationFailed(svc, CodeBadParameters)
		return
	}

	b.mu.Lock()
	if _, ok := b.servers[l]; ok {
		b.mu.Unlock()
		go l.OnRegistrationFailed(svc, CodeAlreadyActive)
		return
	}
	a := &announced{svc: svc}
	b.servers[l] = a
	b.mu.Unlock()

	go func() {
		server, err := zeroconf.Register(svc.Name, serviceType, b.Domain, svc.Port, svc.Text, b.Interfaces)
		if err != nil {
			b.mu.Lock()
			delete(b.servers, l)
			b.mu.Unlock()
			tool.DefaultLogger.Errorf("[Zeroconf] register %s failed: %v", svc.Name, err)
			l.OnRegistrationFailed(svc, CodeInternalError)
			return
		}
		b.mu.Lock()
		withdrawn := a.withdrawn
		a.server = server
		b.mu.Unlock()
		if withdrawn {
			server.Shutdown()
			l.OnUnregistered(svc)
			return
		}
		l.OnRegistered(svc)
	}()
}

func (b *ZeroconfBackend) Unregister(l *RegistrationListener) {
	b.mu.Lock()
	a, ok := b.servers[l]
	delete(b.servers, l)
	pending := ok && a.server == nil
	if pending {
		// finished by the Register goroutine
		a.withdrawn = true
	}
	b.mu.Unlock()
	if !ok {
		go l.OnUnregistrationFailed(ServiceInfo{}, CodeNotActive)
		return
	}
	if pending {
		return
	}
	go func() {
		a.server.Shutdown()
		l.OnUnregistered(a.svc)
	}()
}

func entryToServiceInfo(e *zeroconf.ServiceEntry) ServiceInfo {
	info := ServiceInfo{
		Name:   e.Instance,
		Type:   e.Service,
		Domain: e.Domain,
		Host:   e.HostName,
		Port:   e.Port,
		Text:   e.Text,
	}
	if len(e.AddrIPv4) > 0 {
		info.Address = e.AddrIPv4[0].String()
	} else if len(e.AddrIPv6) > 0 {
		info.Address = e.AddrIPv6[0].String()
	}
	return info
}
