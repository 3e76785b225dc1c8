package nsd

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"github.com/moyoez/doorbell-signal/tool"
)

const (
	discoveryBuffer    = 32
	registrationBuffer = 4
)

// Discovery turns a callback Backend into cancellable event streams.
type Discovery struct {
	backend Backend

	// the platform resolver accepts one request at a time
	resolveSem *semaphore.Weighted

	mu   sync.Mutex
	regs map[*RegistrationListener]*registration
}

type registration struct {
	svc     ServiceInfo
	waiters []chan RegistrationEvent
}

func NewDiscovery(backend Backend) *Discovery {
	return &Discovery{
		backend:    backend,
		resolveSem: semaphore.NewWeighted(1),
		regs:       make(map[*RegistrationListener]*registration),
	}
}

// Discover starts one session per config. The stream emits Started, Found, Lost and
// Stopped for every session and ends with a *DiscoveryError on the first start or stop
// failure. Cancelling ctx stops all sessions; nothing is emitted afterwards.
func (d *Discovery) Discover(ctx context.Context, configs []DiscoveryConfig) *Stream[DiscoveryEvent] {
	ctx, cancel := context.WithCancel(ctx)
	s := newStream[DiscoveryEvent](ctx, discoveryBuffer)

	fail := func(err error) {
		tool.DefaultLogger.Errorf("[Discovery] %v", err)
		s.finish(err)
		cancel()
	}

	listeners := make([]*DiscoveryListener, 0, len(configs))
	for range configs {
		listeners = append(listeners, &DiscoveryListener{
			OnStarted: func(serviceType string) {
				tool.DefaultLogger.Debugf("[Discovery] started %s", serviceType)
				s.send(Started{ServiceType: serviceType})
			},
			OnStopped: func(serviceType string) {
				tool.DefaultLogger.Debugf("[Discovery] stopped %s", serviceType)
				s.send(Stopped{ServiceType: serviceType})
			},
			OnStartFailed: func(serviceType string, code ErrorCode) {
				fail(&DiscoveryError{ServiceType: serviceType, Code: code})
			},
			OnStopFailed: func(serviceType string, code ErrorCode) {
				fail(&DiscoveryError{ServiceType: serviceType, Code: code, Stop: true})
			},
			OnFound: func(svc ServiceInfo) {
				s.send(Found{Service: svc})
			},
			OnLost: func(svc ServiceInfo) {
				s.send(Lost{Service: svc})
			},
		})
	}

	go func() {
		<-ctx.Done()
		s.finish(nil)
		for _, l := range listeners {
			d.backend.StopDiscovery(l)
		}
	}()

	for i, cfg := range configs {
		d.backend.StartDiscovery(cfg.ServiceTypeName, listeners[i])
	}
	if len(configs) == 0 {
		cancel()
	}
	return s
}

// Resolve asks the backend for the address of svc. The stream carries exactly one
// Resolved value, or ends with a *ResolveError.
func (d *Discovery) Resolve(ctx context.Context, svc ServiceInfo) *Stream[ResolveEvent] {
	s := newStream[ResolveEvent](ctx, 1)
	l := &ResolveListener{
		OnResolved: func(info ServiceInfo) {
			s.send(Resolved{Service: info})
			s.finish(nil)
		},
		OnResolveFailed: func(info ServiceInfo, code ErrorCode) {
			s.finish(&ResolveError{Service: info, Code: code})
		},
	}
	go func() {
		select {
		case <-ctx.Done():
			d.backend.StopResolve(l)
			s.finish(ctx.Err())
		case <-s.done:
		}
	}()
	d.backend.Resolve(svc, l)
	return s
}

// ResolveLocked is Resolve with at most one resolve in flight across callers. Waiters
// queue in arrival order and leave the queue when their ctx is cancelled.
func (d *Discovery) ResolveLocked(ctx context.Context, svc ServiceInfo) (ServiceInfo, error) {
	if err := d.resolveSem.Acquire(ctx, 1); err != nil {
		return ServiceInfo{}, err
	}
	defer d.resolveSem.Release(1)

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := Collect(d.Resolve(rctx, svc))
	if err != nil {
		return ServiceInfo{}, err
	}
	for _, ev := range events {
		if r, ok := ev.(Resolved); ok {
			return r.Service, nil
		}
	}
	return ServiceInfo{}, ErrResolveAborted
}

// Register announces name under serviceTypeName. The stream emits Registered, then
// Unregistered once the service is withdrawn (by cancelling ctx or UnregisterAll).
// A network-assigned rename is reported through Registered, not as a failure. txt is
// published as the TXT record ("key=value" entries).
func (d *Discovery) Register(ctx context.Context, name, serviceTypeName string, port int, protocol string, txt ...string) *Stream[RegistrationEvent] {
	s := newStream[RegistrationEvent](ctx, registrationBuffer)
	svc := ServiceInfo{Name: name, Type: serviceTypeName, Port: port, Text: txt}

	l := &RegistrationListener{}
	l.OnRegistered = func(info ServiceInfo) {
		if info.Name != "" && info.Name != name {
			tool.DefaultLogger.Warnf("[Register] service %s was renamed to %s by the network", name, info.Name)
		} else {
			tool.DefaultLogger.Infof("[Register] service %s registered as %s on port %d", name, serviceTypeName, port)
		}
		assigned := info.Name
		if assigned == "" {
			assigned = name
		}
		s.send(Registered{AssignedName: assigned, RequestedName: name})
	}
	l.OnUnregistered = func(info ServiceInfo) {
		ev := Unregistered{ServiceName: name}
		d.release(l, ev)
		s.send(ev)
		s.finish(nil)
	}
	l.OnRegistrationFailed = func(info ServiceInfo, code ErrorCode) {
		ev := RegistrationFailed{ServiceName: name, Code: code}
		d.release(l, ev)
		s.send(ev)
		s.finish(&RegistrationError{ServiceName: name, Code: code})
	}
	l.OnUnregistrationFailed = func(info ServiceInfo, code ErrorCode) {
		ev := UnregistrationFailed{ServiceName: name, Code: code}
		d.release(l, ev)
		s.send(ev)
		s.finish(&RegistrationError{ServiceName: name, Code: code, Unregister: true})
	}

	if protocol != "" && protocol != "tcp" {
		tool.DefaultLogger.Warnf("[Register] protocol %q is not supported, announcing %s over tcp", protocol, name)
	}

	d.mu.Lock()
	d.regs[l] = &registration{svc: svc}
	d.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			if d.tracked(l) {
				d.backend.Unregister(l)
			}
		case <-s.done:
		}
	}()

	d.backend.Register(svc, l)
	return s
}

func (d *Discovery) tracked(l *RegistrationListener) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.regs[l]
	return ok
}

func (d *Discovery) release(l *RegistrationListener, ev RegistrationEvent) {
	d.mu.Lock()
	reg, ok := d.regs[l]
	delete(d.regs, l)
	d.mu.Unlock()
	if !ok {
		return
	}
	for _, w := range reg.waiters {
		w <- ev
	}
}

// UnregisterAll withdraws every registration made through d. The stream emits one
// Unregistered or UnregistrationFailed per service and ends with the combined error
// of the failures.
func (d *Discovery) UnregisterAll(ctx context.Context) *Stream[RegistrationEvent] {
	type pending struct {
		l    *RegistrationListener
		name string
		ch   chan RegistrationEvent
	}

	d.mu.Lock()
	all := make([]pending, 0, len(d.regs))
	for l, reg := range d.regs {
		ch := make(chan RegistrationEvent, 1)
		reg.waiters = append(reg.waiters, ch)
		all = append(all, pending{l: l, name: reg.svc.Name, ch: ch})
	}
	d.mu.Unlock()

	s := newStream[RegistrationEvent](ctx, len(all)+1)
	go func() {
		var errs error
		for _, p := range all {
			d.backend.Unregister(p.l)
		}
		for _, p := range all {
			select {
			case ev := <-p.ch:
				switch e := ev.(type) {
				case UnregistrationFailed:
					errs = multierr.Append(errs, &RegistrationError{ServiceName: e.ServiceName, Code: e.Code, Unregister: true})
				case RegistrationFailed:
					errs = multierr.Append(errs, &RegistrationError{ServiceName: e.ServiceName, Code: e.Code})
				}
				s.send(ev)
			case <-ctx.Done():
				errs = multierr.Append(errs, ctx.Err())
				s.finish(errs)
				return
			}
		}
		s.finish(errs)
	}()
	return s
}
