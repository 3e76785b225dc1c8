package nsd

import (
	"sync"
	"time"
)

// MemoryBackend is an in-process Backend. Registered services are visible to sessions
// browsing the same type, which makes it usable for single-host setups and tests.
type MemoryBackend struct {
	// ResolveDelay is applied before every resolve answer.
	ResolveDelay time.Duration
	// Rename, when set, maps a requested registration name to the assigned one.
	Rename func(name string) string

	mu        sync.Mutex
	services  map[string]ServiceInfo // by name
	failing   map[string]ErrorCode   // resolve failures by name
	sessions  map[*DiscoveryListener]string
	resolving map[*ResolveListener]chan struct{}
	regs      map[*RegistrationListener]ServiceInfo
	hosts     map[string]string // registration address by name

	inFlight    int
	maxInFlight int
	resolves    int
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		services:  make(map[string]ServiceInfo),
		failing:   make(map[string]ErrorCode),
		sessions:  make(map[*DiscoveryListener]string),
		resolving: make(map[*ResolveListener]chan struct{}),
		regs:      make(map[*RegistrationListener]ServiceInfo),
		hosts:     make(map[string]string),
	}
}

// Announce makes svc visible and reports it to matching sessions.
func (m *MemoryBackend) Announce(svc ServiceInfo) {
	m.mu.Lock()
	m.services[svc.Name] = svc
	targets := m.sessionsFor(svc.Type)
	m.mu.Unlock()
	for _, l := range targets {
		l.OnFound(ServiceInfo{Name: svc.Name, Type: svc.Type, Domain: svc.Domain})
	}
}

// Withdraw removes the named service and reports it lost.
func (m *MemoryBackend) Withdraw(name string) {
	m.mu.Lock()
	svc, ok := m.services[name]
	delete(m.services, name)
	var targets []*DiscoveryListener
	if ok {
		targets = m.sessionsFor(svc.Type)
	}
	m.mu.Unlock()
	for _, l := range targets {
		l.OnLost(ServiceInfo{Name: svc.Name, Type: svc.Type, Domain: svc.Domain})
	}
}

// Host sets the address a registration of name is announced at; the default is
// 127.0.0.1.
func (m *MemoryBackend) Host(name, address string) {
	m.mu.Lock()
	m.hosts[name] = address
	m.mu.Unlock()
}

// FailResolve makes resolves of name fail with code.
func (m *MemoryBackend) FailResolve(name string, code ErrorCode) {
	m.mu.Lock()
	m.failing[name] = code
	m.mu.Unlock()
}

// MaxConcurrentResolves is the highest number of overlapping resolves observed.
func (m *MemoryBackend) MaxConcurrentResolves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

// Resolves counts resolve requests.
func (m *MemoryBackend) Resolves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolves
}

// ActiveSessions counts running discovery sessions.
func (m *MemoryBackend) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *MemoryBackend) sessionsFor(serviceType string) []*DiscoveryListener {
	want := NormalizeServiceType(serviceType)
	var out []*DiscoveryListener
	for l, t := range m.sessions {
		if NormalizeServiceType(t) == want {
			out = append(out, l)
		}
	}
	return out
}

func (m *MemoryBackend) StartDiscovery(serviceType string, l *DiscoveryListener) {
	if NormalizeServiceType(serviceType) == "" {
		go l.OnStartFailed(serviceType, CodeBadParameters)
		return
	}
	m.mu.Lock()
	if _, ok := m.sessions[l]; ok {
		m.mu.Unlock()
		go l.OnStartFailed(serviceType, CodeAlreadyActive)
		return
	}
	m.sessions[l] = serviceType
	var visible []ServiceInfo
	for _, svc := range m.services {
		if NormalizeServiceType(svc.Type) == NormalizeServiceType(serviceType) {
			visible = append(visible, svc)
		}
	}
	m.mu.Unlock()

	go func() {
		l.OnStarted(serviceType)
		for _, svc := range visible {
			l.OnFound(ServiceInfo{Name: svc.Name, Type: svc.Type, Domain: svc.Domain})
		}
	}()
}

func (m *MemoryBackend) StopDiscovery(l *DiscoveryListener) {
	m.mu.Lock()
	serviceType, ok := m.sessions[l]
	delete(m.sessions, l)
	m.mu.Unlock()
	if ok {
		go l.OnStopped(serviceType)
	}
}

func (m *MemoryBackend) Resolve(svc ServiceInfo, l *ResolveListener) {
	m.mu.Lock()
	m.resolves++
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	stop := make(chan struct{})
	m.resolving[l] = stop
	delay := m.ResolveDelay
	m.mu.Unlock()

	go func() {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-stop:
			}
		}

		m.mu.Lock()
		_, active := m.resolving[l]
		if active {
			m.inFlight--
		}
		delete(m.resolving, l)
		resolved, known := m.services[svc.Name]
		code, failing := m.failing[svc.Name]
		m.mu.Unlock()

		switch {
		case !active:
		case failing:
			l.OnResolveFailed(svc, code)
		case !known:
			l.OnResolveFailed(svc, CodeInternalError)
		default:
			l.OnResolved(resolved)
		}
	}()
}

func (m *MemoryBackend) StopResolve(l *ResolveListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stop, ok := m.resolving[l]; ok {
		delete(m.resolving, l)
		m.inFlight--
		close(stop)
	}
}

func (m *MemoryBackend) Register(svc ServiceInfo, l *RegistrationListener) {
	if svc.Name == "" || NormalizeServiceType(svc.Type) == "" {
		go l.OnRegistrationFailed(svc, CodeBadParameters)
		return
	}
	m.mu.Lock()
	if _, ok := m.regs[l]; ok {
		m.mu.Unlock()
		go l.OnRegistrationFailed(svc, CodeAlreadyActive)
		return
	}
	assigned := svc
	if m.Rename != nil {
		assigned.Name = m.Rename(svc.Name)
	}
	if assigned.Address == "" {
		assigned.Address = m.hosts[svc.Name]
	}
	if assigned.Address == "" {
		assigned.Address = "127.0.0.1"
	}
	m.regs[l] = assigned
	m.mu.Unlock()

	go func() {
		m.Announce(assigned)
		l.OnRegistered(assigned)
	}()
}

func (m *MemoryBackend) Unregister(l *RegistrationListener) {
	m.mu.Lock()
	svc, ok := m.regs[l]
	delete(m.regs, l)
	m.mu.Unlock()
	if !ok {
		go l.OnUnregistrationFailed(ServiceInfo{}, CodeNotActive)
		return
	}
	go func() {
		m.Withdraw(svc.Name)
		l.OnUnregistered(svc)
	}()
}
