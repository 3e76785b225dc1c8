package nsd

// Backend is the raw, callback driven service discovery API. Implementations invoke
// listener callbacks from their own goroutines, never from inside the call that
// started the operation. A listener identifies one operation and must not be reused
// until that operation has ended.
type Backend interface {
	StartDiscovery(serviceType string, l *DiscoveryListener)
	StopDiscovery(l *DiscoveryListener)
	Resolve(svc ServiceInfo, l *ResolveListener)
	StopResolve(l *ResolveListener)
	Register(svc ServiceInfo, l *RegistrationListener)
	Unregister(l *RegistrationListener)
}

// DiscoveryListener receives the callbacks of one discovery session.
type DiscoveryListener struct {
	OnStarted     func(serviceType string)
	OnStopped     func(serviceType string)
	OnStartFailed func(serviceType string, code ErrorCode)
	OnStopFailed  func(serviceType string, code ErrorCode)
	OnFound       func(svc ServiceInfo)
	OnLost        func(svc ServiceInfo)
}

// ResolveListener receives the outcome of one resolve.
type ResolveListener struct {
	OnResolved      func(svc ServiceInfo)
	OnResolveFailed func(svc ServiceInfo, code ErrorCode)
}

// RegistrationListener receives the lifecycle of one announced service.
type RegistrationListener struct {
	OnRegistered           func(svc ServiceInfo)
	OnUnregistered         func(svc ServiceInfo)
	OnRegistrationFailed   func(svc ServiceInfo, code ErrorCode)
	OnUnregistrationFailed func(svc ServiceInfo, code ErrorCode)
}
