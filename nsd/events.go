package nsd

import "strings"

// ServiceInfo describes a DNS-SD service instance. Before resolution only Name and
// Type are guaranteed to be set.
type ServiceInfo struct {
	Name    string
	Type    string
	Domain  string
	Host    string
	Address string
	Port    int
	Text    []string
}

// NormalizedType strips the leading/trailing dots and the ".local" domain some stacks
// report, e.g. "._db-client._tcp.local." -> "_db-client._tcp".
func (s ServiceInfo) NormalizedType() string {
	return NormalizeServiceType(s.Type)
}

// NormalizeServiceType is ServiceInfo.NormalizedType for a bare string.
func NormalizeServiceType(t string) string {
	t = strings.Trim(strings.TrimSpace(t), ".")
	t = strings.TrimSuffix(t, ".local")
	return t
}

// DiscoveryConfig selects one discovery session.
type DiscoveryConfig struct {
	ServiceTypeName string
	Protocol        string // only "tcp" is meaningful for DNS-SD here
}

// DiscoveryEvent is one of Started, Stopped, Found or Lost.
type DiscoveryEvent interface {
	discoveryEvent()
}

type Started struct{ ServiceType string }
type Stopped struct{ ServiceType string }
type Found struct{ Service ServiceInfo }
type Lost struct{ Service ServiceInfo }

func (Started) discoveryEvent() {}
func (Stopped) discoveryEvent() {}
func (Found) discoveryEvent()   {}
func (Lost) discoveryEvent()    {}

// ResolveEvent is the single success value of a resolve stream.
type ResolveEvent interface {
	resolveEvent()
}

type Resolved struct{ Service ServiceInfo }

func (Resolved) resolveEvent() {}

// RegistrationEvent reports the lifecycle of an announced service.
type RegistrationEvent interface {
	registrationEvent()
}

// Registered carries the name the network assigned, which can differ from the
// requested one after a conflict.
type Registered struct {
	AssignedName  string
	RequestedName string
}
type Unregistered struct{ ServiceName string }
type RegistrationFailed struct {
	ServiceName string
	Code        ErrorCode
}
type UnregistrationFailed struct {
	ServiceName string
	Code        ErrorCode
}

func (Registered) registrationEvent()           {}
func (Unregistered) registrationEvent()         {}
func (RegistrationFailed) registrationEvent()   {}
func (UnregistrationFailed) registrationEvent() {}

// Renamed reports whether the network changed the requested name.
func (r Registered) Renamed() bool {
	return r.AssignedName != r.RequestedName
}
