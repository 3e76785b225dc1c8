package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/miekg/dns"
)

// ErrDuplicateServiceType is returned when a uid is registered twice.
var ErrDuplicateServiceType = errors.New("duplicate service type uid")

// ServiceType describes a kind of device on the network and how calls to it behave.
type ServiceType struct {
	UID              string `json:"uid" yaml:"uid"`
	Label            string `json:"label" yaml:"label"`
	AutoAnswerCall   bool   `json:"isAutoAnswerCall" yaml:"isAutoAnswerCall"`
	MicMutedAtStart  bool   `json:"micMutedAtStart" yaml:"micMutedAtStart"`
	SpeakerOnAtStart bool   `json:"speakerOnAtStart" yaml:"speakerOnAtStart"`
}

var (
	// Unspecified is returned by lookups that match nothing.
	Unspecified = ServiceType{UID: "unspecified", Label: "Unspecified"}
	// DoorbellAssistant is the doorbell itself. It picks up calls from clients
	// automatically so a client can look outside without anyone at the door noticing.
	DoorbellAssistant = ServiceType{
		UID:              "db-assistant",
		Label:            "Doorbell",
		AutoAnswerCall:   true,
		MicMutedAtStart:  true,
		SpeakerOnAtStart: true,
	}
	// DoorbellClient is a phone or tablet that receives rings.
	DoorbellClient = ServiceType{
		UID:              "db-client",
		Label:            "Doorbell client",
		SpeakerOnAtStart: true,
	}
)

// ServiceTypeName is the DNS-SD type, e.g. "_db-client._tcp".
func (t ServiceType) ServiceTypeName() string {
	return ServiceTypeNameOf(t.UID)
}

// IsUnspecified reports whether t is the Unspecified sentinel.
func (t ServiceType) IsUnspecified() bool {
	return t.UID == Unspecified.UID
}

func (t ServiceType) String() string {
	return t.UID
}

// ServiceTypes is the set of known device kinds. Built-in kinds are always present;
// pluggable kinds can be added and removed at runtime.
type ServiceTypes struct {
	mu    sync.RWMutex
	byUID map[string]ServiceType
}

// NewServiceTypes returns a set holding the built-in kinds plus extra.
func NewServiceTypes(extra ...ServiceType) (*ServiceTypes, error) {
	s := &ServiceTypes{byUID: make(map[string]ServiceType)}
	for _, t := range []ServiceType{Unspecified, DoorbellAssistant, DoorbellClient} {
		s.byUID[t.UID] = t
	}
	for _, t := range extra {
		if err := s.Register(t); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Register adds t. Reusing a uid is a configuration error.
func (s *ServiceTypes) Register(t ServiceType) error {
	uid := strings.ToLower(strings.TrimSpace(t.UID))
	if uid == "" || strings.ContainsAny(uid, "._ ") {
		return fmt.Errorf("invalid service type uid %q", t.UID)
	}
	t.UID = uid
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byUID[uid]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateServiceType, uid)
	}
	s.byUID[uid] = t
	return nil
}

// Unregister removes a pluggable kind. The Unspecified sentinel cannot be removed.
func (s *ServiceTypes) Unregister(uid string) bool {
	uid = strings.ToLower(uid)
	if uid == Unspecified.UID {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byUID[uid]; !ok {
		return false
	}
	delete(s.byUID, uid)
	return true
}

// ByUID returns the kind registered under uid.
func (s *ServiceTypes) ByUID(uid string) (ServiceType, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byUID[strings.ToLower(uid)]
	return t, ok
}

// All returns every registered kind sorted by uid.
func (s *ServiceTypes) All() []ServiceType {
	s.mu.RLock()
	out := make([]ServiceType, 0, len(s.byUID))
	for _, t := range s.byUID {
		out = append(out, t)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// Lookup maps a DNS-SD type string to a registered kind. Accepted forms include
// "_db-client._tcp", "._db-client._tcp.local.", "_sub._db-client._tcp" and the
// bare uid. Matching is label exact, so "db-client" never matches "db-assistant".
// Anything unknown yields Unspecified.
func (s *ServiceTypes) Lookup(serviceTypeName string) ServiceType {
	labels := serviceTypeLabels(serviceTypeName)
	if len(labels) == 0 {
		return Unspecified
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(labels) == 1 {
		if t, ok := s.byUID[strings.TrimPrefix(labels[0], "_")]; ok {
			return t
		}
		return Unspecified
	}

	best := Unspecified
	bestLen := 0
	for uid, t := range s.byUID {
		suffix := []string{"_" + uid, "_tcp"}
		if hasLabelSuffix(labels, suffix) && len(uid) > bestLen {
			best = t
			bestLen = len(uid)
		}
	}
	return best
}

// serviceTypeLabels lowercases name and splits it into DNS labels without the
// trailing "local" domain.
func serviceTypeLabels(name string) []string {
	name = strings.TrimLeft(strings.TrimSpace(name), ".")
	if name == "" {
		return nil
	}
	labels := dns.SplitDomainName(dns.CanonicalName(name))
	if n := len(labels); n > 0 && labels[n-1] == "local" {
		labels = labels[:n-1]
	}
	return labels
}

func hasLabelSuffix(labels, suffix []string) bool {
	if len(labels) < len(suffix) {
		return false
	}
	offset := len(labels) - len(suffix)
	for i, l := range suffix {
		if labels[offset+i] != l {
			return false
		}
	}
	return true
}
