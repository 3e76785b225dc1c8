package nsd

import (
	"errors"
	"fmt"
)

// ErrorCode is the failure reason reported by a Backend.
type ErrorCode int

const (
	CodeInternalError ErrorCode = 0
	CodeAlreadyActive ErrorCode = 3
	CodeMaxLimit      ErrorCode = 4
	CodeBadParameters ErrorCode = 6
	CodeNotActive     ErrorCode = 100
)

func (c ErrorCode) String() string {
	switch c {
	case CodeInternalError:
		return "internal error"
	case CodeAlreadyActive:
		return "already active"
	case CodeMaxLimit:
		return "max limit"
	case CodeBadParameters:
		return "bad parameters"
	case CodeNotActive:
		return "not active"
	default:
		return fmt.Sprintf("code %d", int(c))
	}
}

// ErrResolveAborted is returned when a resolve ends without a result or a failure code.
var ErrResolveAborted = errors.New("resolve aborted")

// DiscoveryError terminates a discovery stream. It is fatal for that stream;
// callers resubscribe to retry.
type DiscoveryError struct {
	ServiceType string
	Code        ErrorCode
	Stop        bool // failure happened while stopping, not starting
}

func (e *DiscoveryError) Error() string {
	op := "start"
	if e.Stop {
		op = "stop"
	}
	return fmt.Sprintf("discovery %s failed for %s: %s", op, e.ServiceType, e.Code)
}

// ResolveError terminates a single resolve attempt.
type ResolveError struct {
	Service ServiceInfo
	Code    ErrorCode
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s failed: %s", e.Service.Name, e.Code)
}

// RegistrationError terminates a registration stream.
type RegistrationError struct {
	ServiceName string
	Code        ErrorCode
	Unregister  bool
}

func (e *RegistrationError) Error() string {
	op := "registration"
	if e.Unregister {
		op = "unregistration"
	}
	return fmt.Sprintf("%s of %s failed: %s", op, e.ServiceName, e.Code)
}
