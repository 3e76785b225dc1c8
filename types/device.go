package types

import (
	"fmt"
	"net"
	"strconv"
)

// DefaultDevicePort is used when a peer does not advertise a port.
const DefaultDevicePort uint16 = 8888

// PlaceholderAddress marks a device that was built locally and never resolved.
const PlaceholderAddress = "0.0.0.0"

/*
 PeerDevice wire example

{
  "address": "192.168.1.10",
  "port": 8888,
  "serviceName": "3f2a9c1e5b7d",
  "serviceTypeId": "db-assistant"
}

*/

// PeerDevice is the identity of a remote (or the local) doorbell/client instance.
type PeerDevice struct {
	Address       string `json:"address" yaml:"address"`
	Port          uint16 `json:"port" yaml:"port"`
	ServiceName   string `json:"serviceName" yaml:"serviceName"`
	ServiceTypeID string `json:"serviceTypeId" yaml:"serviceTypeId"`
}

// NewPeerDevice returns a device, substituting DefaultDevicePort for a zero port.
func NewPeerDevice(address string, port uint16, serviceName, serviceTypeID string) PeerDevice {
	if port == 0 {
		port = DefaultDevicePort
	}
	return PeerDevice{
		Address:       address,
		Port:          port,
		ServiceName:   serviceName,
		ServiceTypeID: serviceTypeID,
	}
}

// Placeholder builds a synthetic device for this process before the server is bound.
func Placeholder(serviceName, serviceTypeID string) PeerDevice {
	return NewPeerDevice(PlaceholderAddress, 0, serviceName, serviceTypeID)
}

// ServiceTypeName is the DNS-SD type, e.g. "_db-assistant._tcp".
func (d PeerDevice) ServiceTypeName() string {
	return ServiceTypeNameOf(d.ServiceTypeID)
}

// Key is the registry identity of the device.
func (d PeerDevice) Key() string {
	return d.ServiceName
}

// IsPlaceholder reports whether the device was never resolved to a real address.
func (d PeerDevice) IsPlaceholder() bool {
	return d.Address == "" || d.Address == PlaceholderAddress
}

// HostPort joins address and port, bracketing IPv6 literals.
func (d PeerDevice) HostPort() string {
	return net.JoinHostPort(d.Address, strconv.Itoa(int(d.Port)))
}

// URL builds http://{address}:{port}/{path}.
func (d PeerDevice) URL(path string) string {
	return fmt.Sprintf("http://%s/%s", d.HostPort(), path)
}

func (d PeerDevice) String() string {
	return fmt.Sprintf("%s(%s)@%s", d.ServiceName, d.ServiceTypeID, d.HostPort())
}

// ServiceTypeNameOf builds the DNS-SD type for a service type uid.
func ServiceTypeNameOf(uid string) string {
	return "_" + uid + "._tcp"
}
