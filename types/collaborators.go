package types

import "image"

// FrameProvider supplies the latest camera frame; GetFrame returns nil when no frame
// is available.
type FrameProvider interface {
	GetFrame() image.Image
}

// FrameProviderFunc adapts a function to FrameProvider.
type FrameProviderFunc func() image.Image

func (f FrameProviderFunc) GetFrame() image.Image { return f() }

// LocalAddressProvider reports this device's current LAN address, "" when offline.
type LocalAddressProvider interface {
	LocalAddress() string
}

// DeviceInfo is served on GET /info.
type DeviceInfo struct {
	Device      PeerDevice  `json:"device"`
	DisplayName string      `json:"displayName"`
	ServiceType ServiceType `json:"serviceType"`
	Actions     []string    `json:"actions"`
}
