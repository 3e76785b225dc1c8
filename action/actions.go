// Package action holds the signaling messages peers exchange and the tag table used to
// put them on the wire.
package action

import (
	"time"

	"github.com/moyoez/doorbell-signal/types"
)

// Action is one signaling message. ActionType is the stable wire tag; it doubles as the
// HTTP route name. Implementations are value types.
type Action interface {
	ActionType() string
}

// Device references are pointers so a missing sender is encoded as null, never omitted.

type SDPOffer struct {
	Device *types.PeerDevice `json:"device"`
	SDP    string            `json:"sdp"`
}

type SDPAnswer struct {
	Device *types.PeerDevice `json:"device"`
	SDP    string            `json:"sdp"`
}

type ICECandidate struct {
	Device        *types.PeerDevice `json:"device"`
	SDPMid        string            `json:"sdpMid"`
	SDPMLineIndex int               `json:"sdpMLineIndex"`
	SDP           string            `json:"sdp"`
}

type CallAccept struct {
	Device *types.PeerDevice `json:"device"`
}

type CallDismiss struct {
	Device *types.PeerDevice `json:"device"`
}

// CallStart is sent to the callee to ring it.
type CallStart struct {
	Caller *types.PeerDevice `json:"caller"`
	Callee *types.PeerDevice `json:"callee"`
}

// CallStarted confirms a call back to the caller.
type CallStarted struct {
	Caller *types.PeerDevice `json:"caller"`
	Callee *types.PeerDevice `json:"callee"`
}

type MotionDetected struct {
	Device   *types.PeerDevice `json:"device"`
	Detected bool              `json:"detected"`
	At       time.Time         `json:"at"`
}

func (SDPOffer) ActionType() string       { return "SDPOffer" }
func (SDPAnswer) ActionType() string      { return "SDPAnswer" }
func (ICECandidate) ActionType() string   { return "ICECandidate" }
func (CallAccept) ActionType() string     { return "CallAccept" }
func (CallDismiss) ActionType() string    { return "CallDismiss" }
func (CallStart) ActionType() string      { return "CallStart" }
func (CallStarted) ActionType() string    { return "CallStarted" }
func (MotionDetected) ActionType() string { return "MotionDetected" }

// Sender returns the device that originated a, or nil.
func Sender(a Action) *types.PeerDevice {
	switch v := a.(type) {
	case SDPOffer:
		return v.Device
	case SDPAnswer:
		return v.Device
	case ICECandidate:
		return v.Device
	case CallAccept:
		return v.Device
	case CallDismiss:
		return v.Device
	case CallStart:
		return v.Caller
	case CallStarted:
		return v.Callee
	case MotionDetected:
		return v.Device
	}
	return nil
}
