package negotiation

import "github.com/pion/webrtc/v3"

// DefaultMaxRestartAttempts bounds automatic ICE restarts per connection.
const DefaultMaxRestartAttempts = 3

type Role int

const (
	RoleResponder Role = iota
	RoleInitiator
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

type HealthState string

const (
	HealthNew          HealthState = "new"
	HealthConnecting   HealthState = "connecting"
	HealthConnected    HealthState = "connected"
	HealthDisconnected HealthState = "disconnected"
	HealthFailed       HealthState = "failed"
	HealthClosed       HealthState = "closed"
)

// Health tracks the transport state and the restart attempts spent since the
// connection was last connected.
type Health struct {
	State           HealthState
	RestartAttempts int
}

func healthStateOf(s webrtc.PeerConnectionState) HealthState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return HealthConnecting
	case webrtc.PeerConnectionStateConnected:
		return HealthConnected
	case webrtc.PeerConnectionStateDisconnected:
		return HealthDisconnected
	case webrtc.PeerConnectionStateFailed:
		return HealthFailed
	case webrtc.PeerConnectionStateClosed:
		return HealthClosed
	default:
		return HealthNew
	}
}
