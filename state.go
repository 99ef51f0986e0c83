package ninchat

// SessionState is one of the client session engine's lifecycle states.
type SessionState int

const (
	StateUninitialized SessionState = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnState is the transport-level connectivity state reported via
// OnConnState, distinct from the richer SessionState the engine tracks
// internally.
type ConnState int

const (
	ConnConnecting ConnState = iota
	ConnConnected
	ConnDisconnected
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
