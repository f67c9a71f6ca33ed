package stream

// ConnectionState is the manager's private lifecycle state, exposed read-only as a health signal.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateBackoff
	StateShutdown
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}
