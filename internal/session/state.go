package session

// State is the lifecycle position of one socket connection.
type State int

const (
	// Connecting is a dialed socket that has not been welcomed yet.
	Connecting State = iota
	// Welcomed is a registered, live connection.
	Welcomed
	// Reconnecting is a live connection whose replacement is being dialed.
	Reconnecting
	// Lost is terminal: the keepalive watchdog expired or the peer hung up.
	Lost
	// Closed is terminal: the pool closed it or it was retired by a reconnect.
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Welcomed:
		return "welcomed"
	case Reconnecting:
		return "reconnecting"
	case Lost:
		return "lost"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// live reports whether a connection in state s is registered and may carry
// subscriptions.
func (s State) live() bool {
	return s == Welcomed || s == Reconnecting
}
