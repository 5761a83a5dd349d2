package core

// State is an adapter lifecycle state.
type State string

const (
	StateStopped      State = "stopped"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
	StateRetrying     State = "retrying"
)

var States = []State{StateStopped, StateConnecting, StateConnected, StateDisconnected, StateError, StateRetrying}

// Status is the last known state of one platform adapter plus context for
// display clients.
type Status struct {
	State   State  `json:"status"`
	Message string `json:"message,omitempty"`
	Running bool   `json:"isRunning"`
	Channel string `json:"channel,omitempty"`
	Viewers int    `json:"viewerCount,omitempty"`
}

// Equal reports whether two statuses would render identically.
func (s Status) Equal(o Status) bool {
	return s.State == o.State && s.Message == o.Message && s.Running == o.Running &&
		s.Channel == o.Channel && s.Viewers == o.Viewers
}
