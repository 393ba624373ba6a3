package link

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotConnected       = errors.New("link: not connected")
	ErrConnectionFailed   = errors.New("link: connection failed")
	ErrUnsupportedScheme  = errors.New("link: unsupported scheme")
	ErrBinaryCodecOnLines = errors.New("link: binary codec cannot run over a line transport")
	ErrAddressRequired    = errors.New("link: address required")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StateDisconnected, StateConnecting, StateConnected, StateError} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("link: unknown state %q", text)
}

// StateChange is emitted for every transition, in transition order.
type StateChange struct {
	EndpointID string
	From       State
	To         State
	// Attempt is the reconnect attempt count after the transition.
	Attempt int
	// Terminal marks a state that will not change without a caller Connect.
	Terminal  bool
	Err       error
	SessionID string
	At        time.Time
}

// Status is a point-in-time view of one supervisor.
type Status struct {
	EndpointID   string    `json:"endpoint_id"`
	Address      string    `json:"address"`
	State        State     `json:"state"`
	Attempt      int       `json:"reconnect_attempt"`
	SessionID    string    `json:"session_id,omitempty"`
	LastActivity time.Time `json:"last_activity,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}
