package stream

import (
	"fmt"

	"github.com/pkg/errors"
)

// State is the lifecycle state of a stream.
type State int32

const (
	// StateIdle is a stream waiting in a controller slot; it has not been opened.
	StateIdle State = iota
	StateOpening
	StateOpen
	StateClosing
	StateClosed
)

var stateNames = [...]string{"IDLE", "OPENING", "OPEN", "CLOSING", "CLOSED"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Active reports whether the stream holds the device pipeline.
func (s State) Active() bool {
	return s == StateOpening || s == StateOpen
}

// CloseReason tells a client why its stream closed.
type CloseReason int32

const (
	ReasonNone CloseReason = iota
	// ReasonUserRequested: the client called Handle.RequestStop.
	ReasonUserRequested
	// ReasonInterrupted: a newer open request superseded the stream.
	ReasonInterrupted
	// ReasonDeviceDisconnected: the device session was torn down.
	ReasonDeviceDisconnected
	// ReasonFailed: the transport could not open the stream or lost it.
	ReasonFailed
)

var reasonNames = [...]string{"NONE", "USER_REQUESTED", "INTERRUPTED", "DEVICE_DISCONNECTED", "FAILED"}

func (r CloseReason) String() string {
	if r >= 0 && int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("CloseReason(%d)", int32(r))
}

// MarshalText encodes the reason by name, which keeps JSON payloads readable.
func (r CloseReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *CloseReason) UnmarshalText(text []byte) error {
	for i, name := range reasonNames {
		if name == string(text) {
			*r = CloseReason(i)
			return nil
		}
	}
	return errors.Errorf("unknown close reason %q", text)
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return errors.Errorf("unknown stream state %q", text)
}
