package callstate

import (
	"errors"
	"fmt"
)

// Status is the lifecycle phase of a call.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusRequesting   Status = "requesting"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

var ErrInvalidTransition = errors.New("invalid call status transition")

// transitions lists the forward moves allowed from each status. Returning to
// idle only happens through Reset.
var transitions = map[Status][]Status{
	StatusIdle:         {StatusRequesting},
	StatusRequesting:   {StatusConnecting, StatusError},
	StatusConnecting:   {StatusConnected, StatusDisconnected, StatusError},
	StatusConnected:    {StatusDisconnected, StatusError},
	StatusDisconnected: nil,
	StatusError:        nil,
}

// CanTransition reports whether a call may move from one status to another.
// Setting the current status again is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s can only be left through Reset.
func (s Status) Terminal() bool {
	return s == StatusDisconnected || s == StatusError
}

func checkTransition(from, to Status) error {
	if _, ok := transitions[to]; !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
