package storage

import (
	"errors"
	"fmt"
)

// SessionStatus is the pipeline state of a Session.
type SessionStatus string

const (
	StatusUploaded     SessionStatus = "uploaded"
	StatusTranscribing SessionStatus = "transcribing"
	StatusSummarizing  SessionStatus = "summarizing"
	StatusComplete     SessionStatus = "complete"
	StatusError        SessionStatus = "error"
)

// ErrInvalidTransition is returned when a status change would move a Session
// backwards or skip its preconditions.
var ErrInvalidTransition = errors.New("invalid status transition")

var statusRank = map[SessionStatus]int{
	StatusUploaded:     0,
	StatusTranscribing: 1,
	StatusSummarizing:  2,
	StatusComplete:     3,
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == StatusError
}

// CanTransition reports whether a Session may move from one status to another.
// Progress is strictly forward. Any non-terminal status may fail into error,
// and error may only be reset to uploaded.
func CanTransition(from, to SessionStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	switch {
	case from == StatusError:
		return to == StatusUploaded
	case to == StatusError:
		return from != StatusComplete
	case to == StatusUploaded:
		return false
	}
	return statusRank[to] > statusRank[from]
}

func checkTransition(from, to SessionStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
