package queue

import (
	"github.com/poolq/poolq/errors"
)

// Lifecycle state of an entry.  The zero value is not a valid status.
type Status uint8

const (
	// Eligible for immediate execution.
	StatusIn Status = iota + 1

	// Eligible for execution at or after the entry's NextTry.
	StatusDelay

	// Terminal success.
	StatusFinished

	// Terminal failure; retries exhausted or retry disabled.
	StatusFailed
)

// Every status, in lifecycle order.
var Statuses = []Status{StatusIn, StatusDelay, StatusFinished, StatusFailed}

func ParseStatus(s string) (Status, error) {
	for _, status := range Statuses {
		if status.String() == s {
			return status, nil
		}
	}
	return 0, errors.Newf("Unknown queue status %q", s)
}

func (s Status) String() string {
	switch s {
	case StatusIn:
		return "IN"
	case StatusDelay:
		return "DELAY"
	case StatusFinished:
		return "FINISHED"
	case StatusFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// FINISHED and FAILED are terminal: no transition leaves them.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// The storage key of the list holding the ids of entries in this status.
// Panics on a status outside the enumeration.
func (s Status) ListKey(prefix string) string {
	switch s {
	case StatusIn:
		return prefix + ":in"
	case StatusDelay:
		return prefix + ":delay"
	case StatusFinished:
		return prefix + ":finished"
	case StatusFailed:
		return prefix + ":failed"
	}
	panic(errors.Newf("queue: no list for status %d", uint8(s)))
}

func (s Status) MarshalText() ([]byte, error) {
	if s.String() == "UNKNOWN" {
		return nil, errors.Newf("Cannot marshal queue status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	status, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = status
	return nil
}

// Whether moving an entry from s to next is a legal lifecycle step.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusIn:
		return next == StatusDelay || next == StatusFinished || next == StatusFailed
	case StatusDelay:
		return next == StatusIn || next == StatusFinished || next == StatusFailed
	}
	return false
}
