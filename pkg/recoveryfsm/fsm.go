package recoveryfsm

import (
	"errors"
	"strings"
	"time"
)

const (
	Initiated = "INITIATED"
	Completed = "COMPLETED"
	Cancelled = "CANCELLED"
)

var ErrInvalidTransition = errors.New("invalid recovery transition")

type Event string

const (
	EventComplete Event = "COMPLETE"
	EventCancel   Event = "CANCEL"
)

func CanTransition(from, to string) bool {
	switch from {
	case Initiated:
		return to == Completed || to == Cancelled
	default:
		return false
	}
}

func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func Next(from string, event Event) (string, error) {
	switch event {
	case EventComplete:
		return Transition(from, Completed)
	case EventCancel:
		return Transition(from, Cancelled)
	default:
		return from, ErrInvalidTransition
	}
}

func IsTerminal(status string) bool {
	return status == Completed || status == Cancelled
}

// Status derives the state from the persisted flags. executed and cancelled
// are never both set.
func Status(executed, cancelled bool) string {
	switch {
	case executed:
		return Completed
	case cancelled:
		return Cancelled
	default:
		return Initiated
	}
}

// ValidStatus normalizes a status filter value; "" means any.
func ValidStatus(s string) (string, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch s {
	case "", Initiated, Completed, Cancelled:
		return s, true
	default:
		return "", false
	}
}

func QuorumReached(received, required int) bool {
	if required <= 0 {
		required = 1
	}
	return received >= required
}

// TimelockElapsed reports whether now has reached createdAt+timelock.
// The boundary instant counts as elapsed.
func TimelockElapsed(now, createdAt time.Time, timelock time.Duration) bool {
	return !now.UTC().Before(createdAt.UTC().Add(timelock))
}

// FreezeLapsed reports whether a freeze ending at expiry may be lifted by anyone.
func FreezeLapsed(now, expiry time.Time) bool {
	if expiry.IsZero() {
		return true
	}
	return !now.UTC().Before(expiry.UTC())
}

// FreezeDurationValid bounds a freeze to (0, max].
func FreezeDurationValid(d, max time.Duration) bool {
	return d > 0 && d <= max
}

func ContainsApprover(approvers []string, id string) bool {
	for _, a := range approvers {
		if a == id {
			return true
		}
	}
	return false
}
