// Package status defines the message delivery status machine.
package status

import (
	"fmt"
	"slices"
)

// Status represents a message delivery status.
type Status string

const (
	Sending   Status = "SENDING"
	Sent      Status = "SENT"
	Delivered Status = "DELIVERED"
	Read      Status = "READ"
	Error     Status = "ERROR"
)

// validTransitions defines allowed status transitions. Error re-enters
// at Sending only via an explicit user retry.
var validTransitions = map[Status][]Status{
	Sending:   {Sent, Error},
	Sent:      {Delivered, Read},
	Delivered: {Read},
	Read:      {},
	Error:     {Sending},
}

// ranks orders the forward delivery chain. Error sits outside the chain.
var ranks = map[Status]int{
	Sending:   0,
	Sent:      1,
	Delivered: 2,
	Read:      3,
}

// Valid reports whether s is a known status.
func Valid(s Status) bool {
	if s == Error {
		return true
	}
	_, ok := ranks[s]
	return ok
}

// CanTransition reports whether a direct transition from one status to
// another is allowed.
func CanTransition(from, to Status) bool {
	return slices.Contains(validTransitions[from], to)
}

// Advances reports whether applying to on a message currently at from
// moves it forward along the delivery chain. Applying the same or an
// earlier status is not an advance, so duplicate or out-of-order
// receipts become no-ops.
func Advances(from, to Status) bool {
	rf, okf := ranks[from]
	rt, okt := ranks[to]
	if !okf || !okt {
		return false
	}
	return rt > rf
}

// Earlier returns every status ranked strictly below s on the forward
// chain. Used to guard status updates at the store level.
func Earlier(s Status) []Status {
	r, ok := ranks[s]
	if !ok {
		return nil
	}
	var earlier []Status
	for st, sr := range ranks {
		if sr < r {
			earlier = append(earlier, st)
		}
	}
	slices.Sort(earlier)
	return earlier
}

// ForAction maps a receipt action type to the status it drives.
func ForAction(actionType string) (Status, error) {
	switch actionType {
	case "delivered":
		return Delivered, nil
	case "read":
		return Read, nil
	default:
		return "", fmt.Errorf("unknown action type %q", actionType)
	}
}
