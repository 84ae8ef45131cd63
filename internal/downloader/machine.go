package downloader

import (
	"fmt"

	"github.com/italolelis/drogue/internal/storage"
)

// Event drives a download record from one status to the next.
type Event string

const (
	// EventConnect starts an attempt, initial or retry.
	EventConnect Event = "connect"
	// EventResponse is a usable response header.
	EventResponse Event = "response"
	// EventComplete is a staged file moved into place.
	EventComplete Event = "complete"
	// EventInterrupt is any failed or cancelled attempt.
	EventInterrupt Event = "interrupt"
	// EventExhaust is an interruption with no attempts left.
	EventExhaust Event = "exhaust"
	// EventRestart is an operator restart; valid from every status.
	EventRestart Event = "restart"
)

var transitions = map[storage.Status]map[Event]storage.Status{
	storage.StatusPending: {
		EventConnect: storage.StatusConnecting,
	},
	storage.StatusConnecting: {
		EventResponse:  storage.StatusStreaming,
		EventComplete:  storage.StatusCompleted,
		EventInterrupt: storage.StatusInterrupted,
	},
	storage.StatusStreaming: {
		EventComplete:  storage.StatusCompleted,
		EventInterrupt: storage.StatusInterrupted,
	},
	storage.StatusInterrupted: {
		EventConnect: storage.StatusConnecting,
		EventExhaust: storage.StatusFailed,
	},
	storage.StatusCompleted: {},
	storage.StatusFailed:    {},
}

// Next returns the status reached from current on ev.
func Next(current storage.Status, ev Event) (storage.Status, error) {
	events, ok := transitions[current]
	if !ok {
		return "", fmt.Errorf("unknown status %q", current)
	}

	if ev == EventRestart {
		return storage.StatusPending, nil
	}

	next, ok := events[ev]
	if !ok {
		return "", fmt.Errorf("invalid transition from %s on %s", current, ev)
	}

	return next, nil
}
