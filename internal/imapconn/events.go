package imapconn

import "time"

// EventKind identifies a connection lifecycle event
type EventKind int

const (
	// EventConnected is emitted after a successful connect and mailbox select
	EventConnected EventKind = iota
	// EventNewMail is emitted when the server reports new activity while idling
	EventNewMail
	// EventReconnecting is emitted before each reconnect attempt
	EventReconnecting
	// EventDropped is emitted when an established connection is lost
	EventDropped
)

// Event is one entry on the manager's bounded event queue, consumed by the
// orchestrator's dispatch loop
type Event struct {
	Kind    EventKind
	Count   uint32        // mailbox message count, EventNewMail only
	Attempt int           // reconnect attempt number, EventReconnecting only
	Delay   time.Duration // backoff delay preceding the attempt, EventReconnecting only
	Err     error         // EventReconnecting and EventDropped
}

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventNewMail:
		return "new_mail"
	case EventReconnecting:
		return "reconnecting"
	case EventDropped:
		return "dropped"
	default:
		return "unknown"
	}
}
