// Package session owns the lifecycle of the single chat session: its status,
// the pairing QR payload and the destructive logout/reset commands.
package session

import (
	"errors"

	"github.com/dharsanguruparan/wagate/internal/model"
)

// Status is the connection state of the session.
type Status string

const (
	StatusAwaitingQR   Status = "AWAITING_QR"
	StatusQRReady      Status = "QR_READY"
	StatusConnected    Status = "CONNECTED"
	StatusDisconnected Status = "DISCONNECTED"
)

// ErrNoActiveSession is returned by Logout when the session is not connected.
var ErrNoActiveSession = errors.New("no active session to log out")

// Snapshot is an immutable copy of the session state. QR is non-empty whenever
// Status is StatusQRReady and always empty when Status is StatusConnected.
type Snapshot struct {
	Status Status `json:"status"`
	QR     string `json:"qr,omitempty"`
}

// EventKind identifies what the chat client observed.
type EventKind int

const (
	EventQR EventKind = iota + 1
	EventReady
	EventAuthFailure
	EventDisconnected
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventQR:
		return "qr"
	case EventReady:
		return "ready"
	case EventAuthFailure:
		return "auth_failure"
	case EventDisconnected:
		return "disconnected"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is emitted by the chat client adapter onto the manager's channel.
// QR is set for EventQR, Reason for failures and disconnects, Message for
// EventMessage.
type Event struct {
	Kind    EventKind
	QR      string
	Reason  string
	Message *model.InboundMessage
}

// EventBuffer is the capacity callers should give the event channel.
const EventBuffer = 64
