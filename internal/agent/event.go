package agent

// EventType names a lifecycle notification raised by a Client.
type EventType string

const (
	EventQRCode          EventType = "qr"
	EventLoadingProgress EventType = "loading"
	EventAuthenticated   EventType = "authenticated"
	EventReady           EventType = "ready"
	EventDisconnected    EventType = "disconnected"
	EventAuthFailure     EventType = "auth_failure"
	EventStateChange     EventType = "change_state"
	EventMessage         EventType = "message"
	EventMessageAck      EventType = "message_ack"
)

// Event is a single lifecycle notification. Only the fields relevant to
// Type are populated.
type Event struct {
	Type EventType `json:"type"`

	// QR is the raw login-code payload (EventQRCode).
	QR string `json:"qr,omitempty"`

	// Percent and Message describe loading progress (EventLoadingProgress).
	Percent int    `json:"percent,omitempty"`
	Message string `json:"message,omitempty"`

	// Reason explains EventDisconnected and EventAuthFailure.
	Reason string `json:"reason,omitempty"`

	// State is the platform connection state (EventStateChange).
	State string `json:"state,omitempty"`

	// From, To and Ack describe inbound messages and delivery acks.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
	Ack  int    `json:"ack,omitempty"`
}
