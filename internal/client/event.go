package client

import "time"

// Event is the closed set of things an automation engine can report about a
// session: QR, Authenticated, Ready, Message and Disconnected.
type Event interface {
	isEvent()
}

// QR carries a pairing code to be rendered and scanned
type QR struct {
	Code string
}

// Authenticated means the account accepted the pairing or resumed from
// saved credentials
type Authenticated struct{}

// Ready means the account is fully connected and can send messages
type Ready struct {
	Info AccountInfo
}

// AccountInfo describes the paired account
type AccountInfo struct {
	PushName string `json:"pushname"`
	Phone    string `json:"phone"`
	Platform string `json:"platform,omitempty"`
}

// Message is an inbound chat message
type Message struct {
	ID        string
	From      string
	FromName  string
	To        string
	Body      string
	Timestamp time.Time
}

// Disconnected is terminal for the client instance that emits it
type Disconnected struct {
	Reason string
	Err    error
}

func (QR) isEvent()            {}
func (Authenticated) isEvent() {}
func (Ready) isEvent()         {}
func (Message) isEvent()       {}
func (Disconnected) isEvent()  {}

// EventName returns the wire name of an event
func EventName(evt Event) string {
	switch evt.(type) {
	case QR:
		return "qr"
	case Authenticated:
		return "authenticated"
	case Ready:
		return "ready"
	case Message:
		return "message"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
