package lifecycle

import (
	"time"

	"github.com/neekaru/whatsapp-dashboard/internal/client"
	"github.com/neekaru/whatsapp-dashboard/internal/store"
)

// Relay event names
const (
	EventQR                 = "qr"
	EventSessionStatus      = "session_status"
	EventSessionReady       = "session_ready"
	EventSessionError       = "session_error"
	EventNewMessage         = "new_message"
	EventMessageSent        = "message_sent"
	EventMessageError       = "message_error"
	EventAllSessionStatuses = "all_session_statuses"
)

// Publisher broadcasts an event to every connected dashboard client
type Publisher interface {
	Publish(event string, payload any)
}

// PublisherFunc is a function that implements the Publisher interface
type PublisherFunc func(event string, payload any)

// Publish calls the function
func (f PublisherFunc) Publish(event string, payload any) {
	f(event, payload)
}

type QRPayload struct {
	SessionID string `json:"sessionId"`
	QR        string `json:"qr"`
	QRImage   string `json:"qrImage,omitempty"`
}

type StatusPayload struct {
	SessionID string       `json:"sessionId"`
	Status    store.Status `json:"status"`
}

type ReadyPayload struct {
	SessionID string             `json:"sessionId"`
	Info      client.AccountInfo `json:"info"`
}

type ErrorPayload struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}

type NewMessagePayload struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	From      string    `json:"from"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type MessageSentPayload struct {
	SessionID string    `json:"sessionId"`
	To        string    `json:"to"`
	Message   string    `json:"message"`
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

type MessageErrorPayload struct {
	SessionID string `json:"sessionId"`
	To        string `json:"to"`
	Error     string `json:"error"`
}

// AllStatusesPayload maps session IDs to their stored status
type AllStatusesPayload map[string]store.Status
