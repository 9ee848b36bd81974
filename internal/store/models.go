package store

import "time"

// Status is the lifecycle status of a session as seen by dashboard clients
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Session represents one paired WhatsApp account
type Session struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Phone          string     `json:"phone"`
	Status         Status     `json:"status"`
	LastActivity   time.Time  `json:"lastActivity"`
	ConnectedSince *time.Time `json:"connectedSince"`
	MessagesCount  int        `json:"messagesCount"`
}

// NewSession holds the fields an operator supplies when creating a session
type NewSession struct {
	ID     string
	Name   string
	Phone  string
	Status Status
}

// SessionUpdate is a partial update. Nil fields are left untouched.
type SessionUpdate struct {
	Name           *string
	Phone          *string
	Status         *Status
	LastActivity   *time.Time
	ConnectedSince *time.Time
}

// Message represents an inbound or outbound chat message
type Message struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"sessionId"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Message    string    `json:"message"`
	MediaPath  *string   `json:"mediaPath"`
	Timestamp  time.Time `json:"timestamp"`
	IsOutgoing bool      `json:"isOutgoing"`
	IsRead     bool      `json:"isRead"`
}

// NewMessage holds the fields of a message before the store assigns an ID
type NewMessage struct {
	SessionID  string
	From       string
	To         string
	Message    string
	MediaPath  string
	IsOutgoing bool
}

// Template is a reusable canned message
type Template struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// StringPtr and friends make building a SessionUpdate less noisy.
func StringPtr(s string) *string { return &s }

func StatusPtr(s Status) *Status { return &s }

func TimePtr(t time.Time) *time.Time { return &t }

// DefaultSessionID picks the session a dashboard should show first: the first
// connected session in the given snapshot.
func DefaultSessionID(sessions []Session) (string, bool) {
	for _, s := range sessions {
		if s.Status == StatusConnected {
			return s.ID, true
		}
	}
	return "", false
}
