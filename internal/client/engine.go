package client

import (
	"context"
	"regexp"
	"strings"
)

// Engine brings up one external automation client per session.
//
// Connect must return once the bring-up has started; later progress is
// reported through emit. The context stays alive until the owning Client is
// destroyed, so engines may bind background work such as QR polling to it.
type Engine interface {
	Connect(ctx context.Context, sessionID string, emit func(Event)) (Conn, error)
}

// Conn is a live engine connection for one session
type Conn interface {
	Send(ctx context.Context, msg Outgoing) (string, error)
	Close() error
}

// Outgoing is a message to be sent through a Conn
type Outgoing struct {
	To        string
	Body      string
	MediaPath string
}

var nonDigits = regexp.MustCompile(`[^\d]`)

// NormalizePhone strips everything but digits from a phone number or chat ID
func NormalizePhone(s string) string {
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	return nonDigits.ReplaceAllString(s, "")
}
