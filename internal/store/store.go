// Package store holds sessions, messages and templates in memory.
//
// Every exported method is a single atomic step: callers never observe a
// partially applied write. The store has no lifecycle logic of its own.
package store

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned for unknown session, message or template IDs
	ErrNotFound = errors.New("not found")
	// ErrSessionExists is returned when a session ID is live or was used before
	ErrSessionExists = errors.New("session already exists")
)

// Option configures a Store
type Option func(*Store)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithDefaultTemplates seeds the canned templates the dashboard ships with
func WithDefaultTemplates() Option {
	return func(s *Store) {
		s.seedTemplates = []Template{
			{Name: "Welcome Message", Content: "Hello! Thank you for your interest. How can we help you today?"},
			{Name: "Follow Up", Content: "Hi! Just following up on our previous conversation. Any questions?"},
		}
	}
}

// Store is the in-memory session store
type Store struct {
	mu sync.RWMutex

	sessions     map[string]*Session
	sessionOrder []string
	usedIDs      map[string]struct{}

	messages      map[int64]*Message
	messageOrder  []int64
	nextMessageID int64

	templates      map[int64]*Template
	nextTemplateID int64

	now           func() time.Time
	seedTemplates []Template
}

// New creates an empty store
func New(opts ...Option) *Store {
	s := &Store{
		sessions:       make(map[string]*Session),
		usedIDs:        make(map[string]struct{}),
		messages:       make(map[int64]*Message),
		nextMessageID:  1,
		templates:      make(map[int64]*Template),
		nextTemplateID: 1,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, t := range s.seedTemplates {
		s.CreateTemplate(t.Name, t.Content)
	}
	s.seedTemplates = nil
	return s
}

// GetSession returns a copy of the session with the given ID
func (s *Store) GetSession(id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return copySession(sess), nil
}

// ListSessions returns all sessions in creation order
func (s *Store) ListSessions() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Session, 0, len(s.sessionOrder))
	for _, id := range s.sessionOrder {
		out = append(out, copySession(s.sessions[id]))
	}
	return out
}

// CreateSession inserts a new session. IDs are never reused, so creating a
// session with the ID of a deleted one fails with ErrSessionExists.
func (s *Store) CreateSession(in NewSession) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, used := s.usedIDs[in.ID]; used {
		return Session{}, ErrSessionExists
	}

	status := in.Status
	if status == "" {
		status = StatusDisconnected
	}
	sess := &Session{
		ID:           in.ID,
		Name:         in.Name,
		Phone:        in.Phone,
		Status:       status,
		LastActivity: s.now(),
	}
	s.sessions[in.ID] = sess
	s.sessionOrder = append(s.sessionOrder, in.ID)
	s.usedIDs[in.ID] = struct{}{}
	return copySession(sess), nil
}

// UpdateSession applies a partial update. Timestamps only move forward and a
// phone number, once set, is kept for the life of the session.
func (s *Store) UpdateSession(id string, upd SessionUpdate) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}

	if upd.Name != nil {
		sess.Name = *upd.Name
	}
	if upd.Phone != nil && sess.Phone == "" {
		sess.Phone = *upd.Phone
	}
	if upd.Status != nil {
		sess.Status = *upd.Status
	}
	if upd.LastActivity != nil && upd.LastActivity.After(sess.LastActivity) {
		sess.LastActivity = *upd.LastActivity
	}
	if upd.ConnectedSince != nil {
		if sess.ConnectedSince == nil || upd.ConnectedSince.After(*sess.ConnectedSince) {
			t := *upd.ConnectedSince
			sess.ConnectedSince = &t
		}
	}
	return copySession(sess), nil
}

// DeleteSession removes the session. Its messages are kept.
func (s *Store) DeleteSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	for i, sid := range s.sessionOrder {
		if sid == id {
			s.sessionOrder = append(s.sessionOrder[:i], s.sessionOrder[i+1:]...)
			break
		}
	}
	return true
}

// AddMessage stores a message and, in the same step, bumps the owning
// session's message counter and last activity. A message whose session does
// not exist is still stored.
func (s *Store) AddMessage(in NewMessage) Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	msg := &Message{
		ID:         s.nextMessageID,
		SessionID:  in.SessionID,
		From:       in.From,
		To:         in.To,
		Message:    in.Message,
		Timestamp:  now,
		IsOutgoing: in.IsOutgoing,
	}
	if in.MediaPath != "" {
		p := in.MediaPath
		msg.MediaPath = &p
	}
	s.nextMessageID++
	s.messages[msg.ID] = msg
	s.messageOrder = append(s.messageOrder, msg.ID)

	if sess, ok := s.sessions[in.SessionID]; ok {
		sess.MessagesCount++
		if now.After(sess.LastActivity) {
			sess.LastActivity = now
		}
	}
	return copyMessage(msg)
}

// GetMessage returns a copy of the message with the given ID
func (s *Store) GetMessage(id int64) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return copyMessage(msg), nil
}

// ListMessages returns messages newest first, optionally filtered by session.
// A limit of zero or less means no limit.
func (s *Store) ListMessages(sessionID string, limit int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, 0)
	for i := len(s.messageOrder) - 1; i >= 0; i-- {
		msg := s.messages[s.messageOrder[i]]
		if sessionID != "" && msg.SessionID != sessionID {
			continue
		}
		out = append(out, copyMessage(msg))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// MarkRead flags a message as read. It is idempotent.
func (s *Store) MarkRead(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return false
	}
	msg.IsRead = true
	return true
}

// UnreadCount counts inbound messages that have not been read
func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, msg := range s.messages {
		if !msg.IsOutgoing && !msg.IsRead {
			n++
		}
	}
	return n
}

// ListTemplates returns all templates ordered by ID
func (s *Store) ListTemplates() []Template {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetTemplate returns the template with the given ID
func (s *Store) GetTemplate(id int64) (Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.templates[id]
	if !ok {
		return Template{}, ErrNotFound
	}
	return *t, nil
}

// CreateTemplate stores a template and assigns it the next sequential ID
func (s *Store) CreateTemplate(name, content string) Template {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &Template{ID: s.nextTemplateID, Name: name, Content: content}
	s.nextTemplateID++
	s.templates[t.ID] = t
	return *t
}

// DeleteTemplate removes a template
func (s *Store) DeleteTemplate(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.templates[id]; !ok {
		return false
	}
	delete(s.templates, id)
	return true
}

func copySession(sess *Session) Session {
	out := *sess
	if sess.ConnectedSince != nil {
		t := *sess.ConnectedSince
		out.ConnectedSince = &t
	}
	return out
}

func copyMessage(msg *Message) Message {
	out := *msg
	if msg.MediaPath != nil {
		p := *msg.MediaPath
		out.MediaPath = &p
	}
	return out
}
