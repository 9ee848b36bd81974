// Package lifecycle owns the automation clients of all sessions. It is the
// only writer of session status into the store and the only component that
// publishes session events to dashboard clients.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/neekaru/whatsapp-dashboard/internal/client"
	"github.com/neekaru/whatsapp-dashboard/internal/metrics"
	"github.com/neekaru/whatsapp-dashboard/internal/store"
)

// DefaultSessionName is the name of sessions created without one
const DefaultSessionName = "New Session"

var (
	// ErrSessionNotFound is returned for session IDs without a stored record
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotReady is returned when a send targets a session that cannot send
	ErrNotReady = errors.New("session not ready")
	// ErrSendFailed wraps an engine failure during a send
	ErrSendFailed = errors.New("send failed")
)

// Purger is implemented by engines that keep per-session state, such as
// saved credentials, which must be removed when a session is deleted
type Purger interface {
	Purge(sessionID string) error
}

// Options configures a Manager
type Options struct {
	Store     *store.Store
	Engine    client.Engine
	Publisher Publisher
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	// PairingTimeout disconnects sessions that did not authenticate in time.
	// Zero waits forever.
	PairingTimeout time.Duration
	// SendTimeout bounds a single engine send. Zero means no bound.
	SendTimeout time.Duration
	// QRImage renders a pairing code for the qr event. Optional.
	QRImage func(code string) (string, error)
}

// SendRequest is an operator request to send a message
type SendRequest struct {
	SessionID string
	To        string
	Message   string
	MediaPath string
}

// Sent is the result of a successful send
type Sent struct {
	Message store.Message
	// MessageID is the engine's ID of the delivered message
	MessageID string
}

type entry struct {
	client      *client.Client
	sendCapable bool
	lastQR      string
	timer       *time.Timer
}

// Manager drives the session state machine
type Manager struct {
	store   *store.Store
	engine  client.Engine
	pub     Publisher
	logger  *zap.Logger
	clog    *zap.Logger
	metrics *metrics.Metrics

	pairingTimeout time.Duration
	sendTimeout    time.Duration
	qrImage        func(string) (string, error)

	locks keyedMutex

	mu       sync.Mutex
	tracked  map[string]*entry
	draining map[string]chan struct{}
}

// New creates a manager
func New(opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Engine == nil || opts.Publisher == nil {
		return nil, errors.New("lifecycle: store, engine and publisher are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:          opts.Store,
		engine:         opts.Engine,
		pub:            opts.Publisher,
		logger:         logger.Named("lifecycle"),
		clog:           logger.Named("client"),
		metrics:        opts.Metrics,
		pairingTimeout: opts.PairingTimeout,
		sendTimeout:    opts.SendTimeout,
		qrImage:        opts.QRImage,
		tracked:        make(map[string]*entry),
		draining:       make(map[string]chan struct{}),
	}, nil
}

// Init creates the session record if needed and starts its automation client.
// It is a no-op when a client is already tracked for id.
func (m *Manager) Init(ctx context.Context, id, name string) error {
	return m.start(ctx, id, name, false)
}

// Create is Init for a new session only. It fails with store.ErrSessionExists
// when a record for id exists or existed before.
func (m *Manager) Create(ctx context.Context, id, name string) error {
	return m.start(ctx, id, name, true)
}

func (m *Manager) start(ctx context.Context, id, name string, create bool) error {
	if id == "" {
		return client.ErrInvalidSession
	}
	for {
		if err := m.waitDrained(ctx, id); err != nil {
			return err
		}
		unlock := m.locks.Lock(id)
		if m.isDraining(id) {
			unlock()
			continue
		}
		err := m.initLocked(id, name, create)
		unlock()
		return err
	}
}

func (m *Manager) initLocked(id, name string, create bool) (err error) {
	defer m.recoverSession(id, "initialize", &err)
	logger := m.logger.With(zap.String("session_id", id))

	if _, err := m.store.GetSession(id); create && err == nil {
		return fmt.Errorf("create session %s: %w", id, store.ErrSessionExists)
	}
	if _, ok := m.lookup(id); ok {
		logger.Debug("client already tracked")
		return nil
	}

	if _, err := m.store.GetSession(id); err == nil {
		m.update(id, store.SessionUpdate{Status: store.StatusPtr(store.StatusConnecting)})
	} else {
		if name == "" {
			name = DefaultSessionName
		}
		if _, err := m.store.CreateSession(store.NewSession{ID: id, Name: name, Status: store.StatusConnecting}); err != nil {
			m.publishError(id, err)
			return fmt.Errorf("create session %s: %w", id, err)
		}
		m.metrics.SessionStatus(string(store.StatusConnecting))
	}

	e := &entry{}
	c, err := client.New(id, m.engine, m.observer(e), m.clog)
	if err != nil {
		logger.Error("client construction failed", zap.Error(err))
		m.update(id, store.SessionUpdate{Status: store.StatusPtr(store.StatusDisconnected)})
		m.publishError(id, err)
		return fmt.Errorf("initialize %s: %w", id, err)
	}
	e.client = c
	if m.pairingTimeout > 0 {
		e.timer = time.AfterFunc(m.pairingTimeout, func() { m.pairingExpired(e, id) })
	}
	m.track(id, e)

	logger.Info("session initializing")
	m.publish(EventSessionStatus, StatusPayload{SessionID: id, Status: store.StatusConnecting})
	return nil
}

// Disconnect tears down the session's client and deletes the session record.
// It reports false when neither a client nor a record existed.
func (m *Manager) Disconnect(ctx context.Context, id string) (bool, error) {
	unlock := m.locks.Lock(id)
	e := m.untrack(id)
	deleted := m.store.DeleteSession(id)
	if e != nil || deleted {
		m.publish(EventSessionStatus, StatusPayload{SessionID: id, Status: store.StatusDisconnected})
	}
	unlock()

	if e == nil && !deleted {
		return false, nil
	}
	m.logger.Info("session deleted", zap.String("session_id", id))

	// Destroy runs outside the session lock so that events blocked on it can
	// observe the untracked entry and bail out.
	var err error
	if e != nil {
		if err = e.client.Destroy(ctx); err != nil {
			m.logger.Warn("client teardown incomplete", zap.String("session_id", id), zap.Error(err))
		}
	}
	if werr := m.waitDrained(ctx, id); werr != nil && err == nil {
		err = werr
	}
	if p, ok := m.engine.(Purger); ok && err == nil {
		if perr := p.Purge(id); perr != nil {
			m.logger.Warn("purging engine state failed", zap.String("session_id", id), zap.Error(perr))
		}
	}
	return true, err
}

// Send delivers a message through the session's client and records it on
// success. Nothing is stored when the send fails.
func (m *Manager) Send(ctx context.Context, req SendRequest) (Sent, error) {
	unlock := m.locks.Lock(req.SessionID)
	sess, serr := m.store.GetSession(req.SessionID)
	e, capable := m.sendCapable(req.SessionID)
	capable = capable && serr == nil && sess.Status == store.StatusConnected
	unlock()

	switch {
	case serr != nil:
		err := fmt.Errorf("%w: %s", ErrSessionNotFound, req.SessionID)
		m.sendFailed(req, "not_found", err)
		return Sent{}, err
	case !capable:
		err := fmt.Errorf("%w: %s", ErrNotReady, req.SessionID)
		m.sendFailed(req, "not_ready", err)
		return Sent{}, err
	}

	if m.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.sendTimeout)
		defer cancel()
	}
	messageID, err := e.client.Send(ctx, client.Outgoing{To: req.To, Body: req.Message, MediaPath: req.MediaPath})
	if err != nil {
		if errors.Is(err, client.ErrNotReady) || errors.Is(err, client.ErrClosed) {
			m.sendFailed(req, "not_ready", err)
			return Sent{}, fmt.Errorf("%w: %w", ErrNotReady, err)
		}
		m.sendFailed(req, "engine", err)
		return Sent{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	unlock = m.locks.Lock(req.SessionID)
	defer unlock()
	msg := m.store.AddMessage(store.NewMessage{
		SessionID:  req.SessionID,
		From:       sess.Phone,
		To:         client.NormalizePhone(req.To),
		Message:    req.Message,
		MediaPath:  req.MediaPath,
		IsOutgoing: true,
	})
	m.metrics.Message(true)
	m.publish(EventMessageSent, MessageSentPayload{
		SessionID: req.SessionID,
		To:        req.To,
		Message:   req.Message,
		MessageID: messageID,
		Timestamp: msg.Timestamp,
	})
	m.logger.Info("message sent", zap.String("session_id", req.SessionID), zap.Int64("message_id", msg.ID))
	return Sent{Message: msg, MessageID: messageID}, nil
}

func (m *Manager) sendFailed(req SendRequest, reason string, err error) {
	m.metrics.SendFailure(reason)
	m.logger.Warn("send rejected",
		zap.String("session_id", req.SessionID),
		zap.String("reason", reason),
		zap.Error(err))
	m.publish(EventMessageError, MessageErrorPayload{SessionID: req.SessionID, To: req.To, Error: err.Error()})
}

// Status returns the stored status of a session, disconnected when unknown
func (m *Manager) Status(id string) store.Status {
	sess, err := m.store.GetSession(id)
	if err != nil {
		return store.StatusDisconnected
	}
	return sess.Status
}

// ReportStatus publishes the stored status of one session
func (m *Manager) ReportStatus(id string) {
	m.publish(EventSessionStatus, StatusPayload{SessionID: id, Status: m.Status(id)})
}

// ReportAllStatuses publishes the stored status of every session
func (m *Manager) ReportAllStatuses() {
	statuses := AllStatusesPayload{}
	for _, sess := range m.store.ListSessions() {
		statuses[sess.ID] = sess.Status
	}
	m.publish(EventAllSessionStatuses, statuses)
}

// QR returns the latest pairing code of a session that is still pairing
func (m *Manager) QR(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tracked[id]
	if !ok || e.lastQR == "" {
		return "", false
	}
	return e.lastQR, true
}

// Tracked returns the number of tracked clients
func (m *Manager) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracked)
}

// Shutdown destroys every tracked client concurrently. Session records are
// kept.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	entries := make(map[string]*entry, len(m.tracked))
	for id, e := range m.tracked {
		entries[id] = e
		stopTimer(e)
		delete(m.tracked, id)
	}
	drains := make([]chan struct{}, 0, len(m.draining))
	for _, ch := range m.draining {
		drains = append(drains, ch)
	}
	m.metrics.SetTrackedAdapters(0)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for id, e := range entries {
		g.Go(func() error {
			if err := e.client.Destroy(gctx); err != nil {
				return fmt.Errorf("shutdown %s: %w", id, err)
			}
			return nil
		})
	}
	for _, ch := range drains {
		g.Go(func() error {
			select {
			case <-ch:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	err := g.Wait()
	m.logger.Info("all clients stopped", zap.Int("count", len(entries)))
	return err
}

func (m *Manager) observer(e *entry) client.Observer {
	return client.ObserverFunc(func(id string, evt client.Event) {
		m.handleEvent(e, id, evt)
	})
}

// handleEvent applies one client event. Events of a session are applied one
// at a time, and events from a client that is no longer tracked are dropped.
func (m *Manager) handleEvent(e *entry, id string, evt client.Event) {
	unlock := m.locks.Lock(id)
	defer unlock()
	defer m.recoverSession(id, "event "+client.EventName(evt), nil)

	logger := m.logger.With(zap.String("session_id", id), zap.String("event", client.EventName(evt)))
	if cur, ok := m.lookup(id); !ok || cur != e {
		logger.Debug("dropping event from untracked client")
		return
	}

	switch ev := evt.(type) {
	case client.QR:
		m.onQR(e, id, ev)
	case client.Authenticated:
		m.onAuthenticated(e, id)
	case client.Ready:
		m.onReady(e, id, ev)
	case client.Message:
		m.onMessage(id, ev, logger)
	case client.Disconnected:
		m.onDisconnected(e, id, ev)
	default:
		logger.Warn("unknown client event")
	}
}

func (m *Manager) onQR(e *entry, id string, ev client.QR) {
	m.mu.Lock()
	e.lastQR = ev.Code
	m.mu.Unlock()

	payload := QRPayload{SessionID: id, QR: ev.Code}
	if m.qrImage != nil {
		img, err := m.qrImage(ev.Code)
		if err != nil {
			m.logger.Warn("rendering QR failed", zap.String("session_id", id), zap.Error(err))
		}
		payload.QRImage = img
	}
	m.publish(EventQR, payload)
}

func (m *Manager) onAuthenticated(e *entry, id string) {
	stopTimer(e)
	now := time.Now()
	m.mu.Lock()
	e.lastQR = ""
	m.mu.Unlock()

	m.update(id, store.SessionUpdate{
		Status:         store.StatusPtr(store.StatusConnected),
		ConnectedSince: store.TimePtr(now),
		LastActivity:   store.TimePtr(now),
	})
	m.logger.Info("session authenticated", zap.String("session_id", id))
	m.publish(EventSessionStatus, StatusPayload{SessionID: id, Status: store.StatusConnected})
}

func (m *Manager) onReady(e *entry, id string, ev client.Ready) {
	stopTimer(e)
	now := time.Now()
	upd := store.SessionUpdate{
		Status:       store.StatusPtr(store.StatusConnected),
		LastActivity: store.TimePtr(now),
	}
	if ev.Info.PushName != "" {
		upd.Name = store.StringPtr(ev.Info.PushName)
	}
	if phone := client.NormalizePhone(ev.Info.Phone); phone != "" {
		upd.Phone = store.StringPtr(phone)
	}
	if sess, err := m.store.GetSession(id); err == nil && sess.ConnectedSince == nil {
		upd.ConnectedSince = store.TimePtr(now)
	}
	m.update(id, upd)

	m.mu.Lock()
	e.sendCapable = true
	e.lastQR = ""
	m.mu.Unlock()

	m.logger.Info("session ready", zap.String("session_id", id), zap.String("phone", ev.Info.Phone))
	m.publish(EventSessionReady, ReadyPayload{SessionID: id, Info: ev.Info})
}

func (m *Manager) onMessage(id string, ev client.Message, logger *zap.Logger) {
	sess, err := m.store.GetSession(id)
	if err != nil || sess.Status != store.StatusConnected {
		logger.Warn("dropping message for session that is not connected")
		return
	}

	to := client.NormalizePhone(ev.To)
	if to == "" {
		to = sess.Phone
	}
	msg := m.store.AddMessage(store.NewMessage{
		SessionID: id,
		From:      client.NormalizePhone(ev.From),
		To:        to,
		Message:   ev.Body,
	})
	m.metrics.Message(false)

	from := ev.FromName
	if from == "" {
		from = msg.From
	}
	m.publish(EventNewMessage, NewMessagePayload{
		ID:        msg.ID,
		SessionID: id,
		From:      from,
		Message:   msg.Message,
		Timestamp: msg.Timestamp,
	})
}

func (m *Manager) onDisconnected(e *entry, id string, ev client.Disconnected) {
	m.untrack(id)
	m.update(id, store.SessionUpdate{Status: store.StatusPtr(store.StatusDisconnected)})

	fields := []zap.Field{zap.String("session_id", id), zap.String("reason", ev.Reason)}
	if ev.Err != nil {
		fields = append(fields, zap.Error(ev.Err))
	}
	m.logger.Info("session disconnected", fields...)
	m.publish(EventSessionStatus, StatusPayload{SessionID: id, Status: store.StatusDisconnected})
	if ev.Err != nil {
		m.publishError(id, ev.Err)
	}

	m.drain(id, e.client)
}

// pairingExpired disconnects a session that is still waiting for its QR to
// be scanned
func (m *Manager) pairingExpired(e *entry, id string) {
	unlock := m.locks.Lock(id)
	defer unlock()
	if cur, ok := m.lookup(id); !ok || cur != e {
		return
	}
	if sess, err := m.store.GetSession(id); err == nil && sess.Status != store.StatusConnecting {
		return
	}
	m.logger.Info("pairing timed out", zap.String("session_id", id), zap.Duration("timeout", m.pairingTimeout))
	m.onDisconnected(e, id, client.Disconnected{Reason: "pairing timed out"})
	m.publishError(id, fmt.Errorf("pairing timed out after %s", m.pairingTimeout))
}

// drain destroys an untracked client in the background. Init for the same
// session waits for it, so at most one client exists per session.
func (m *Manager) drain(id string, c *client.Client) {
	done := make(chan struct{})
	m.mu.Lock()
	m.draining[id] = done
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			if m.draining[id] == done {
				delete(m.draining, id)
			}
			m.mu.Unlock()
			close(done)
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.Destroy(ctx); err != nil {
			m.logger.Warn("client teardown incomplete", zap.String("session_id", id), zap.Error(err))
		}
	}()
}

func (m *Manager) isDraining(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.draining[id]
	return ok
}

func (m *Manager) waitDrained(ctx context.Context, id string) error {
	m.mu.Lock()
	ch, ok := m.draining[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for previous client of %s: %w", id, ctx.Err())
	}
}

func (m *Manager) lookup(id string) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tracked[id]
	return e, ok
}

func (m *Manager) sendCapable(id string) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tracked[id]
	return e, ok && e.sendCapable
}

func (m *Manager) track(id string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked[id] = e
	m.metrics.SetTrackedAdapters(len(m.tracked))
}

func (m *Manager) untrack(id string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tracked[id]
	if !ok {
		return nil
	}
	stopTimer(e)
	e.sendCapable = false
	delete(m.tracked, id)
	m.metrics.SetTrackedAdapters(len(m.tracked))
	return e
}

func stopTimer(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
}

// update writes a partial session update. A missing record means the session
// was deleted concurrently and is not an error.
func (m *Manager) update(id string, upd store.SessionUpdate) {
	if _, err := m.store.UpdateSession(id, upd); err != nil {
		m.logger.Debug("session update skipped", zap.String("session_id", id), zap.Error(err))
		return
	}
	if upd.Status != nil {
		m.metrics.SessionStatus(string(*upd.Status))
	}
}

func (m *Manager) publish(event string, payload any) {
	m.pub.Publish(event, payload)
}

func (m *Manager) publishError(id string, err error) {
	m.publish(EventSessionError, ErrorPayload{SessionID: id, Error: err.Error()})
}

// recoverSession keeps a panic in one session's handling from reaching other
// sessions
func (m *Manager) recoverSession(id, op string, errp *error) {
	r := recover()
	if r == nil {
		return
	}
	err := fmt.Errorf("%s: panic: %v", op, r)
	m.logger.Error("recovered panic", zap.String("session_id", id), zap.Error(err), zap.Stack("stack"))
	m.publishError(id, err)
	if errp != nil {
		*errp = err
	}
}
