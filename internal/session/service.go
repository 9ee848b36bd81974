package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/neekaru/whatsapp-dashboard/internal/app"
	"github.com/neekaru/whatsapp-dashboard/internal/media"
	"github.com/neekaru/whatsapp-dashboard/internal/store"
)

// ErrNoQR is returned when a session has no pending pairing code
var ErrNoQR = errors.New("no QR code available")

// Service handles session business logic
type Service struct {
	app *app.App
}

// NewService creates a new session service
func NewService(app *app.App) *Service {
	return &Service{app: app}
}

// List returns all sessions in creation order
func (s *Service) List() []store.Session {
	return s.app.Store.ListSessions()
}

// Get returns one session
func (s *Service) Get(id string) (store.Session, error) {
	return s.app.Store.GetSession(id)
}

// Create stores a new session and starts pairing it
func (s *Service) Create(ctx context.Context, id, name string) (store.Session, error) {
	if err := s.app.Manager.Create(ctx, id, name); err != nil {
		return store.Session{}, err
	}
	s.app.Logger.Info("session created", zap.String("session_id", id))
	return s.app.Store.GetSession(id)
}

// Delete stops the session's client and removes the session
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	return s.app.Manager.Disconnect(ctx, id)
}

// Rename overrides the display name
func (s *Service) Rename(id, name string) (store.Session, error) {
	return s.app.Store.UpdateSession(id, store.SessionUpdate{Name: store.StringPtr(name)})
}

// QR returns the pending pairing code of a session and its PNG rendering
func (s *Service) QR(id string) (QRResponse, error) {
	if _, err := s.app.Store.GetSession(id); err != nil {
		return QRResponse{}, err
	}
	code, ok := s.app.Manager.QR(id)
	if !ok {
		return QRResponse{}, ErrNoQR
	}
	img, err := media.QRDataURL(code)
	if err != nil {
		return QRResponse{}, fmt.Errorf("render QR for %s: %w", id, err)
	}
	return QRResponse{SessionID: id, QR: code, QRCode: img}, nil
}
