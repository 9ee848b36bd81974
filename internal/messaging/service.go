package messaging

import (
	"context"
	"mime/multipart"
	"os"

	"go.uber.org/zap"

	"github.com/neekaru/whatsapp-dashboard/internal/app"
	"github.com/neekaru/whatsapp-dashboard/internal/lifecycle"
	"github.com/neekaru/whatsapp-dashboard/internal/store"
)

// Service handles messaging business logic
type Service struct {
	app *app.App
}

// NewService creates a new messaging service
func NewService(app *app.App) *Service {
	return &Service{app: app}
}

// SendMessage stores the optional attachment and sends through the session's
// client. The attachment is removed again when the send does not go out.
func (s *Service) SendMessage(ctx context.Context, req SendMessageRequest, fh *multipart.FileHeader) (lifecycle.Sent, error) {
	var mediaPath string
	if fh != nil {
		path, err := s.app.Uploads.SaveFile(fh)
		if err != nil {
			return lifecycle.Sent{}, err
		}
		mediaPath = path
	}

	sent, err := s.app.Manager.Send(ctx, lifecycle.SendRequest{
		SessionID: req.SessionID,
		To:        req.To,
		Message:   req.Message,
		MediaPath: mediaPath,
	})
	if err != nil && mediaPath != "" {
		if rerr := os.Remove(mediaPath); rerr != nil {
			s.app.Logger.Warn("remove unsent upload", zap.String("path", mediaPath), zap.Error(rerr))
		}
	}
	return sent, err
}

// List returns messages newest first, optionally filtered by session. A limit
// of zero returns every message.
func (s *Service) List(sessionID string, limit int) []store.Message {
	return s.app.Store.ListMessages(sessionID, limit)
}

// MarkRead flags a message as read
func (s *Service) MarkRead(id int64) bool {
	return s.app.Store.MarkRead(id)
}
