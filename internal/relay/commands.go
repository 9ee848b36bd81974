package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/neekaru/whatsapp-dashboard/internal/lifecycle"
)

// Inbound command names
const (
	CmdInitializeSession = "initialize_session"
	CmdDisconnectSession = "disconnect_session"
	CmdSendMessage       = "send_message"
	CmdGetSessionStatus  = "get_session_status"
	CmdGetAllStatuses    = "get_all_statuses"
)

// Commander executes operator commands. *lifecycle.Manager implements it.
type Commander interface {
	Init(ctx context.Context, id, name string) error
	Disconnect(ctx context.Context, id string) (bool, error)
	Send(ctx context.Context, req lifecycle.SendRequest) (lifecycle.Sent, error)
	ReportStatus(id string)
	ReportAllStatuses()
}

type sessionCommand struct {
	SessionID string `json:"sessionId"`
}

type sendCommand struct {
	SessionID string `json:"sessionId"`
	To        string `json:"to"`
	Message   string `json:"message"`
	MediaPath string `json:"mediaPath,omitempty"`
}

var errMissingSessionID = errors.New("sessionId is required")

// dispatch decodes and runs one inbound frame. Failures the manager does not
// publish itself are answered to this client only.
func (c *conn) dispatch(data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.reply(lifecycle.EventSessionError, lifecycle.ErrorPayload{Error: "invalid frame: " + err.Error()})
		return
	}
	logger := c.hub.logger.With(zap.String("client_id", c.id), zap.String("command", frame.Event))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("command panicked", zap.Any("panic", r), zap.Stack("stack"))
			c.reply(lifecycle.EventSessionError, lifecycle.ErrorPayload{Error: fmt.Sprintf("%s: internal error", frame.Event)})
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), c.hub.cfg.CommandTimeout)
	defer cancel()

	switch frame.Event {
	case CmdInitializeSession:
		cmd, err := decodeSession(frame.Data)
		if err != nil {
			c.reply(lifecycle.EventSessionError, lifecycle.ErrorPayload{SessionID: cmd.SessionID, Error: err.Error()})
			return
		}
		if err := c.cmd.Init(ctx, cmd.SessionID, ""); err != nil {
			logger.Warn("initialize failed", zap.String("session_id", cmd.SessionID), zap.Error(err))
		}

	case CmdDisconnectSession:
		cmd, err := decodeSession(frame.Data)
		if err != nil {
			c.reply(lifecycle.EventSessionError, lifecycle.ErrorPayload{SessionID: cmd.SessionID, Error: err.Error()})
			return
		}
		ok, err := c.cmd.Disconnect(ctx, cmd.SessionID)
		switch {
		case err != nil:
			logger.Warn("disconnect failed", zap.String("session_id", cmd.SessionID), zap.Error(err))
			c.reply(lifecycle.EventSessionError, lifecycle.ErrorPayload{SessionID: cmd.SessionID, Error: err.Error()})
		case !ok:
			c.reply(lifecycle.EventSessionError, lifecycle.ErrorPayload{SessionID: cmd.SessionID, Error: lifecycle.ErrSessionNotFound.Error()})
		}

	case CmdSendMessage:
		var cmd sendCommand
		if err := decodeData(frame.Data, &cmd); err != nil {
			c.reply(lifecycle.EventMessageError, lifecycle.MessageErrorPayload{Error: err.Error()})
			return
		}
		if err := c.hub.validateSend(&cmd); err != nil {
			c.reply(lifecycle.EventMessageError, lifecycle.MessageErrorPayload{SessionID: cmd.SessionID, To: cmd.To, Error: err.Error()})
			return
		}
		// the manager publishes message_sent or message_error itself
		_, err := c.cmd.Send(ctx, lifecycle.SendRequest{
			SessionID: cmd.SessionID,
			To:        cmd.To,
			Message:   cmd.Message,
			MediaPath: cmd.MediaPath,
		})
		if err != nil {
			logger.Debug("send failed", zap.String("session_id", cmd.SessionID), zap.Error(err))
		}

	case CmdGetSessionStatus:
		cmd, err := decodeSession(frame.Data)
		if err != nil {
			c.reply(lifecycle.EventSessionError, lifecycle.ErrorPayload{SessionID: cmd.SessionID, Error: err.Error()})
			return
		}
		c.cmd.ReportStatus(cmd.SessionID)

	case CmdGetAllStatuses:
		c.cmd.ReportAllStatuses()

	default:
		c.reply(lifecycle.EventSessionError, lifecycle.ErrorPayload{Error: fmt.Sprintf("unknown command %q", frame.Event)})
	}
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errors.New("missing data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid data: %w", err)
	}
	return nil
}

func decodeSession(data json.RawMessage) (sessionCommand, error) {
	var cmd sessionCommand
	if err := decodeData(data, &cmd); err != nil {
		return cmd, err
	}
	cmd.SessionID = strings.TrimSpace(cmd.SessionID)
	if cmd.SessionID == "" {
		return cmd, errMissingSessionID
	}
	return cmd, nil
}

// validateSend checks the required fields and confines attachments to the
// media directory
func (h *Hub) validateSend(cmd *sendCommand) error {
	switch {
	case strings.TrimSpace(cmd.SessionID) == "":
		return errMissingSessionID
	case strings.TrimSpace(cmd.To) == "":
		return errors.New("to is required")
	case strings.TrimSpace(cmd.Message) == "":
		return errors.New("message is required")
	}
	if cmd.MediaPath == "" {
		return nil
	}
	if h.cfg.MediaDir == "" {
		return errors.New("media attachments are not accepted")
	}

	dir, err := filepath.Abs(h.cfg.MediaDir)
	if err != nil {
		return fmt.Errorf("resolve media dir: %w", err)
	}
	path := cmd.MediaPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, filepath.Base(path))
	}
	path = filepath.Clean(path)
	if rel, err := filepath.Rel(dir, path); err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return errors.New("mediaPath must refer to an uploaded file")
	}
	cmd.MediaPath = path
	return nil
}
