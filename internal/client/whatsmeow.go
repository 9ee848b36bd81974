package client

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

// WhatsmeowConfig configures the whatsmeow engine
type WhatsmeowConfig struct {
	// DataDir holds one SQLite device store per session
	DataDir  string
	LogLevel string
	// Thumbnail renders a JPEG preview for outgoing videos. Optional.
	Thumbnail func(video []byte) ([]byte, error)
}

// WhatsmeowEngine drives WhatsApp Web through whatsmeow. Each session gets its
// own device store so saved credentials allow a silent resume.
type WhatsmeowEngine struct {
	cfg    WhatsmeowConfig
	logger *zap.Logger
}

var devicePropsOnce sync.Once

// NewWhatsmeowEngine creates the engine
func NewWhatsmeowEngine(cfg WhatsmeowConfig, logger *zap.Logger) *WhatsmeowEngine {
	devicePropsOnce.Do(func() {
		store.SetOSInfo("Linux", store.GetWAVersion())
		store.DeviceProps.PlatformType = waCompanionReg.DeviceProps_CHROME.Enum()
	})
	if cfg.LogLevel == "" {
		cfg.LogLevel = "WARN"
	}
	return &WhatsmeowEngine{cfg: cfg, logger: logger.Named("whatsmeow")}
}

// StorePath returns the device store file of a session
func (e *WhatsmeowEngine) StorePath(sessionID string) string {
	return filepath.Join(e.cfg.DataDir, sessionID+".db")
}

// Connect opens the session's device store and connects. Unpaired devices get
// a QR channel bound to ctx.
func (e *WhatsmeowEngine) Connect(ctx context.Context, sessionID string, emit func(Event)) (Conn, error) {
	if !validStoreName(sessionID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSession, sessionID)
	}
	if err := os.MkdirAll(e.cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := e.StorePath(sessionID)
	dbLog := waLog.Stdout("Database-"+sessionID, e.cfg.LogLevel, true)
	container, err := sqlstore.New(ctx, "sqlite3", "file:"+dbPath+"?_foreign_keys=on", dbLog)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("device error: %w", err)
	}

	cli := whatsmeow.NewClient(deviceStore, waLog.Stdout("WhatsApp-"+sessionID, e.cfg.LogLevel, true))
	conn := &whatsmeowConn{
		sessionID: sessionID,
		client:    cli,
		container: container,
		emit:      emit,
		thumbnail: e.cfg.Thumbnail,
		logger:    e.logger.With(zap.String("session_id", sessionID)),
	}
	cli.AddEventHandler(conn.handleEvent)

	if cli.Store.ID == nil {
		qrChan, err := cli.GetQRChannel(ctx)
		if err != nil {
			container.Close()
			return nil, fmt.Errorf("get qr channel: %w", err)
		}
		go conn.forwardQR(qrChan)
		conn.logger.Info("device not yet registered, QR code needed")
	} else {
		conn.logger.Info("device is registered, resuming session")
	}

	if err := cli.Connect(); err != nil {
		cli.Disconnect()
		container.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return conn, nil
}

// Purge removes the device store of a deleted session
func (e *WhatsmeowEngine) Purge(sessionID string) error {
	if !validStoreName(sessionID) {
		return fmt.Errorf("%w: %q", ErrInvalidSession, sessionID)
	}
	if err := os.Remove(e.StorePath(sessionID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove device store: %w", err)
	}
	return nil
}

// StoredSessions lists the sessions that have a device store in DataDir
func (e *WhatsmeowEngine) StoredSessions() ([]string, error) {
	entries, err := os.ReadDir(e.cfg.DataDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read data dir: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".db" {
			continue
		}
		if id := strings.TrimSuffix(name, ".db"); validStoreName(id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func validStoreName(sessionID string) bool {
	return sessionID != "" &&
		filepath.Base(sessionID) == sessionID &&
		!strings.HasPrefix(sessionID, ".") &&
		!strings.ContainsAny(sessionID, `/\`)
}

type whatsmeowConn struct {
	sessionID string
	client    *whatsmeow.Client
	container *sqlstore.Container
	emit      func(Event)
	thumbnail func([]byte) ([]byte, error)
	logger    *zap.Logger

	authenticated atomic.Bool
	closeOnce     sync.Once
}

func (c *whatsmeowConn) forwardQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			c.logger.Info("received QR code")
			c.emit(QR{Code: item.Code})
		case "success":
			// PairSuccess reports the authentication
		case "timeout":
			c.emit(Disconnected{Reason: "pairing timed out"})
		default:
			c.emit(Disconnected{Reason: "pairing failed: " + item.Event, Err: item.Error})
		}
	}
}

func (c *whatsmeowConn) handleEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		c.logger.Info("paired", zap.String("jid", e.ID.String()))
		c.authenticate()

	case *events.Connected:
		// A resumed session never pairs, so Connected also implies authentication
		c.authenticate()
		c.emit(Ready{Info: c.accountInfo()})

	case *events.Message:
		if e.Info.IsFromMe || e.Info.Chat.Server == types.BroadcastServer {
			return
		}
		c.emit(Message{
			ID:        e.Info.ID,
			From:      e.Info.Sender.User,
			FromName:  e.Info.PushName,
			To:        c.ownPhone(),
			Body:      messageText(e.Message),
			Timestamp: e.Info.Timestamp,
		})

	case *events.LoggedOut:
		if e.OnConnect {
			c.logger.Info("logged out on connect", zap.String("reason", e.Reason.String()))
		} else {
			c.logger.Info("logged out (stream error)")
		}
		c.emit(Disconnected{Reason: "logged out"})

	case *events.StreamReplaced:
		c.emit(Disconnected{Reason: "stream replaced by another client"})

	case *events.TemporaryBan:
		c.emit(Disconnected{Reason: fmt.Sprintf("temporary ban (code %v, expires in %s)", e.Code, e.Expire)})

	case *events.ConnectFailure:
		c.emit(Disconnected{Reason: "connect failure: " + e.Reason.String()})

	case *events.ClientOutdated:
		c.emit(Disconnected{Reason: "client outdated"})

	case *events.Disconnected:
		// whatsmeow reconnects on its own
		c.logger.Warn("websocket disconnected, waiting for auto-reconnect")

	case *events.StreamError:
		c.logger.Warn("stream error", zap.String("code", e.Code))
	}
}

func (c *whatsmeowConn) authenticate() {
	if c.authenticated.CompareAndSwap(false, true) {
		c.emit(Authenticated{})
	}
}

func (c *whatsmeowConn) accountInfo() AccountInfo {
	info := AccountInfo{
		PushName: c.client.Store.PushName,
		Phone:    c.ownPhone(),
		Platform: c.client.Store.Platform,
	}
	return info
}

func (c *whatsmeowConn) ownPhone() string {
	if c.client.Store.ID == nil {
		return ""
	}
	return c.client.Store.ID.User
}

// Send sends a text message, or a media message with the body as caption
func (c *whatsmeowConn) Send(ctx context.Context, msg Outgoing) (string, error) {
	phone := NormalizePhone(msg.To)
	if phone == "" {
		return "", errors.New("phone number is empty")
	}
	recipient := types.NewJID(phone, types.DefaultUserServer)

	waMsg := &waE2E.Message{Conversation: proto.String(msg.Body)}
	if msg.MediaPath != "" {
		if _, err := os.Stat(msg.MediaPath); err == nil {
			waMsg, err = c.mediaMessage(ctx, msg)
			if err != nil {
				return "", err
			}
		} else {
			c.logger.Warn("media file missing, sending text only", zap.String("path", msg.MediaPath))
		}
	}

	resp, err := c.client.SendMessage(ctx, recipient, waMsg)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	c.logger.Info("message sent", zap.String("to", recipient.String()))
	return resp.ID, nil
}

func (c *whatsmeowConn) mediaMessage(ctx context.Context, msg Outgoing) (*waE2E.Message, error) {
	data, err := os.ReadFile(msg.MediaPath)
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}
	mimeType := mediaMimeType(msg.MediaPath, data)
	mediaType := mediaKind(mimeType)

	uploaded, err := c.client.Upload(ctx, data, mediaType)
	if err != nil {
		return nil, fmt.Errorf("failed to upload media: %w", err)
	}

	switch mediaType {
	case whatsmeow.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(msg.Body),
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			Mimetype:      proto.String(mimeType),
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uint64(len(data))),
		}}, nil
	case whatsmeow.MediaVideo:
		video := &waE2E.VideoMessage{
			Caption:       proto.String(msg.Body),
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			Mimetype:      proto.String(mimeType),
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uint64(len(data))),
		}
		if c.thumbnail != nil {
			if thumb, err := c.thumbnail(data); err == nil {
				video.JPEGThumbnail = thumb
			} else {
				c.logger.Debug("video thumbnail unavailable", zap.Error(err))
			}
		}
		return &waE2E.Message{VideoMessage: video}, nil
	case whatsmeow.MediaAudio:
		// audio messages carry no caption
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			Mimetype:      proto.String(mimeType),
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uint64(len(data))),
		}}, nil
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       proto.String(msg.Body),
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			Mimetype:      proto.String(mimeType),
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uint64(len(data))),
			FileName:      proto.String(filepath.Base(msg.MediaPath)),
		}}, nil
	}
}

// Close disconnects the socket and releases the device store
func (c *whatsmeowConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.client.Disconnect()
		err = c.container.Close()
	})
	return err
}

func mediaMimeType(path string, data []byte) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); t != "" {
		return t
	}
	return http.DetectContentType(data)
}

func mediaKind(mimeType string) whatsmeow.MediaType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return whatsmeow.MediaImage
	case strings.HasPrefix(mimeType, "video/"):
		return whatsmeow.MediaVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

func messageText(msg *waE2E.Message) string {
	switch {
	case msg == nil:
		return ""
	case msg.GetConversation() != "":
		return msg.GetConversation()
	case msg.GetExtendedTextMessage() != nil:
		return msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetCaption()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage().GetCaption()
	default:
		return ""
	}
}
