package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/neekaru/whatsapp-dashboard/internal/lifecycle"
	"github.com/neekaru/whatsapp-dashboard/internal/store"
)

type mockCommander struct {
	mock.Mock
}

func (m *mockCommander) Init(ctx context.Context, id, name string) error {
	args := m.Called(ctx, id, name)
	return args.Error(0)
}

func (m *mockCommander) Disconnect(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *mockCommander) Send(ctx context.Context, req lifecycle.SendRequest) (lifecycle.Sent, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(lifecycle.Sent), args.Error(1)
}

func (m *mockCommander) ReportStatus(id string) {
	m.Called(id)
}

func (m *mockCommander) ReportAllStatuses() {
	m.Called()
}

type fixture struct {
	t   *testing.T
	hub *Hub
	cmd *mockCommander
	url string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(cfg, zap.NewNop(), nil)
	cmd := &mockCommander{}
	r := gin.New()
	r.GET("/ws", hub.Handler(cmd))
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &fixture{t: t, hub: hub, cmd: cmd, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
}

func (f *fixture) dial() *websocket.Conn {
	f.t.Helper()
	before := f.hub.Clients()
	ws, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { ws.Close() })
	require.Eventually(f.t, func() bool { return f.hub.Clients() > before }, time.Second, 5*time.Millisecond)
	return ws
}

func send(t *testing.T, ws *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(Frame{Event: event, Data: raw}))
}

func read(t *testing.T, ws *websocket.Conn) (string, map[string]any) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame Frame
	require.NoError(t, ws.ReadJSON(&frame))
	var data map[string]any
	require.NoError(t, json.Unmarshal(frame.Data, &data))
	return frame.Event, data
}

func called() (chan struct{}, func(mock.Arguments)) {
	ch := make(chan struct{})
	return ch, func(mock.Arguments) { close(ch) }
}

func waitCalled(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("command was not executed")
	}
}

func TestPublishReachesEveryClient(t *testing.T) {
	f := newFixture(t, Config{})
	a := f.dial()
	b := f.dial()

	f.hub.Publish(lifecycle.EventQR, lifecycle.QRPayload{SessionID: "s1", QR: "code"})

	for _, ws := range []*websocket.Conn{a, b} {
		event, data := read(t, ws)
		assert.Equal(t, "qr", event)
		assert.Equal(t, "s1", data["sessionId"])
		assert.Equal(t, "code", data["qr"])
	}
}

func TestInitializeSession(t *testing.T) {
	f := newFixture(t, Config{})
	ws := f.dial()

	ch, run := called()
	f.cmd.On("Init", mock.Anything, "s1", "").Return(nil).Run(run).Once()

	send(t, ws, CmdInitializeSession, map[string]string{"sessionId": "s1"})
	waitCalled(t, ch)
	f.cmd.AssertExpectations(t)
}

func TestInitializeSessionRequiresID(t *testing.T) {
	f := newFixture(t, Config{})
	ws := f.dial()

	send(t, ws, CmdInitializeSession, map[string]string{"sessionId": " "})
	event, data := read(t, ws)
	assert.Equal(t, lifecycle.EventSessionError, event)
	assert.Equal(t, errMissingSessionID.Error(), data["error"])
	f.cmd.AssertNotCalled(t, "Init", mock.Anything, mock.Anything, mock.Anything)
}

func TestDisconnectUnknownSessionRepliesError(t *testing.T) {
	f := newFixture(t, Config{})
	ws := f.dial()
	f.cmd.On("Disconnect", mock.Anything, "ghost").Return(false, nil).Once()

	send(t, ws, CmdDisconnectSession, map[string]string{"sessionId": "ghost"})
	event, data := read(t, ws)
	assert.Equal(t, lifecycle.EventSessionError, event)
	assert.Equal(t, "ghost", data["sessionId"])
	assert.Equal(t, lifecycle.ErrSessionNotFound.Error(), data["error"])
}

func TestSendMessage(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, Config{MediaDir: dir})
	ws := f.dial()

	ch, run := called()
	want := lifecycle.SendRequest{SessionID: "s1", To: "628", Message: "hi", MediaPath: filepath.Join(dir, "a.png")}
	f.cmd.On("Send", mock.Anything, want).Return(lifecycle.Sent{MessageID: "m1"}, nil).Run(run).Once()

	send(t, ws, CmdSendMessage, map[string]string{"sessionId": "s1", "to": "628", "message": "hi", "mediaPath": "uploads/a.png"})
	waitCalled(t, ch)
	f.cmd.AssertExpectations(t)
}

func TestSendMessageValidation(t *testing.T) {
	f := newFixture(t, Config{MediaDir: t.TempDir()})
	ws := f.dial()

	send(t, ws, CmdSendMessage, map[string]string{"sessionId": "s1", "to": "628"})
	event, data := read(t, ws)
	assert.Equal(t, lifecycle.EventMessageError, event)
	assert.Equal(t, "message is required", data["error"])

	send(t, ws, CmdSendMessage, map[string]string{"sessionId": "s1", "to": "628", "message": "hi", "mediaPath": "/etc/passwd"})
	event, data = read(t, ws)
	assert.Equal(t, lifecycle.EventMessageError, event)
	assert.Equal(t, "mediaPath must refer to an uploaded file", data["error"])

	f.cmd.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestStatusQueries(t *testing.T) {
	f := newFixture(t, Config{})
	ws := f.dial()

	one, runOne := called()
	all, runAll := called()
	f.cmd.On("ReportStatus", "s1").Run(runOne).Once()
	f.cmd.On("ReportAllStatuses").Run(runAll).Once()

	send(t, ws, CmdGetSessionStatus, map[string]string{"sessionId": "s1"})
	send(t, ws, CmdGetAllStatuses, nil)
	waitCalled(t, one)
	waitCalled(t, all)
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t, Config{})
	ws := f.dial()

	send(t, ws, "reboot", map[string]string{})
	event, data := read(t, ws)
	assert.Equal(t, lifecycle.EventSessionError, event)
	assert.Contains(t, data["error"], "unknown command")
}

func TestCommandPanicIsRecovered(t *testing.T) {
	f := newFixture(t, Config{})
	ws := f.dial()
	f.cmd.On("ReportStatus", "s1").Run(func(mock.Arguments) { panic("boom") }).Once()

	send(t, ws, CmdGetSessionStatus, map[string]string{"sessionId": "s1"})
	event, _ := read(t, ws)
	assert.Equal(t, lifecycle.EventSessionError, event)

	// the connection survives
	f.hub.Publish(lifecycle.EventSessionStatus, lifecycle.StatusPayload{SessionID: "s2", Status: store.StatusConnected})
	event, data := read(t, ws)
	assert.Equal(t, lifecycle.EventSessionStatus, event)
	assert.Equal(t, "s2", data["sessionId"])
}

func TestCloseDisconnectsClients(t *testing.T) {
	f := newFixture(t, Config{})
	ws := f.dial()

	f.hub.Close()
	assert.Zero(t, f.hub.Clients())

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
}

func TestOriginCheck(t *testing.T) {
	f := newFixture(t, Config{AllowedOrigins: []string{"http://dashboard.example"}})

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(f.url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"http://dashboard.example"}}
	ws, _, err := websocket.DefaultDialer.Dial(f.url, header)
	require.NoError(t, err)
	ws.Close()
}

func TestValidateSend(t *testing.T) {
	dir := t.TempDir()
	h := NewHub(Config{MediaDir: dir}, nil, nil)

	tests := []struct {
		name    string
		cmd     sendCommand
		want    string
		wantErr bool
	}{
		{"text only", sendCommand{SessionID: "s1", To: "1", Message: "hi"}, "", false},
		{"relative upload", sendCommand{SessionID: "s1", To: "1", Message: "hi", MediaPath: "uploads/x.pdf"}, filepath.Join(dir, "x.pdf"), false},
		{"absolute inside", sendCommand{SessionID: "s1", To: "1", Message: "hi", MediaPath: filepath.Join(dir, "y.png")}, filepath.Join(dir, "y.png"), false},
		{"traversal", sendCommand{SessionID: "s1", To: "1", Message: "hi", MediaPath: filepath.Join(dir, "..", "z.png")}, "", true},
		{"dir itself", sendCommand{SessionID: "s1", To: "1", Message: "hi", MediaPath: dir}, "", true},
		{"missing to", sendCommand{SessionID: "s1", Message: "hi"}, "", true},
		{"missing session", sendCommand{To: "1", Message: "hi"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := tt.cmd
			err := h.validateSend(&cmd)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmd.MediaPath)
		})
	}
}
