package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/neekaru/whatsapp-dashboard/internal/client"
	"github.com/neekaru/whatsapp-dashboard/internal/client/clienttest"
	"github.com/neekaru/whatsapp-dashboard/internal/metrics"
	"github.com/neekaru/whatsapp-dashboard/internal/store"
)

type published struct {
	event   string
	payload any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(event string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{event, payload})
}

func (p *recordingPublisher) named(event string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []any
	for _, e := range p.events {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

type fixture struct {
	t       *testing.T
	store   *store.Store
	engine  *clienttest.Engine
	pub     *recordingPublisher
	metrics *metrics.Metrics
	mgr     *Manager
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		store:   store.New(),
		engine:  &clienttest.Engine{},
		pub:     &recordingPublisher{},
		metrics: metrics.New("test", prometheus.NewRegistry()),
	}
	o := Options{
		Store:     f.store,
		Engine:    f.engine,
		Publisher: f.pub,
		Logger:    zaptest.NewLogger(t),
		Metrics:   f.metrics,
	}
	for _, opt := range opts {
		opt(&o)
	}
	mgr, err := New(o)
	require.NoError(t, err)
	f.mgr = mgr
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return f
}

// start initializes a session and returns its n-th engine connection
func (f *fixture) start(id string, n int) *clienttest.Conn {
	f.t.Helper()
	require.NoError(f.t, f.mgr.Init(context.Background(), id, ""))
	conn, err := f.engine.WaitConn(id, n, time.Second)
	require.NoError(f.t, err)
	return conn
}

func (f *fixture) status(id string) store.Status {
	f.t.Helper()
	sess, err := f.store.GetSession(id)
	require.NoError(f.t, err)
	return sess.Status
}

func TestInitCreatesConnectingSession(t *testing.T) {
	f := newFixture(t)
	f.start("s1", 1)

	sess, err := f.store.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusConnecting, sess.Status)
	assert.Equal(t, DefaultSessionName, sess.Name)
	assert.Equal(t, 1, f.mgr.Tracked())
	assert.Equal(t, []any{StatusPayload{SessionID: "s1", Status: store.StatusConnecting}}, f.pub.named(EventSessionStatus))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TrackedAdapters))
}

func TestInitKeepsExistingName(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.Init(context.Background(), "s1", "Test"))

	sess, err := f.store.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, "Test", sess.Name)
}

func TestInitIsNoopWhenTracked(t *testing.T) {
	f := newFixture(t)
	f.start("s1", 1)
	require.NoError(t, f.mgr.Init(context.Background(), "s1", ""))

	// give a second bring-up a chance to show up
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, f.engine.Conns("s1"), 1)
	assert.Len(t, f.pub.named(EventSessionStatus), 1)
}

func TestInitRejectsEmptyID(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.mgr.Init(context.Background(), "", ""), client.ErrInvalidSession)
}

func TestReadyConnectsSession(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.Init(context.Background(), "s1", "Test"))
	conn, err := f.engine.WaitConn("s1", 1, time.Second)
	require.NoError(t, err)

	info := client.AccountInfo{PushName: "Alice", Phone: "6281234567"}
	conn.Emit(client.Ready{Info: info})

	sess, err := f.store.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusConnected, sess.Status)
	assert.Equal(t, "6281234567", sess.Phone)
	assert.Equal(t, "Alice", sess.Name)
	assert.NotNil(t, sess.ConnectedSince)
	assert.Equal(t, []any{ReadyPayload{SessionID: "s1", Info: info}}, f.pub.named(EventSessionReady))
}

func TestReadyWithoutPushNameKeepsName(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.Init(context.Background(), "s1", "Test"))
	conn, err := f.engine.WaitConn("s1", 1, time.Second)
	require.NoError(t, err)

	conn.Emit(client.Ready{Info: client.AccountInfo{Phone: "1"}})
	sess, err := f.store.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, "Test", sess.Name)
}

func TestStateTable(t *testing.T) {
	f := newFixture(t)
	conn := f.start("s1", 1)

	conn.Emit(client.QR{Code: "qr-1"})
	assert.Equal(t, store.StatusConnecting, f.status("s1"))
	code, ok := f.mgr.QR("s1")
	assert.True(t, ok)
	assert.Equal(t, "qr-1", code)

	conn.Emit(client.Authenticated{})
	assert.Equal(t, store.StatusConnected, f.status("s1"))
	sess, _ := f.store.GetSession("s1")
	assert.NotNil(t, sess.ConnectedSince)
	_, ok = f.mgr.QR("s1")
	assert.False(t, ok)

	conn.Emit(client.Ready{Info: client.AccountInfo{PushName: "Bob", Phone: "111"}})
	assert.Equal(t, store.StatusConnected, f.status("s1"))

	conn.Emit(client.Message{From: "222@s.whatsapp.net", FromName: "Carol", Body: "hello"})
	assert.Equal(t, store.StatusConnected, f.status("s1"))

	conn.Emit(client.Disconnected{Reason: "logged out"})
	assert.Equal(t, store.StatusDisconnected, f.status("s1"))
	assert.Zero(t, f.mgr.Tracked())
	assert.Eventually(t, conn.Closed, time.Second, 5*time.Millisecond)

	statuses := f.pub.named(EventSessionStatus)
	assert.Equal(t, []any{
		StatusPayload{SessionID: "s1", Status: store.StatusConnecting},
		StatusPayload{SessionID: "s1", Status: store.StatusConnected},
		StatusPayload{SessionID: "s1", Status: store.StatusDisconnected},
	}, statuses)
	assert.Empty(t, f.pub.named(EventSessionError))
}

func TestInboundMessage(t *testing.T) {
	f := newFixture(t)
	conn := f.start("s1", 1)
	conn.Emit(client.Ready{Info: client.AccountInfo{Phone: "111"}})

	conn.Emit(client.Message{From: "222", FromName: "Carol", Body: "hello"})

	msgs := f.store.ListMessages("s1", 0)
	require.Len(t, msgs, 1)
	assert.Equal(t, "222", msgs[0].From)
	assert.Equal(t, "111", msgs[0].To)
	assert.Equal(t, "hello", msgs[0].Message)
	assert.False(t, msgs[0].IsOutgoing)
	assert.False(t, msgs[0].IsRead)

	sess, _ := f.store.GetSession("s1")
	assert.Equal(t, 1, sess.MessagesCount)

	events := f.pub.named(EventNewMessage)
	require.Len(t, events, 1)
	payload := events[0].(NewMessagePayload)
	assert.Equal(t, msgs[0].ID, payload.ID)
	assert.Equal(t, "Carol", payload.From)
	assert.Equal(t, "hello", payload.Message)
}

func TestInboundMessageBeforeConnectedIsDropped(t *testing.T) {
	f := newFixture(t)
	conn := f.start("s1", 1)

	conn.Emit(client.Message{From: "222", Body: "early"})
	assert.Empty(t, f.store.ListMessages("s1", 0))
	assert.Empty(t, f.pub.named(EventNewMessage))
}

func TestConcurrentInitKeepsSessionsApart(t *testing.T) {
	f := newFixture(t)
	ids := []string{"s1", "s2", "s3", "s4"}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.mgr.Init(context.Background(), id, ""))
		}()
	}
	wg.Wait()

	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := f.engine.WaitConn(id, 1, time.Second)
			if !assert.NoError(t, err) {
				return
			}
			for i := 0; i < 10; i++ {
				conn.Emit(client.QR{Code: fmt.Sprintf("%s-code-%d", id, i)})
			}
			conn.Emit(client.Ready{Info: client.AccountInfo{Phone: strings.TrimPrefix(id, "s")}})
		}()
	}
	wg.Wait()

	qrs := f.pub.named(EventQR)
	assert.Len(t, qrs, 40)
	for _, p := range qrs {
		qr := p.(QRPayload)
		assert.True(t, strings.HasPrefix(qr.QR, qr.SessionID+"-"), "qr %q leaked into %s", qr.QR, qr.SessionID)
	}
	for _, id := range ids {
		sess, err := f.store.GetSession(id)
		require.NoError(t, err)
		assert.Equal(t, store.StatusConnected, sess.Status)
		assert.Equal(t, strings.TrimPrefix(id, "s"), sess.Phone)
	}
}

func TestSendWhileConnectingFails(t *testing.T) {
	f := newFixture(t)
	conn := f.start("s1", 1)
	conn.Emit(client.QR{Code: "qr"})

	_, err := f.mgr.Send(context.Background(), SendRequest{SessionID: "s1", To: "+62812", Message: "hi"})
	assert.ErrorIs(t, err, ErrNotReady)

	assert.Empty(t, conn.Sent())
	assert.Empty(t, f.store.ListMessages("", 0))
	assert.Equal(t, []any{MessageErrorPayload{SessionID: "s1", To: "+62812", Error: err.Error()}}, f.pub.named(EventMessageError))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SendFailures.WithLabelValues("not_ready")))
}

func TestSendUnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Send(context.Background(), SendRequest{SessionID: "nope", To: "1", Message: "hi"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Len(t, f.pub.named(EventMessageError), 1)
}

func TestSendStoresOutgoingMessage(t *testing.T) {
	f := newFixture(t)
	conn := f.start("s1", 1)
	conn.Emit(client.Ready{Info: client.AccountInfo{Phone: "111"}})

	sent, err := f.mgr.Send(context.Background(), SendRequest{SessionID: "s1", To: "+62 812-345", Message: "hi", MediaPath: "uploads/a.png"})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", sent.MessageID)
	msg := sent.Message

	assert.True(t, msg.IsOutgoing)
	assert.Equal(t, "111", msg.From)
	assert.Equal(t, "62812345", msg.To)
	require.NotNil(t, msg.MediaPath)
	assert.Equal(t, "uploads/a.png", *msg.MediaPath)
	assert.Equal(t, []client.Outgoing{{To: "+62 812-345", Body: "hi", MediaPath: "uploads/a.png"}}, conn.Sent())

	sess, _ := f.store.GetSession("s1")
	assert.Equal(t, 1, sess.MessagesCount)

	events := f.pub.named(EventMessageSent)
	require.Len(t, events, 1)
	assert.Equal(t, "msg-1", events[0].(MessageSentPayload).MessageID)
}

func TestSendEngineFailureStoresNothing(t *testing.T) {
	f := newFixture(t)
	conn := f.start("s1", 1)
	conn.Emit(client.Ready{Info: client.AccountInfo{Phone: "111"}})
	conn.FailSends(errors.New("rejected"))

	_, err := f.mgr.Send(context.Background(), SendRequest{SessionID: "s1", To: "1", Message: "hi"})
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.Empty(t, f.store.ListMessages("s1", 0))
	assert.Len(t, f.pub.named(EventMessageError), 1)
}

func TestDisconnectWhileConnecting(t *testing.T) {
	f := newFixture(t)
	conn := f.start("s1", 1)

	ok, err := f.mgr.Disconnect(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, conn.Closed())
	assert.Equal(t, []string{"s1"}, f.engine.Purged())

	_, err = f.store.GetSession("s1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// a late event for the deleted session is dropped
	conn.Emit(client.QR{Code: "late"})
	assert.Empty(t, f.pub.named(EventQR))

	statuses := f.pub.named(EventSessionStatus)
	assert.Equal(t, StatusPayload{SessionID: "s1", Status: store.StatusDisconnected}, statuses[len(statuses)-1])
}

func TestDisconnectKeepsMessages(t *testing.T) {
	f := newFixture(t)
	conn := f.start("s1", 1)
	conn.Emit(client.Ready{Info: client.AccountInfo{Phone: "111"}})
	conn.Emit(client.Message{From: "222", Body: "keep me"})

	_, err := f.mgr.Disconnect(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, f.store.ListMessages("s1", 0), 1)
}

func TestDisconnectUnknownSession(t *testing.T) {
	f := newFixture(t)
	ok, err := f.mgr.Disconnect(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, f.pub.named(EventSessionStatus))
}

func TestDeletedIDCannotBeReinitialized(t *testing.T) {
	f := newFixture(t)
	f.start("s1", 1)
	_, err := f.mgr.Disconnect(context.Background(), "s1")
	require.NoError(t, err)

	err = f.mgr.Init(context.Background(), "s1", "")
	assert.ErrorIs(t, err, store.ErrSessionExists)
	assert.Len(t, f.pub.named(EventSessionError), 1)
}

func TestCreateRejectsExistingSession(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	created, exists := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.mgr.Create(context.Background(), "s1", "Sales")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, store.ErrSessionExists):
				exists++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 7, exists)
	assert.Len(t, f.engine.Conns("s1"), 1)

	// Init on the same id stays a no-op
	require.NoError(t, f.mgr.Init(context.Background(), "s1", ""))
}

func TestDisconnectWaitsForReadyInProgress(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, func(o *Options) {
		rec := o.Publisher
		o.Publisher = PublisherFunc(func(event string, payload any) {
			rec.Publish(event, payload)
			if event == EventSessionReady {
				close(entered)
				<-release
			}
		})
	})
	conn := f.start("s1", 1)

	go conn.Emit(client.Ready{Info: client.AccountInfo{PushName: "Sales", Phone: "111"}})
	<-entered

	done := make(chan struct{})
	go func() {
		defer close(done)
		ok, err := f.mgr.Disconnect(context.Background(), "s1")
		assert.NoError(t, err)
		assert.True(t, ok)
	}()

	select {
	case <-done:
		t.Fatal("disconnect finished while ready was still being applied")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, store.StatusConnected, f.status("s1"))

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect did not finish")
	}

	_, err := f.store.GetSession("s1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	f.pub.mu.Lock()
	defer f.pub.mu.Unlock()
	readyAt, disconnectedAt := -1, -1
	for i, e := range f.pub.events {
		switch {
		case e.event == EventSessionReady:
			readyAt = i
		case e.event == EventSessionStatus && e.payload.(StatusPayload).Status == store.StatusDisconnected:
			disconnectedAt = i
		}
	}
	require.NotEqual(t, -1, readyAt)
	require.NotEqual(t, -1, disconnectedAt)
	assert.Less(t, readyAt, disconnectedAt)
}

func TestBringUpFailureDisconnects(t *testing.T) {
	f := newFixture(t)
	f.engine.ConnectErr = errors.New("no browser")

	require.NoError(t, f.mgr.Init(context.Background(), "s1", ""))

	assert.Eventually(t, func() bool {
		sess, err := f.store.GetSession("s1")
		return err == nil && sess.Status == store.StatusDisconnected
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(f.pub.named(EventSessionError)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, f.mgr.Tracked())
}

func TestReinitAfterDisconnected(t *testing.T) {
	f := newFixture(t)
	first := f.start("s1", 1)
	first.Emit(client.Disconnected{Reason: "logged out"})

	second := f.start("s1", 2)
	assert.True(t, first.Closed())
	assert.False(t, second.Closed())
	assert.Equal(t, store.StatusConnecting, f.status("s1"))

	// the old connection no longer drives the session
	first.Emit(client.Ready{})
	assert.Equal(t, store.StatusConnecting, f.status("s1"))
}

func TestPairingTimeout(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.PairingTimeout = 30 * time.Millisecond })
	conn := f.start("s1", 1)
	conn.Emit(client.QR{Code: "qr"})

	assert.Eventually(t, func() bool { return f.status("s1") == store.StatusDisconnected }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, conn.Closed, time.Second, 5*time.Millisecond)
	assert.Len(t, f.pub.named(EventSessionError), 1)
}

func TestPairingTimeoutStopsOnAuthentication(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.PairingTimeout = 30 * time.Millisecond })
	conn := f.start("s1", 1)
	conn.Emit(client.Authenticated{})

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, store.StatusConnected, f.status("s1"))
	assert.Equal(t, 1, f.mgr.Tracked())
}

func TestPanicIsIsolatedPerSession(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.QRImage = func(code string) (string, error) {
			if code == "boom" {
				panic("renderer crashed")
			}
			return "data:image/png;base64,", nil
		}
	})
	bad := f.start("s1", 1)
	good := f.start("s2", 1)

	bad.Emit(client.QR{Code: "boom"})
	good.Emit(client.QR{Code: "fine"})

	errs := f.pub.named(EventSessionError)
	require.Len(t, errs, 1)
	assert.Equal(t, "s1", errs[0].(ErrorPayload).SessionID)

	qrs := f.pub.named(EventQR)
	require.Len(t, qrs, 1)
	assert.Equal(t, QRPayload{SessionID: "s2", QR: "fine", QRImage: "data:image/png;base64,"}, qrs[0])
}

func TestStatusReports(t *testing.T) {
	f := newFixture(t)
	conn := f.start("s1", 1)
	conn.Emit(client.Ready{})
	f.start("s2", 1)

	f.mgr.ReportStatus("s1")
	f.mgr.ReportStatus("missing")
	f.mgr.ReportAllStatuses()

	statuses := f.pub.named(EventSessionStatus)
	assert.Contains(t, statuses, StatusPayload{SessionID: "s1", Status: store.StatusConnected})
	assert.Contains(t, statuses, StatusPayload{SessionID: "missing", Status: store.StatusDisconnected})
	assert.Equal(t, []any{AllStatusesPayload{"s1": store.StatusConnected, "s2": store.StatusConnecting}}, f.pub.named(EventAllSessionStatuses))
}

func TestShutdownDestroysAllClients(t *testing.T) {
	f := newFixture(t)
	c1 := f.start("s1", 1)
	c2 := f.start("s2", 1)

	require.NoError(t, f.mgr.Shutdown(context.Background()))
	assert.True(t, c1.Closed())
	assert.True(t, c2.Closed())
	assert.Zero(t, f.mgr.Tracked())

	// records survive a shutdown
	assert.Len(t, f.store.ListSessions(), 2)
}
