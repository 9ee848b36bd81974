package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotReady is returned by Send before the client reported Ready
	ErrNotReady = errors.New("client is not ready")
	// ErrClosed is returned by Send after Destroy
	ErrClosed = errors.New("client is destroyed")
	// ErrInvalidSession is returned by New for an empty session ID
	ErrInvalidSession = errors.New("invalid session id")
)

// Client wraps exactly one engine connection bound to one session ID
type Client struct {
	ID string

	engine   Engine
	observer Observer
	logger   *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	bringUp *Task

	// Mutex for protecting client state
	mu               sync.Mutex
	conn             Conn
	ready            bool
	closed           bool
	lastActivityTime time.Time

	destroyOnce sync.Once
	destroyErr  error
}

// New creates a client and starts the engine bring-up in the background. It
// never blocks on the engine.
func New(id string, engine Engine, observer Observer, logger *zap.Logger) (*Client, error) {
	if id == "" {
		return nil, ErrInvalidSession
	}
	if engine == nil || observer == nil {
		return nil, errors.New("client: engine and observer are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		ID:               id,
		engine:           engine,
		observer:         observer,
		logger:           logger.With(zap.String("session_id", id)),
		ctx:              ctx,
		cancel:           cancel,
		lastActivityTime: time.Now(),
	}
	c.bringUp = runTask(c.connect)
	return c, nil
}

func (c *Client) connect() error {
	conn, err := c.engine.Connect(c.ctx, c.ID, c.emit)
	if err != nil {
		c.logger.Warn("engine bring-up failed", zap.Error(err))
		c.emit(Disconnected{Reason: "bring-up failed", Err: err})
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		// Destroy won the race; nobody else will close this connection.
		if cerr := conn.Close(); cerr != nil {
			c.logger.Warn("closing late connection failed", zap.Error(cerr))
		}
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Debug("engine bring-up started")
	return nil
}

// emit forwards an engine event to the observer unless the client is destroyed
func (c *Client) emit(evt Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Debug("dropping event after destroy", zap.String("event", EventName(evt)))
		return
	}
	switch evt.(type) {
	case Ready:
		c.ready = true
	case Disconnected:
		c.ready = false
	}
	c.lastActivityTime = time.Now()
	c.mu.Unlock()

	c.observer.OnEvent(c.ID, evt)
}

// BringUp returns the future of the engine bring-up step
func (c *Client) BringUp() *Task {
	return c.bringUp
}

// IsReady returns whether the client can send messages
func (c *Client) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready && !c.closed
}

// IsClosed returns whether Destroy has been called
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastActivity returns the time of the last event or operation
func (c *Client) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivityTime
}

// Send delivers a message. It fails fast when the client is not ready.
func (c *Client) Send(ctx context.Context, msg Outgoing) (string, error) {
	c.mu.Lock()
	closed, ready := c.closed, c.ready
	c.lastActivityTime = time.Now()
	c.mu.Unlock()

	switch {
	case closed:
		return "", ErrClosed
	case !ready:
		return "", ErrNotReady
	}

	// engines may report Ready before Connect has handed back the connection
	if err := c.bringUp.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return "", ErrNotReady
	}

	id, err := conn.Send(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return id, nil
}

// Destroy stops the client and releases the engine connection. It is
// idempotent and safe to call while the bring-up is still running.
func (c *Client) Destroy(ctx context.Context) error {
	c.destroyOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.ready = false
		c.mu.Unlock()

		c.cancel()

		select {
		case <-c.bringUp.Done():
		case <-ctx.Done():
			// connect closes the connection itself once the engine returns
			c.destroyErr = fmt.Errorf("destroy %s: bring-up still running: %w", c.ID, ctx.Err())
			return
		}

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()

		if conn != nil {
			if err := conn.Close(); err != nil {
				c.destroyErr = fmt.Errorf("close connection for %s: %w", c.ID, err)
			}
		}
		c.logger.Debug("client destroyed")
	})
	return c.destroyErr
}
