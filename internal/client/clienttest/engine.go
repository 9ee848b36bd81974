// Package clienttest provides an in-memory client.Engine for tests.
package clienttest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/neekaru/whatsapp-dashboard/internal/client"
)

// Engine records every connection it brings up. The zero value is usable.
type Engine struct {
	// ConnectErr makes every Connect call fail
	ConnectErr error
	// Block makes Connect wait until it is closed or ctx is cancelled
	Block chan struct{}

	mu     sync.Mutex
	conns  map[string][]*Conn
	purged []string
	notify chan struct{}
}

// Connect implements client.Engine
func (e *Engine) Connect(ctx context.Context, sessionID string, emit func(client.Event)) (client.Conn, error) {
	if e.Block != nil {
		select {
		case <-e.Block:
		case <-ctx.Done():
			// mimic an engine that ignores cancellation and returns late
		}
	}
	if e.ConnectErr != nil {
		return nil, e.ConnectErr
	}

	conn := &Conn{sessionID: sessionID, emit: emit}
	e.mu.Lock()
	if e.conns == nil {
		e.conns = make(map[string][]*Conn)
	}
	e.conns[sessionID] = append(e.conns[sessionID], conn)
	if e.notify != nil {
		close(e.notify)
		e.notify = nil
	}
	e.mu.Unlock()
	return conn, nil
}

// Purge records a purge request
func (e *Engine) Purge(sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.purged = append(e.purged, sessionID)
	return nil
}

// Purged returns the sessions purged so far
func (e *Engine) Purged() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.purged...)
}

// Conns returns every connection brought up for a session
func (e *Engine) Conns(sessionID string) []*Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Conn(nil), e.conns[sessionID]...)
}

// WaitConn waits for the n-th (1-based) connection of a session
func (e *Engine) WaitConn(sessionID string, n int, timeout time.Duration) (*Conn, error) {
	deadline := time.After(timeout)
	for {
		e.mu.Lock()
		if conns := e.conns[sessionID]; len(conns) >= n {
			e.mu.Unlock()
			return conns[n-1], nil
		}
		if e.notify == nil {
			e.notify = make(chan struct{})
		}
		ch := e.notify
		e.mu.Unlock()

		select {
		case <-ch:
		case <-deadline:
			return nil, errors.New("clienttest: no connection " + strconv.Itoa(n) + " for " + sessionID)
		}
	}
}

// Conn is a fake engine connection driven by the test
type Conn struct {
	sessionID string
	emit      func(client.Event)

	mu      sync.Mutex
	sendErr error
	sent    []client.Outgoing
	closed  bool
}

// Emit reports an engine event for the connection's session
func (c *Conn) Emit(evt client.Event) {
	c.emit(evt)
}

// FailSends makes subsequent sends fail with err
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Send implements client.Conn
func (c *Conn) Send(_ context.Context, msg client.Outgoing) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", errors.New("clienttest: connection closed")
	}
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.sent = append(c.sent, msg)
	return "msg-" + strconv.Itoa(len(c.sent)), nil
}

// Close implements client.Conn
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Sent returns the messages sent so far
func (c *Conn) Sent() []client.Outgoing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]client.Outgoing(nil), c.sent...)
}

// Closed returns whether Close was called
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
