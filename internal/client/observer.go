package client

// Observer receives events from a client. The session ID is always the one the
// client was constructed for.
type Observer interface {
	OnEvent(sessionID string, event Event)
}

// ObserverFunc is a function that implements the Observer interface
type ObserverFunc func(sessionID string, event Event)

// OnEvent calls the observer function
func (f ObserverFunc) OnEvent(sessionID string, event Event) {
	f(sessionID, event)
}
