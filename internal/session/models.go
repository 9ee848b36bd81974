package session

// CreateSessionRequest represents a request to add a new session
type CreateSessionRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RenameSessionRequest overrides the display name of a session
type RenameSessionRequest struct {
	Name string `json:"name"`
}

// QRResponse carries the pending pairing code of a session
type QRResponse struct {
	SessionID string `json:"sessionId"`
	QR        string `json:"qr"`
	QRCode    string `json:"qrcode"`
}
