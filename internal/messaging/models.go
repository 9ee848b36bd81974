package messaging

// SendMessageRequest represents a request to send a message. It binds from
// multipart forms and JSON bodies alike; media is only accepted as a form file.
type SendMessageRequest struct {
	SessionID string `form:"sessionId" json:"sessionId"`
	To        string `form:"to" json:"to"`
	Message   string `form:"message" json:"message"`
}

// SendMessageResponse is returned after a successful send
type SendMessageResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
	// ID is the stored message record
	ID        int64  `json:"id"`
	Timestamp string `json:"timestamp"`
}
