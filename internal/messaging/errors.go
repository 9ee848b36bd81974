package messaging

import (
	"errors"
	"net/http"

	"github.com/neekaru/whatsapp-dashboard/internal/lifecycle"
	"github.com/neekaru/whatsapp-dashboard/internal/media"
)

// sendStatus maps a send failure to the HTTP status reported to the caller
func sendStatus(err error) int {
	switch {
	case errors.Is(err, media.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, media.ErrUnsupportedType):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrSendFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
