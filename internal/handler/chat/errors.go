package chat

import (
	"errors"
	"net/http"

	"github.com/zhouzirui/dyno-tavern/backend/internal/service/ai"
	chatService "github.com/zhouzirui/dyno-tavern/backend/internal/service/chat"
	"github.com/zhouzirui/dyno-tavern/backend/internal/service/ingest"
	"github.com/zhouzirui/dyno-tavern/backend/internal/service/memory"
)

// StatusFor maps service errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, chatService.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, chatService.ErrPersonaNotFound),
		errors.Is(err, chatService.ErrPersonaRequired),
		errors.Is(err, chatService.ErrInvalidWindow),
		errors.Is(err, chatService.ErrEmptyMessage),
		errors.Is(err, ingest.ErrEmptyDocument):
		return http.StatusBadRequest
	case errors.Is(err, ingest.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, chatService.ErrBusy),
		errors.Is(err, chatService.ErrSwitchNotAllowed),
		errors.Is(err, ai.ErrCanceled):
		return http.StatusConflict
	case errors.Is(err, ai.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ai.ErrGenerationTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ai.ErrStreamInterrupted), memory.IsStorageError(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorKind is the stable machine-readable name of an error for clients.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ai.ErrServiceUnavailable):
		return "service_unavailable"
	case errors.Is(err, ai.ErrStreamInterrupted):
		return "stream_interrupted"
	case errors.Is(err, ai.ErrGenerationTimeout):
		return "generation_timeout"
	case errors.Is(err, ai.ErrCanceled):
		return "canceled"
	case errors.Is(err, chatService.ErrBusy):
		return "busy"
	case memory.IsStorageError(err):
		return "storage"
	case errors.Is(err, chatService.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ingest.ErrUnsupportedFormat):
		return "unsupported_document"
	case errors.Is(err, ingest.ErrEmptyDocument):
		return "empty_document"
	default:
		return "internal"
	}
}
