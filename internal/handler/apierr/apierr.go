// Package apierr maps domain errors onto HTTP responses.
package apierr

import (
	"errors"
	"net/http"

	"github.com/visionagent/backend/internal/config"
	chatsvc "github.com/visionagent/backend/internal/service/chat"
	"github.com/visionagent/backend/internal/service/conversation"
	"github.com/visionagent/backend/internal/service/vision"
	"github.com/visionagent/backend/pkg/logger"
	"github.com/visionagent/backend/pkg/utils"
)

// Status returns the HTTP status for err.
func Status(err error) int {
	var cfgErr *config.Error
	var persistErr *conversation.PersistenceError

	switch {
	case errors.Is(err, chatsvc.ErrSessionNotFound), errors.Is(err, chatsvc.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrBusy), errors.Is(err, conversation.ErrNoActiveSession):
		return http.StatusConflict
	case errors.Is(err, conversation.ErrEmptyMessage),
		errors.Is(err, conversation.ErrEmptyImage),
		errors.Is(err, chatsvc.ErrInvalidMessage),
		errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.Is(err, vision.ErrClassifierDisabled):
		return http.StatusServiceUnavailable
	case errors.As(err, &persistErr):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Respond writes err as a JSON error body. Server errors are logged and
// their detail is not sent to the client.
func Respond(w http.ResponseWriter, log *logger.Logger, err error) {
	status := Status(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		logger.OrDiscard(log).LogError(err, "request failed", "status", status)
		utils.RespondError(w, status, http.StatusText(status))
		return
	}
	utils.RespondError(w, status, err.Error())
}
