package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"remindbot/internal/extractor"
	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

var errForbiddenOwner = errors.New("user_id does not match the authenticated user")

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, extractor.ErrNoIntent):
		return http.StatusUnprocessableEntity
	case errors.Is(err, reminder.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, reminder.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, reminder.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, errForbiddenOwner):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError reports err with its mapped status. Internal errors are logged
// and answered with a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed",
			logx.String("request_id", RequestID(r.Context())),
			logx.String("path", r.URL.Path),
			logx.Err(err),
		)
		writeErrorMessage(w, status, "internal error")
		return
	}
	if errors.Is(err, extractor.ErrNoIntent) {
		writeErrorMessage(w, status, "Could not understand reminder")
		return
	}
	writeErrorMessage(w, status, err.Error())
}
