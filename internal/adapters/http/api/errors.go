package api

import (
	"errors"
	"net/http"

	"github.com/okian/dropspot/internal/domain/model"
)

// Sentinel kinds for API errors.
var (
	ErrBadRequest         = errors.New("bad request")
	ErrMissingParticipant = errors.New("missing " + ParticipantHeader + " header")
	ErrRateLimited        = errors.New("rate limited")
)

// statusFor maps an error to its HTTP status and a stable response code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, ErrMissingParticipant):
		return http.StatusUnauthorized, "missing_participant"
	case errors.Is(err, model.ErrResourceNotFound):
		return http.StatusNotFound, "drop_not_found"
	case errors.Is(err, model.ErrParticipantNotFound):
		return http.StatusNotFound, "participant_not_found"
	case errors.Is(err, model.ErrEntryNotFound):
		return http.StatusNotFound, "entry_not_found"
	case errors.Is(err, model.ErrConflictRetryExhausted):
		return http.StatusServiceUnavailable, model.KindOf(err)
	case errors.Is(err, model.ErrStorage):
		return http.StatusInternalServerError, "internal_error"
	case errors.Is(err, model.ErrAlreadyClaimed), errors.Is(err, model.ErrWindowInactive):
		return http.StatusConflict, model.KindOf(err)
	case errors.Is(err, model.ErrNotEligible), errors.Is(err, model.ErrCapacityExceeded):
		return http.StatusForbidden, model.KindOf(err)
	}
	return http.StatusInternalServerError, "internal_error"
}
