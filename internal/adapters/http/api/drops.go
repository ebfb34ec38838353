package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/okian/dropspot/internal/domain/model"
	"github.com/okian/dropspot/internal/domain/types"
	"github.com/okian/dropspot/pkg/logger"
)

type joinResponse struct {
	Entry   types.Entry `json:"entry"`
	Created bool        `json:"created"`
}

type leaveResponse struct {
	Success bool   `json:"success"`
	State   string `json:"state"`
}

// DropsHandler serves the waitlist and claim routes.
type DropsHandler struct {
	deps     Dependencies
	maxLimit int
	logger   logger.Logger
}

// NewDropsHandler creates a drops handler.
func NewDropsHandler(deps Dependencies, maxLimit int, l logger.Logger) *DropsHandler {
	return &DropsHandler{deps: deps, maxLimit: maxLimit, logger: l}
}

// HandleList handles GET /drops.
func (h *DropsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	drops, err := h.deps.Drops(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, drops)
}

// HandleJoin handles POST /drops/{id}/join.
func (h *DropsHandler) HandleJoin(w http.ResponseWriter, r *http.Request) {
	pid, ok := h.participant(w, r)
	if !ok {
		return
	}
	e, created, err := h.deps.Join(r.Context(), pid, r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, joinResponse{Entry: e, Created: created})
}

// HandleLeave handles POST /drops/{id}/leave. Leaving a drop that was never
// joined succeeds with state "left".
func (h *DropsHandler) HandleLeave(w http.ResponseWriter, r *http.Request) {
	pid, ok := h.participant(w, r)
	if !ok {
		return
	}
	e, err := h.deps.Leave(r.Context(), pid, r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	state := string(model.StateLeft)
	if e != nil {
		state = e.State
	}
	writeJSON(w, http.StatusOK, leaveResponse{Success: true, State: state})
}

// HandleClaim handles POST /drops/{id}/claim.
func (h *DropsHandler) HandleClaim(w http.ResponseWriter, r *http.Request) {
	pid, ok := h.participant(w, r)
	if !ok {
		return
	}
	e, err := h.deps.Claim(r.Context(), pid, r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// HandleEntry handles GET /drops/{id}/entry.
func (h *DropsHandler) HandleEntry(w http.ResponseWriter, r *http.Request) {
	pid, ok := h.participant(w, r)
	if !ok {
		return
	}
	e, err := h.deps.Entry(r.Context(), pid, r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// HandleStandings handles GET /drops/{id}/standings?limit=N. A missing limit
// uses the configured maximum.
func (h *DropsHandler) HandleStandings(w http.ResponseWriter, r *http.Request) {
	n := h.maxLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		switch {
		case err != nil || v < 1:
			h.fail(w, r, fmt.Errorf("%w: limit must be a positive integer", ErrBadRequest))
			return
		case v > h.maxLimit:
			h.fail(w, r, fmt.Errorf("%w: limit exceeds %d", ErrBadRequest, h.maxLimit))
			return
		}
		n = v
	}
	rows, err := h.deps.Standings(r.Context(), r.PathValue("id"), n)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *DropsHandler) participant(w http.ResponseWriter, r *http.Request) (string, bool) {
	pid := strings.TrimSpace(r.Header.Get(ParticipantHeader))
	if pid == "" {
		h.fail(w, r, ErrMissingParticipant)
		return "", false
	}
	return pid, true
}

func (h *DropsHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(r.Context(), "request failed",
			logger.String("path", r.URL.Path),
			logger.String("code", code),
			logger.Error(err),
		)
		if status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "1")
		}
		// Infrastructure details stay in the log.
		err = nil
	}
	writeError(w, status, code, err)
}
