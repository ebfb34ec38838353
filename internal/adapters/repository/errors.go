package repository

import "errors"

// Sentinel kinds for directory errors.
var (
	ErrInvalidResource    = errors.New("invalid resource")
	ErrInvalidParticipant = errors.New("invalid participant")
)
