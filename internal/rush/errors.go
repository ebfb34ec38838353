package rush

import "errors"

var (
	// ErrUnhealthy is returned when the service health check fails.
	ErrUnhealthy = errors.New("service unhealthy")
	// ErrDropNotListed is returned when the drop is not among the active drops.
	ErrDropNotListed = errors.New("drop not listed")
	// ErrVerification is returned when the rush outcome breaks an admission invariant.
	ErrVerification = errors.New("verification failed")
	// ErrUnexpectedStatus is returned for a response the runner cannot classify.
	ErrUnexpectedStatus = errors.New("unexpected status")
)
