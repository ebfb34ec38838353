package lock

import "errors"

// Sentinel kinds for lock errors.
var (
	ErrLockNotHeld = errors.New("lock not held")
)
