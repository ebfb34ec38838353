package waitlist

import "errors"

// errInconsistent marks a create that conflicted but whose reload found no
// entry. It is the only retryable join failure.
var errInconsistent = errors.New("entry conflicted but could not be reloaded")
