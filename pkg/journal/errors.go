package journal

import "errors"

// ErrEventNotFound is returned by EventTimestamp/LoadEvent when no envelope
// matches the requested (pid, seq_nr).
var ErrEventNotFound = errors.New("journal: event not found")
