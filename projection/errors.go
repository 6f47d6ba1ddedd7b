package projection

import "errors"

// ErrConsistency signals a ProjectionId collision detected via an offset
// store version mismatch (spec §7): "The runtime MUST surface this; it
// cannot recover safely." Callers should treat this as fatal, not retry
// locally.
var ErrConsistency = errors.New("projection: offset version conflict, possible ProjectionId collision")
