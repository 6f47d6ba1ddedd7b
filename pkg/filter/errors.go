package filter

import "errors"

var (
	// ErrTooManyCriteria is returned by Add once the per-stream_id criteria
	// set reaches its bound (spec §5).
	ErrTooManyCriteria = errors.New("filter: criteria set is full")
	// ErrEmptyPattern is returned when a Regex criterion carries no pattern.
	ErrEmptyPattern = errors.New("filter: regex criterion has no pattern")
)
