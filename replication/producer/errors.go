package producer

import "errors"

var (
	// ErrUnknownStream is returned (as a gRPC InvalidArgument) when Init names
	// a stream_id with no configured entity type.
	ErrUnknownStream = errors.New("producer: unknown stream_id")
	// ErrInvalidSliceRange is returned when Init's slice_min/slice_max fall
	// outside [0, envelope.SliceCount) or are inverted.
	ErrInvalidSliceRange = errors.New("producer: invalid slice range")
)
