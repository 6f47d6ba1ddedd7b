package typeregistry

import "errors"

// ErrUnknownType is returned by Require for a type_url that was never
// registered.
var ErrUnknownType = errors.New("typeregistry: unknown payload type")
