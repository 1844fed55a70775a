package wire

import "github.com/pkg/errors"

// Error taxonomy from spec.md §7. Sentinel values so callers can tell
// a malformed frame (logged and dropped) from a programmer error
// (connection closed).
var (
	ErrMalformedPayload = errors.New("wire: malformed payload")
	ErrPayloadTooLarge  = errors.New("wire: payload too large")
	ErrTooManyFDs       = errors.New("wire: too many file descriptors")
)
