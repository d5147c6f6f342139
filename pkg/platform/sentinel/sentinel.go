package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and infrastructure layers return
// these (optionally wrapped) so services can translate them into domain results.
//
// - ErrNotFound: key or record does not exist in the store
// - ErrUnavailable: backing service temporarily unavailable
// - ErrInvalidInput: caller supplied a value the store cannot accept
// - ErrInvalidConfig: configuration rejected at startup
var (
	ErrNotFound      = errors.New("not found")
	ErrUnavailable   = errors.New("unavailable")
	ErrInvalidInput  = errors.New("invalid input")
	ErrInvalidConfig = errors.New("invalid configuration")
)
