package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally
// wrapped) so services can translate them into domain errors.
//
//   - ErrNotFound: contact does not exist in the store
//   - ErrInvalidState: a stored row violates the link model
//   - ErrUnavailable: the backing store or cache cannot be reached
//   - ErrInvalidInput: the store rejected a value it cannot represent
//
// For validation errors (bad input, missing fields), use pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
	ErrInvalidInput = errors.New("invalid input")
)
