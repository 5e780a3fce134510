package engine

import "errors"

var (
	// ErrUnavailable is returned when the adapter has no engine wired.
	ErrUnavailable = errors.New("lending: engine unavailable")
	// ErrUnknownReserve is returned for symbols missing from the reserve directory.
	ErrUnknownReserve = errors.New("lending: unknown reserve")
)
