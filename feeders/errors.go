package feeders

import "errors"

var (
	// ErrInvalidStructure indicates the feed target is not a pointer to
	// a struct.
	ErrInvalidStructure = errors.New("feeders: expected pointer to struct")
	// ErrEmptyPrefix indicates an env feeder was built without a
	// variable prefix.
	ErrEmptyPrefix = errors.New("feeders: env prefix cannot be empty")
	// ErrFieldCannotBeSet indicates a matched struct field is not
	// settable.
	ErrFieldCannotBeSet = errors.New("feeders: field cannot be set")
)
