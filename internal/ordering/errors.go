package ordering

import "errors"

var (
	ErrInvalidScope    = errors.New("invalid scope")
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConflict        = errors.New("concurrent update conflict")

	// Returned by RecordStore implementations.
	ErrRecordNotFound  = errors.New("order record not found")
	ErrRecordExists    = errors.New("order record already exists")
	ErrVersionConflict = errors.New("order record version mismatch")
)
