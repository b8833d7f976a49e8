package storage

import "errors"

var (
	// ErrPositionNotFound is returned when an id is not among the open positions
	ErrPositionNotFound = errors.New("position not found")
	// ErrDuplicatePosition is returned when an id is already open or in history
	ErrDuplicatePosition = errors.New("duplicate position id")
)
