package storage

import "errors"

// Sentinel errors mapped to HTTP statuses at the boundary.
var (
	ErrNotFound   = errors.New("storage: not found")
	ErrConflict   = errors.New("storage: already exists")
	ErrBadRequest = errors.New("storage: bad request")
)
