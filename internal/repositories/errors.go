package repositories

import "errors"

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned on a unique-constraint violation, e.g. a duplicate
// job local base path or a duplicate server slug.
var ErrConflict = errors.New("record already exists")
