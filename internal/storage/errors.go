package storage

import "errors"

// ErrPathEscape is returned by ResolveBrowsePath when the requested relative
// path resolves outside the root it was joined against.
var ErrPathEscape = errors.New("storage: path escapes root")
