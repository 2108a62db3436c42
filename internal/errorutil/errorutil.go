package errorutil

import "errors"

// ErrDataIntegrity is a base error type to use for failures that are due to
// unrecoverable data integrity issues, such as corrupt snapshots or traces
// referencing unknown methods.
var ErrDataIntegrity = errors.New("data integrity error")
