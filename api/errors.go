// File: api/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "fmt"

// Common errors returned by EventQueue implementations.
var (
	ErrAlreadyWatched = fmt.Errorf("fd is already watched")
	ErrNotWatched     = fmt.Errorf("fd is not watched")
	ErrQueueClosed    = fmt.Errorf("event queue is closed")
)
