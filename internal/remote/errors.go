package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrNoRows is returned by Single when no row matches.
	ErrNoRows = errors.New("no rows match")
	// ErrMultipleRows is returned by Single when more than one row matches.
	ErrMultipleRows = errors.New("multiple rows match")
)

// StatusError is returned when the remote store answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned status %d: %s", e.Code, e.Body)
}
