package backend

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	// ErrNetwork covers transport failures and non-success statuses.
	ErrNetwork = errors.New("backend request failed")
	// ErrAuthExpired is a 401 on a request that carried a credential.
	ErrAuthExpired = errors.New("backend rejected credential")
	// ErrMalformed is a response body that does not have the expected shape.
	ErrMalformed = errors.New("malformed backend response")
)

// Error describes one failed backend call.
type Error struct {
	Op     string
	Status int
	Kind   error
	Err    error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.Error()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
