package dispatch

import "errors"

var (
	// ErrToolNotFound means the name is not in the catalog.
	ErrToolNotFound = errors.New("tool not found")
	// ErrArgCount means the argument count differs from the declared parameter count.
	ErrArgCount = errors.New("argument count mismatch")
	// ErrMalformedCall means a string-encoded call could not be parsed.
	ErrMalformedCall = errors.New("malformed call expression")
	// ErrInvalidArguments means the bound payload failed schema validation.
	ErrInvalidArguments = errors.New("arguments rejected by schema")
	// ErrTransport means spawning, handshaking or exchanging with the server failed.
	ErrTransport = errors.New("tool transport failure")
)

// Error is a dispatch failure attributed to one tool.
type Error struct {
	Tool string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}
