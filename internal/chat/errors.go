package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrParseFailure marks a malformed timestamp/author label.
	ErrParseFailure = errors.New("malformed message label")
	// ErrUnrecognizedDateFormat marks a timestamp no known layout accepts.
	ErrUnrecognizedDateFormat = errors.New("unrecognized date format")
)

// ParseError describes why a single bubble could not become a Message.
type ParseError struct {
	Label string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error %q: %v", e.Label, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
