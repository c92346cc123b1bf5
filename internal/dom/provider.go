package dom

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrElementNotFound is routine: a bubble without a caption, a chat row
// without a badge. Callers skip, they do not log it as a failure.
var ErrElementNotFound = errors.New("element not found")

// Handle is an opaque reference to a rendered element owned by a Provider.
type Handle any

// Provider is the UI automation surface the sync engine consumes. Selectors
// starting with "/", "./" or "(" are XPath, everything else is CSS.
type Provider interface {
	CurrentLocation(ctx context.Context) (string, error)
	Navigate(ctx context.Context, url string) error
	// FindOne waits up to timeout for the selector to match.
	FindOne(ctx context.Context, selector string, timeout time.Duration) (Handle, error)
	FindAll(ctx context.Context, selector string) ([]Handle, error)
	// FindIn and FindAllIn search below root without waiting.
	FindIn(ctx context.Context, root Handle, selector string) (Handle, error)
	FindAllIn(ctx context.Context, root Handle, selector string) ([]Handle, error)
	// Attribute returns ok=false when the attribute is absent.
	Attribute(ctx context.Context, h Handle, name string) (value string, ok bool, err error)
	Text(ctx context.Context, h Handle) (string, error)
	InnerHTML(ctx context.Context, h Handle) (string, error)
	Click(ctx context.Context, h Handle) error
	TypeText(ctx context.Context, h Handle, text string) error
	PressEnter(ctx context.Context, h Handle) error
	Screenshot(ctx context.Context) ([]byte, error)
}

// IsXPath reports whether a selector should be evaluated as XPath.
func IsXPath(selector string) bool {
	return strings.HasPrefix(selector, "/") ||
		strings.HasPrefix(selector, "./") ||
		strings.HasPrefix(selector, "(")
}

// TransientError wraps a navigation or automation failure in the middle of
// an operation. The run loop abandons the cycle and retries.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("dom provider %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err unless it is nil or already routine.
func Transient(op string, err error) error {
	if err == nil || errors.Is(err, ErrElementNotFound) {
		return err
	}
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}
