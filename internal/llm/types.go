package llm

import (
	"context"
	"errors"
	"fmt"
	"net"

	"arcanum/internal/models"
)

// Completer is the black-box text-completion service the engines talk
// to. Implementations must report token usage on every successful call.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Request is one completion call. ThreadID ties the call to a session
// for cost attribution; it may be empty for administrative calls.
type Request struct {
	Model     string
	MaxTokens int
	System    string
	Messages  []models.Turn
	ThreadID  string
}

type Response struct {
	Text  string
	Usage models.Usage
}

// APIError is a non-2xx answer from the completion service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("completion api status %d: %s", e.Status, e.Message)
}

// IsTransient reports whether an error is worth retrying: overload and
// server-error classes, plus network timeouts. Malformed responses and
// client errors are not.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case 500, 503, 529:
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
