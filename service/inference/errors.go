package inference

import (
	"context"
	"errors"
	"fmt"
	"net"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindNetworkFailure
	KindTimeout
	KindServerError
	KindClientError
	KindMalformedResponse
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindNetworkFailure:
		return "NetworkFailure"
	case KindTimeout:
		return "Timeout"
	case KindServerError:
		return "ServerError"
	case KindClientError:
		return "ClientError"
	case KindMalformedResponse:
		return "MalformedResponse"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Retryable reports whether another attempt may succeed.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetworkFailure, KindTimeout, KindServerError:
		return true
	default:
		return false
	}
}

type Error struct {
	Kind       Kind
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Body != "" {
		msg = fmt.Sprintf("%s | %s", msg, e.Body)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the failure kind of err. Bare context errors are mapped to
// Timeout and Cancelled; anything else unclassified is a network failure.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var ierr *Error
	if errors.As(err, &ierr) {
		return ierr.Kind
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return KindTimeout
	}

	return KindNetworkFailure
}

// classifyTransport wraps an error returned while talking to the endpoint.
// The context is consulted first: a client that gave up must not be reported
// as a network failure.
func classifyTransport(ctx context.Context, err error) *Error {
	if cerr := ctx.Err(); cerr != nil {
		if errors.Is(cerr, context.DeadlineExceeded) {
			return NewError(KindTimeout, err)
		}
		return NewError(KindCancelled, err)
	}
	return NewError(KindOf(err), err)
}
