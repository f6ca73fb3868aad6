package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
)

// Kind classifies why a relay request did not produce a message ID.
type Kind int

const (
	// KindAuthentication means the caller's shared secret was missing or wrong.
	KindAuthentication Kind = iota + 1
	// KindValidation means the request body was malformed or incomplete.
	KindValidation
	// KindRelay means the SMTP server or the network failed the send.
	KindRelay
	// KindTimeout is a KindRelay failure caused by a deadline.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindValidation:
		return "validation"
	case KindRelay:
		return "relay"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// fallbackMessage is reported when a transport error has no description.
const fallbackMessage = "Failed to send email"

// Error is the rejected outcome of a relay request.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode maps kind to an HTTP status. Without strict, every non-auth
// failure is a 500; with strict, validation, relay and timeout failures map
// to 400, 502 and 504.
func StatusCode(kind Kind, strict bool) int {
	switch kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindValidation:
		if strict {
			return http.StatusBadRequest
		}
	case KindRelay:
		if strict {
			return http.StatusBadGateway
		}
	case KindTimeout:
		if strict {
			return http.StatusGatewayTimeout
		}
	}
	return http.StatusInternalServerError
}

func validationError(msg string, err error) *Error {
	return &Error{Kind: KindValidation, Message: msg, Err: err}
}

// relayError wraps a transport failure, keeping its description.
func relayError(err error) *Error {
	msg := err.Error()
	if msg == "" {
		msg = fallbackMessage
	}
	kind := KindRelay
	if isTimeout(err) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
