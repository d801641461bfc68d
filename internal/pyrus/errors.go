package pyrus

import (
	"errors"
	"fmt"
)

// ErrAccessDenied marks an HTTP 403 or an explicit access_denied_task reply.
// Access revocation is permanent for a task, so this kind is never retried.
var ErrAccessDenied = errors.New("task access denied")

// APIError is a semantic failure reported by Pyrus or detected while
// interpreting its reply: a missing token, a task without a responsible,
// an empty manager lookup.
type APIError struct {
	Message string
}

func (e *APIError) Error() string { return e.Message }

func apiErrorf(format string, args ...any) error {
	return &APIError{Message: fmt.Sprintf(format, args...)}
}

// ProtocolError marks a reply that was not JSON or lacked the expected shape.
type ProtocolError struct {
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TransportError wraps network-level failures: timeouts, connection resets,
// DNS errors.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// Kind buckets an error for retry decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindProtocol
	KindAPI
	KindAccessDenied
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindAPI:
		return "api"
	case KindAccessDenied:
		return "access_denied"
	default:
		return "unknown"
	}
}

// Classify maps an error to its failure kind. Access denial wins over the
// wrapper types so a denied task is never mistaken for a retryable failure.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, ErrAccessDenied) {
		return KindAccessDenied
	}
	var (
		transportErr *TransportError
		protocolErr  *ProtocolError
		apiErr       *APIError
	)
	switch {
	case errors.As(err, &transportErr):
		return KindTransport
	case errors.As(err, &protocolErr):
		return KindProtocol
	case errors.As(err, &apiErr):
		return KindAPI
	default:
		return KindUnknown
	}
}
