package delivery

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status classifies the result of one Deliver call.
type Status int

const (
	// StatusDelivered means the agent server accepted the message.
	StatusDelivered Status = iota
	// StatusTransient means delivery failed after exhausting in-call
	// retries but may succeed later (network, timeout, 5xx class).
	StatusTransient
	// StatusPermanent means delivery will not succeed on retry
	// (auth, unknown agent, rejected payload).
	StatusPermanent
)

func (s Status) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusTransient:
		return "transient_failure"
	case StatusPermanent:
		return "permanent_failure"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome is the result of one logical delivery, inner retries included.
type Outcome struct {
	Status   Status
	Reason   string
	Attempts int
	// Fallback is set when the streaming transport carried the delivery.
	Fallback bool
}

// Delivered reports whether the message reached the agent server.
func (o Outcome) Delivered() bool { return o.Status == StatusDelivered }

// apiError is a non-2xx response from the agent server.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("agent server returned %d", e.status)
	}
	return fmt.Sprintf("agent server returned %d: %s", e.status, e.body)
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// retryAfterError carries an explicit server-provided retry delay (429).
type retryAfterError struct {
	err   error
	after time.Duration
}

func (e *retryAfterError) Error() string { return e.err.Error() }
func (e *retryAfterError) Unwrap() error { return e.err }

// Signature of the known agent-side serialization defect. When a send fails
// with this text, the same logical delivery usually succeeds over the
// streaming transport.
const (
	malformedToken1 = "'description'"
	malformedToken2 = "ChatMLInnerMonologueWrapper"
)

func isMalformedAgentResponse(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, malformedToken1) && strings.Contains(msg, malformedToken2)
}
