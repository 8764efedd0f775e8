package client

import "errors"

var (
	// ErrServerUnavailable means the server could not be reached or stopped
	// answering; the attempt may be retried.
	ErrServerUnavailable = errors.New("server unavailable")

	// ErrNotConnected is returned by operations invoked before Connect or
	// after the connection is gone.
	ErrNotConnected = errors.New("not connected")
)

// AuthError reports rejected credentials, a duplicate login or an
// unregistered account. Retrying with the same credentials is pointless.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Reason
}

// DeliveryError reports that the server refused to relay a message,
// typically because the recipient is offline.
type DeliveryError struct {
	Recipient string
	Reason    string
}

func (e *DeliveryError) Error() string {
	return "delivery to " + e.Recipient + " failed: " + e.Reason
}

// IsRetryable reports whether an error is connection-level, so automated
// reconnection makes sense. Authentication and delivery failures are not
// retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServerUnavailable)
}
