package chat

import "errors"

var (
	// ErrCredentialRejected means the server refused the handshake. A fresh
	// token will not help if the cause is the account itself.
	ErrCredentialRejected = errors.New("chat: credential rejected")
	// ErrConnectionTerminated covers dial failures, server closes, transport
	// errors and read timeouts.
	ErrConnectionTerminated = errors.New("chat: connection terminated")
	// ErrSessionClosed is the termination reason after an explicit Close.
	ErrSessionClosed = errors.New("chat: session closed")
	// ErrNotReady is returned when posting on a connection that has not been
	// acknowledged yet.
	ErrNotReady = errors.New("chat: connection not ready")
)

func terminationReason(err error) string {
	switch {
	case err == nil, errors.Is(err, ErrSessionClosed):
		return "closed"
	case errors.Is(err, ErrCredentialRejected):
		return "rejected"
	default:
		return "terminated"
	}
}
