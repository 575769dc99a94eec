package chzzkapi

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNoCookies is returned by calls that need the bot account cookies.
	ErrNoCookies = errors.New("chzzk cookies not configured")
	// ErrNotLoggedIn means the cookies were accepted but no longer carry a login.
	ErrNotLoggedIn = errors.New("chzzk session not logged in")
)

// TransientError wraps any failed API call: timeouts, transport failures,
// non-2xx responses and malformed bodies. The caller decides when to retry.
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("chzzk %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("chzzk %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err came out of an API call.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsUnauthorized reports 401/403 responses and lost logins.
func IsUnauthorized(err error) bool {
	if errors.Is(err, ErrNotLoggedIn) || errors.Is(err, ErrNoCookies) {
		return true
	}
	var te *TransientError
	if errors.As(err, &te) {
		return te.StatusCode == http.StatusUnauthorized || te.StatusCode == http.StatusForbidden
	}
	return false
}
