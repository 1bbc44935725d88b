package driven

import (
	"errors"
	"fmt"
)

// ErrEncryptionKeyNotSet is returned by credential store operations when no
// encryption key was configured. Token values are never stored in plaintext.
var ErrEncryptionKeyNotSet = errors.New("credential encryption key not set")

// ErrNoRefreshToken indicates no active refresh token exists for the person.
// Fatal until an operator re-enrolls the person.
var ErrNoRefreshToken = errors.New("no active refresh token for person")

// ErrRefreshTokenFormat indicates the refresh token value is missing or
// implausibly short. A caller error; never retried.
var ErrRefreshTokenFormat = errors.New("refresh token value is malformed")

// ErrAuthenticationFailed indicates a resource call got a second 401 after
// one refresh-and-retry cycle. No further automatic retries are attempted.
var ErrAuthenticationFailed = errors.New("authentication failed after token refresh")

// ErrSymbolNotFound indicates the brokerage has no instrument for the symbol.
var ErrSymbolNotFound = errors.New("symbol not found")

// UpstreamAuthError is returned when the upstream OAuth endpoint rejects a
// refresh. Status 400 or 401 means the refresh token itself is dead and the
// person must be re-enrolled, as opposed to a transient upstream problem.
type UpstreamAuthError struct {
	Status int
	Body   string
}

func (e *UpstreamAuthError) Error() string {
	return fmt.Sprintf("upstream rejected token refresh (status %d): %s", e.Status, e.Body)
}

// TokenInvalid reports whether the rejection means the refresh token is dead
// rather than the upstream being unwell.
func (e *UpstreamAuthError) TokenInvalid() bool {
	return e.Status == 400 || e.Status == 401
}

// UpstreamUnavailableError wraps network failures and 5xx responses from the
// brokerage. The gateway never retries these; retry policy belongs to the
// caller so backpressure stays visible.
type UpstreamUnavailableError struct {
	Operation string
	Err       error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("upstream unavailable during %s: %v", e.Operation, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error {
	return e.Err
}
