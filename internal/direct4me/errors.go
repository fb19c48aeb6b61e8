package direct4me

import "errors"

// Sentinel errors for Direct4.me API operations. Check them with
// errors.Is; the returned errors carry status codes and vendor messages.
var (
	// ErrNotAuthenticated means no session token is available. It is a
	// precondition failure and is never retried.
	ErrNotAuthenticated = errors.New("direct4me: not authenticated")

	// ErrLoginFailed means SignOn did not return HTTP 200 with Result 0.
	ErrLoginFailed = errors.New("direct4me: login failed")

	// ErrUnexpectedStatus means a request returned a non-200 status.
	ErrUnexpectedStatus = errors.New("direct4me: unexpected status")

	// ErrDecode means a response body did not match the expected schema.
	ErrDecode = errors.New("direct4me: decode response")
)
