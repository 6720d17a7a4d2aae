package acmedns

import "fmt"

// RegistrationError indicates the /register call failed: network error,
// non-2xx status, or an unparseable response body.
type RegistrationError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *RegistrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("acme-dns registration failed: %v", e.Err)
	}
	return fmt.Sprintf("acme-dns registration failed: HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// UpdateError indicates the /update call failed for a reason other than
// rejected credentials.
type UpdateError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *UpdateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("acme-dns TXT update failed: %v", e.Err)
	}
	return fmt.Sprintf("acme-dns TXT update failed: HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *UpdateError) Unwrap() error { return e.Err }

// AuthRejectedError indicates acme-dns rejected the account credentials
// (or the caller's source address fell outside the account's allowfrom
// ranges). Re-registration on this path is a deliberate operator action,
// never an automatic fallback: it would invalidate the published CNAME.
type AuthRejectedError struct {
	StatusCode int
	Body       string
}

func (e *AuthRejectedError) Error() string {
	return fmt.Sprintf("acme-dns rejected credentials: HTTP %d: %s", e.StatusCode, e.Body)
}
