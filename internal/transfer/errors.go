package transfer

import "fmt"

// ValidationError represents a malformed transfer request: missing owner,
// relative or empty remote path, bad descriptor fields.
type ValidationError struct {
	Field  string // Name of the field that failed validation
	Reason string // Human-readable explanation of why the request is invalid
	Err    error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid transfer request field %q: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NetworkError represents network failures and remote API errors including 5xx
// responses, connection timeouts, and truncated bodies. StatusCode is 0 when no
// HTTP response was received, which marks the failure as a connectivity problem
// rather than a server decision.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "fetch_file")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	APIMessage string // Error message from the API or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}
	return fmt.Sprintf("network error during %s: %s", e.Operation, e.APIMessage)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NotFoundError represents a remote file that no longer exists at the
// requested path (404 or equivalent).
type NotFoundError struct {
	RemotePath string // The remote path that could not be resolved
	Err        error  // Underlying error, if any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("remote file not found: %s", e.RemotePath)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents authentication and authorization failures
// including 401 Unauthorized and 403 Forbidden responses. A transfer failing
// with this error needs a credential refresh before it can be retried.
type AuthenticationError struct {
	Operation string // The operation that required authentication
	Err       error  // Underlying error, if any
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}
