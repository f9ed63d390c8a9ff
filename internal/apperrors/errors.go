// Package apperrors defines the typed error kinds of §7 of SPEC_FULL.md.
// Library code wraps one of these sentinels with fmt.Errorf("...: %w", Err);
// the HTTP layer maps them to status codes via errors.Is.
package apperrors

import "errors"

var (
	// ErrConfig marks a configuration error: missing/invalid config file or
	// required fields. Fatal at startup.
	ErrConfig = errors.New("configuration error")

	// ErrPrecondition marks a precondition violation: wrong vector dimension,
	// malformed request JSON, missing required field. Maps to HTTP 400.
	ErrPrecondition = errors.New("precondition violation")

	// ErrProviderFailure marks an external embedding/generation provider
	// failure: timeout, non-200, malformed response.
	ErrProviderFailure = errors.New("external provider failure")

	// ErrStorageFailure marks a SQL error or ANN index corruption.
	ErrStorageFailure = errors.New("storage failure")

	// ErrNotFound marks a missing source file or chunk during lookup.
	ErrNotFound = errors.New("not found")

	// ErrAuth marks an authentication failure.
	ErrAuth = errors.New("authentication failure")
)

// Is reports whether err (or anything it wraps) is the given sentinel kind.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}
