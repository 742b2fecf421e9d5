package buildrun

import "errors"

// Errors returned by the Manager. Callers match them with errors.Is; the
// wrapped message carries the detail.
var (
	// ErrInvalidInput rejects a run request: missing fields, duplicate or
	// unknown ticket ids, or a dependency cycle.
	ErrInvalidInput = errors.New("invalid run input")

	// ErrProviderUnavailable means the run's sandbox is not registered or
	// stopped answering. It fails the whole run.
	ErrProviderUnavailable = errors.New("sandbox provider unavailable")

	// ErrHealableFailure is a step failure the healer could address but
	// retries ran out.
	ErrHealableFailure = errors.New("healable step failure")

	// ErrUnhealableFailure is a step failure no remediation applies to.
	ErrUnhealableFailure = errors.New("unhealable step failure")

	ErrRunNotFound          = errors.New("run not found")
	ErrSandboxBusy          = errors.New("sandbox is in use by another run")
	ErrIllegalMove          = errors.New("illegal ticket move")
	ErrConfirmationRequired = errors.New("move requires confirmation")
	ErrTicketInFlight       = errors.New("ticket is being worked on")
)
