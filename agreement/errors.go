package agreement

import "errors"

// Every transition failure wraps exactly one of these. The operation is
// aborted and nothing it did is committed.
var (
	// ErrNotAuthorized: missing or invalid proof, or a restricted operation
	// attempted by someone other than the required party.
	ErrNotAuthorized = errors.New("agreement: not authorized")
	// ErrInvalidArgument: malformed input or a rent amount mismatch.
	ErrInvalidArgument = errors.New("agreement: invalid argument")
	// ErrNotFound: no record exists for the referenced id.
	ErrNotFound = errors.New("agreement: not found")
	// ErrInvalidState: the record's state forbids the transition.
	ErrInvalidState = errors.New("agreement: invalid state")
	// ErrTransferFailed: the transfer gateway rejected the movement.
	ErrTransferFailed = errors.New("agreement: transfer failed")
)

// Outcome labels an operation result for logs and metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	default:
		return "error"
	}
}
