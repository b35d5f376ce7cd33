package campaign

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("campaign not found")
	ErrAccessDenied = errors.New("access denied")
	ErrNoAccounts   = errors.New("no active accounts available")
	ErrNoTargets    = errors.New("no targets available")
	ErrInvalid      = errors.New("invalid campaign request")
	ErrClosed       = errors.New("orchestrator is shut down")

	// ErrLockLost ends a worker whose account lock was taken over.
	ErrLockLost = errors.New("account lock lost: another operation took over this session")
)

// QuotaError rejects a submission that exceeds the owner's plan.
type QuotaError struct {
	Action    string
	Remaining int
	Message   string
}

func (e *QuotaError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("quota exceeded for %s", e.Action)
}

// IsRequestError reports whether err is a caller error from Submit.
func IsRequestError(err error) bool {
	var qe *QuotaError
	return errors.Is(err, ErrInvalid) || errors.Is(err, ErrNoAccounts) ||
		errors.Is(err, ErrNoTargets) || errors.As(err, &qe)
}
