package relay

import "errors"

// Sentinel errors for the relay domain.
var (
	// ErrNotFound and ErrConflict surface from the store.
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")

	// ErrAuth marks an account-level credential failure that is not worth
	// retrying on the same account (refresh endpoint returned 4xx).
	ErrAuth = errors.New("auth failed")

	// ErrTransientAuth marks a refresh failure that another account may
	// not share (network error, refresh endpoint 5xx).
	ErrTransientAuth = errors.New("auth transient failure")

	// ErrRateLimited marks an upstream 429 (or equivalent status tag).
	ErrRateLimited = errors.New("rate limited")

	// ErrUpstream wraps an upstream failure once no candidates remain.
	ErrUpstream = errors.New("upstream error")

	// ErrNoAccounts means selection produced an empty candidate list.
	ErrNoAccounts = errors.New("no eligible accounts")

	// ErrBadRequest marks client input the proxy itself rejects.
	ErrBadRequest = errors.New("bad request")

	// ErrMigration marks a schema migration failure at startup.
	ErrMigration = errors.New("migration failed")
)
