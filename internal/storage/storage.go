// Package storage defines persistence interfaces for the proxy.
package storage

import (
	"context"
	"time"

	relay "github.com/eugener/palantir/internal"
)

// Store is the read-side plus the transaction entry point. The request path
// only ever reads; all mutations are applied by the async writer through
// Batch, except account provisioning and removal which are synchronous admin
// operations.
type Store interface {
	ListAccounts(ctx context.Context) ([]*relay.Account, error)
	GetAccount(ctx context.Context, id string) (*relay.Account, error)
	GetAccountByName(ctx context.Context, name string) (*relay.Account, error)

	QueryUsage(ctx context.Context, f relay.UsageFilter) ([]relay.UsageRecord, error)
	CountUsage(ctx context.Context, f relay.UsageFilter) (int, error)
	GetPayload(ctx context.Context, requestID string) ([]byte, error)

	InsertAccount(ctx context.Context, a *relay.Account) error
	DeleteAccountByName(ctx context.Context, name string) error

	// Batch runs fn inside one write transaction. The transaction commits
	// when fn returns nil and rolls back otherwise.
	Batch(ctx context.Context, fn func(Tx) error) error

	Ping(ctx context.Context) error
	Close() error
}

// Tx is the mutation surface available inside one writer batch.
type Tx interface {
	// UpdateTokens rotates an oauth account's credentials. refresh is
	// applied only when non-empty (the upstream does not always rotate it).
	UpdateTokens(id, access string, expiresAt time.Time, refresh string) error

	MarkRateLimited(id string, resetAt time.Time) error
	// ClearRateLimit removes an expired mark; resetCounter additionally
	// zeroes request_count (counters.reset=on_clear policy).
	ClearRateLimit(id string, resetCounter bool) error
	UpdateRateLimitMeta(id, statusTag string, resetAt *time.Time, remaining *int64) error

	// IncrementUsage adds n to request_count and total_requests. When
	// sessionStart is non-nil the account becomes a fresh session leader:
	// session_start is set and session_request_count restarts at n.
	// Otherwise session_request_count grows by n.
	IncrementUsage(id string, n int64, sessionStart *time.Time) error

	// ResetRequestCounts zeroes request_count on every account
	// (counters.reset=daily policy).
	ResetRequestCounts() error

	SetTier(id string, tier int) error
	SetPaused(id string, paused bool) error
	Rename(id, name string) error
	SetRateLimitOverride(id string, o *relay.RateLimitOverride) error

	InsertUsage(rec relay.UsageRecord) error
	InsertPayload(requestID string, data []byte) error
}
