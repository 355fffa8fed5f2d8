// Package relay defines domain types and interfaces for the Palantir proxy.
// This package has no project imports -- it is the dependency root.
package relay

import (
	"context"
	"time"
)

// --- Accounts ---

// AuthType identifies how an account authenticates against the upstream.
type AuthType string

const (
	AuthOAuth  AuthType = "oauth"
	AuthAPIKey AuthType = "api_key"
)

// Valid tier weights. Tier is a selection weight multiplier: over many
// requests a tier-20 account receives roughly 20x the traffic of a tier-1.
var ValidTiers = []int{1, 5, 20}

// IsValidTier reports whether t is one of the enumerated tier weights.
func IsValidTier(t int) bool {
	for _, v := range ValidTiers {
		if t == v {
			return true
		}
	}
	return false
}

// RateLimitOverride is an optional per-account custom limit.
type RateLimitOverride struct {
	Limit         int `json:"limit"`
	WindowMinutes int `json:"window_minutes"`
}

// Account is one authenticated principal against the upstream API.
//
// Exactly one of AccessToken/APIKey is populated per AuthType; ExpiresAt is
// non-nil iff AuthType is oauth. Name is unique across accounts.
type Account struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Provider string   `json:"provider"`
	Tier     int      `json:"tier"`
	AuthType AuthType `json:"auth_type"`

	RefreshToken string     `json:"-"`
	AccessToken  string     `json:"-"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	APIKey       string     `json:"-"`

	// BaseURL, when set, points the account at a non-default upstream.
	// Such accounts are always api_key.
	BaseURL string `json:"base_url,omitempty"`

	Paused             bool               `json:"paused"`
	RateLimitStatus    string             `json:"rate_limit_status,omitempty"`
	RateLimitResetAt   *time.Time         `json:"rate_limit_reset_at,omitempty"`
	RateLimitRemaining *int64             `json:"rate_limit_remaining,omitempty"`
	RateLimitOverride  *RateLimitOverride `json:"rate_limit_override,omitempty"`

	SessionStart        *time.Time `json:"session_start,omitempty"`
	SessionRequestCount int64      `json:"session_request_count"`
	RequestCount        int64      `json:"request_count"`
	TotalRequests       int64      `json:"total_requests"`

	CreatedAt time.Time `json:"created_at"`
}

// Usable reports whether the account has any credential that could produce
// an upstream call: api_key accounts need the key, oauth accounts need at
// least one of access/refresh token.
func (a *Account) Usable() bool {
	if a.AuthType == AuthAPIKey {
		return a.APIKey != ""
	}
	return a.AccessToken != "" || a.RefreshToken != ""
}

// RateLimited reports whether the account carries an unexpired rate-limit mark.
func (a *Account) RateLimited(now time.Time) bool {
	return a.RateLimitResetAt != nil && a.RateLimitResetAt.After(now)
}

// SessionActive reports whether the account's session window is still open.
func (a *Account) SessionActive(now time.Time, ttl time.Duration) bool {
	return a.SessionStart != nil && now.Sub(*a.SessionStart) < ttl
}

// Redacted returns a copy safe for the admin API: credentials are replaced
// with presence markers.
type RedactedAccount struct {
	Account
	HasRefreshToken bool `json:"has_refresh_token"`
	HasAccessToken  bool `json:"has_access_token"`
	HasAPIKey       bool `json:"has_api_key"`
}

// Redacted strips credential material from the account for API exposure.
func (a *Account) Redacted() RedactedAccount {
	r := RedactedAccount{
		Account:         *a,
		HasRefreshToken: a.RefreshToken != "",
		HasAccessToken:  a.AccessToken != "",
		HasAPIKey:       a.APIKey != "",
	}
	r.RefreshToken, r.AccessToken, r.APIKey = "", "", ""
	return r
}

// --- Per-response rate-limit signal ---

// RateLimitSignal is the structured form of the upstream's rate-limit headers.
type RateLimitSignal struct {
	IsRateLimited bool
	ResetAt       *time.Time
	Remaining     *int64
	StatusTag     string
}

// --- Per-request transients ---

// RequestMeta identifies one inbound request through the pipeline.
type RequestMeta struct {
	ID        string
	Timestamp time.Time
	Method    string
	Path      string
	AgentHint string
}

// AttemptRecord captures a single upstream attempt during failover.
type AttemptRecord struct {
	AccountID      string
	Status         int
	BeganAt        time.Time
	EndedAt        time.Time
	FailoverReason string
}

// Failover reasons recorded on attempts.
const (
	FailoverRateLimit  = "rate_limit"
	FailoverNonSuccess = "non_success"
	FailoverAuth       = "auth"
)

// --- Persisted usage ---

// UsageRecord is the persisted accounting row for one proxied request.
// AccountID is empty for unauthenticated pass-through requests.
type UsageRecord struct {
	RequestID    string    `json:"request_id"`
	AccountID    string    `json:"account_id,omitempty"`
	Path         string    `json:"path"`
	Method       string    `json:"method"`
	Status       int       `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
	DurationMs   int64     `json:"duration_ms"`
	Attempts     int       `json:"attempts"`
	InputTokens  int64     `json:"input_tokens,omitempty"`
	OutputTokens int64     `json:"output_tokens,omitempty"`
	CostEstimate float64   `json:"cost_estimate,omitempty"`
	Agent        string    `json:"agent,omitempty"`
	Truncated    bool      `json:"truncated"`
}

// UsageFilter narrows usage record queries.
type UsageFilter struct {
	AccountID string
	Since     string // RFC3339, inclusive
	Until     string // RFC3339, exclusive
	Offset    int
	Limit     int
}

// --- Context keys ---

type contextKey int

const ctxKeyRequestID contextKey = 0

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestIDFromContext extracts the request ID from context, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}
