package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	relay "github.com/eugener/palantir/internal"
)

const accountCols = `id, name, provider, tier, auth_type, refresh_token, access_token,
	expires_at, api_key, base_url, paused, rate_limit_status, rate_limit_reset_at,
	rate_limit_remaining, rate_limit_override, session_start, session_request_count,
	request_count, total_requests, created_at`

// ListAccounts returns all accounts ordered by creation time.
func (s *Store) ListAccounts(ctx context.Context) ([]*relay.Account, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+accountCols+` FROM accounts ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*relay.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// GetAccount retrieves an account by ID.
func (s *Store) GetAccount(ctx context.Context, id string) (*relay.Account, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id=?`, id,
	)
	return scanAccount(row)
}

// GetAccountByName retrieves an account by its unique name.
func (s *Store) GetAccountByName(ctx context.Context, name string) (*relay.Account, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE name=?`, name,
	)
	return scanAccount(row)
}

// InsertAccount creates a new account. Name collisions map to ErrConflict.
func (s *Store) InsertAccount(ctx context.Context, a *relay.Account) error {
	override, err := marshalJSON(a.RateLimitOverride)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO accounts (`+accountCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Provider, a.Tier, string(a.AuthType),
		nullStr(a.RefreshToken), nullStr(a.AccessToken), timeToStr(a.ExpiresAt),
		nullStr(a.APIKey), nullStr(a.BaseURL), boolToInt(a.Paused),
		nullStr(a.RateLimitStatus), timeToStr(a.RateLimitResetAt),
		nullInt(a.RateLimitRemaining), override,
		timeToStr(a.SessionStart), a.SessionRequestCount,
		a.RequestCount, a.TotalRequests,
		a.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return fmt.Errorf("account %q: %w", a.Name, relay.ErrConflict)
	}
	return err
}

// DeleteAccountByName removes an account by its unique name.
func (s *Store) DeleteAccountByName(ctx context.Context, name string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM accounts WHERE name=?`, name)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

func scanAccount(sc scanner) (*relay.Account, error) {
	var a relay.Account
	var authType string
	var refresh, access, apiKey, baseURL, rlStatus sql.NullString
	var expiresAt, resetAt, sessionStart, createdAt sql.NullString
	var remaining sql.NullInt64
	var override sql.NullString
	var paused int

	err := sc.Scan(
		&a.ID, &a.Name, &a.Provider, &a.Tier, &authType,
		&refresh, &access, &expiresAt, &apiKey, &baseURL, &paused,
		&rlStatus, &resetAt, &remaining, &override,
		&sessionStart, &a.SessionRequestCount,
		&a.RequestCount, &a.TotalRequests, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	a.AuthType = relay.AuthType(authType)
	a.RefreshToken = refresh.String
	a.AccessToken = access.String
	a.APIKey = apiKey.String
	a.BaseURL = baseURL.String
	a.Paused = paused != 0
	a.RateLimitStatus = rlStatus.String
	a.ExpiresAt = parseTime(expiresAt)
	a.RateLimitResetAt = parseTime(resetAt)
	a.SessionStart = parseTime(sessionStart)
	if remaining.Valid {
		a.RateLimitRemaining = &remaining.Int64
	}
	if override.Valid {
		var o relay.RateLimitOverride
		if err := json.Unmarshal([]byte(override.String), &o); err != nil {
			return nil, fmt.Errorf("unmarshal rate limit override: %w", err)
		}
		a.RateLimitOverride = &o
	}
	if t := parseTime(createdAt); t != nil {
		a.CreatedAt = *t
	}
	return &a, nil
}

// helpers

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to relay.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return relay.ErrNotFound
	}
	return err
}

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	if o, ok := v.(*relay.RateLimitOverride); ok && o == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(n *int64) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *n, Valid: true}
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, relay.ErrNotFound)
	}
	return nil
}
