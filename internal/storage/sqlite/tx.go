package sqlite

import (
	"context"
	"database/sql"
	"time"

	relay "github.com/eugener/palantir/internal"
)

// sqlTx implements storage.Tx over one open write transaction.
type sqlTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqlTx) UpdateTokens(id, access string, expiresAt time.Time, refresh string) error {
	var result sql.Result
	var err error
	if refresh != "" {
		result, err = t.tx.ExecContext(t.ctx,
			`UPDATE accounts SET access_token=?, expires_at=?, refresh_token=? WHERE id=?`,
			access, expiresAt.UTC().Format(time.RFC3339), refresh, id,
		)
	} else {
		result, err = t.tx.ExecContext(t.ctx,
			`UPDATE accounts SET access_token=?, expires_at=? WHERE id=?`,
			access, expiresAt.UTC().Format(time.RFC3339), id,
		)
	}
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

func (t *sqlTx) MarkRateLimited(id string, resetAt time.Time) error {
	result, err := t.tx.ExecContext(t.ctx,
		`UPDATE accounts SET rate_limit_status='rate_limited', rate_limit_reset_at=? WHERE id=?`,
		resetAt.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

func (t *sqlTx) ClearRateLimit(id string, resetCounter bool) error {
	q := `UPDATE accounts SET rate_limit_status=NULL, rate_limit_reset_at=NULL, rate_limit_remaining=NULL WHERE id=?`
	if resetCounter {
		q = `UPDATE accounts SET rate_limit_status=NULL, rate_limit_reset_at=NULL, rate_limit_remaining=NULL, request_count=0 WHERE id=?`
	}
	result, err := t.tx.ExecContext(t.ctx, q, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

func (t *sqlTx) UpdateRateLimitMeta(id, statusTag string, resetAt *time.Time, remaining *int64) error {
	result, err := t.tx.ExecContext(t.ctx,
		`UPDATE accounts SET rate_limit_status=?, rate_limit_reset_at=?, rate_limit_remaining=? WHERE id=?`,
		nullStr(statusTag), timeToStr(resetAt), nullInt(remaining), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

func (t *sqlTx) IncrementUsage(id string, n int64, sessionStart *time.Time) error {
	var result sql.Result
	var err error
	if sessionStart != nil {
		result, err = t.tx.ExecContext(t.ctx,
			`UPDATE accounts SET request_count=request_count+?, total_requests=total_requests+?,
			 session_start=?, session_request_count=? WHERE id=?`,
			n, n, sessionStart.UTC().Format(time.RFC3339), n, id,
		)
	} else {
		result, err = t.tx.ExecContext(t.ctx,
			`UPDATE accounts SET request_count=request_count+?, total_requests=total_requests+?,
			 session_request_count=session_request_count+? WHERE id=?`,
			n, n, n, id,
		)
	}
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

func (t *sqlTx) ResetRequestCounts() error {
	_, err := t.tx.ExecContext(t.ctx, `UPDATE accounts SET request_count=0`)
	return err
}

func (t *sqlTx) SetTier(id string, tier int) error {
	result, err := t.tx.ExecContext(t.ctx, `UPDATE accounts SET tier=? WHERE id=?`, tier, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

func (t *sqlTx) SetPaused(id string, paused bool) error {
	result, err := t.tx.ExecContext(t.ctx, `UPDATE accounts SET paused=? WHERE id=?`, boolToInt(paused), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

func (t *sqlTx) Rename(id, name string) error {
	result, err := t.tx.ExecContext(t.ctx, `UPDATE accounts SET name=? WHERE id=?`, name, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

func (t *sqlTx) SetRateLimitOverride(id string, o *relay.RateLimitOverride) error {
	override, err := marshalJSON(o)
	if err != nil {
		return err
	}
	result, err := t.tx.ExecContext(t.ctx, `UPDATE accounts SET rate_limit_override=? WHERE id=?`, override, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

func (t *sqlTx) InsertUsage(rec relay.UsageRecord) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO requests (request_id, account_id, path, method, status, timestamp,
		 duration_ms, attempts, input_tokens, output_tokens, cost_estimate, agent, truncated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, nullStr(rec.AccountID), rec.Path, rec.Method, rec.Status,
		rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.DurationMs, rec.Attempts,
		rec.InputTokens, rec.OutputTokens, rec.CostEstimate,
		nullStr(rec.Agent), boolToInt(rec.Truncated),
	)
	return err
}

func (t *sqlTx) InsertPayload(requestID string, data []byte) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT OR REPLACE INTO request_payloads (request_id, payload, created_at) VALUES (?, ?, ?)`,
		requestID, data, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}
