package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	relay "github.com/eugener/palantir/internal"
)

const usageCols = `request_id, account_id, path, method, status, timestamp,
	duration_ms, attempts, input_tokens, output_tokens, cost_estimate, agent, truncated`

// QueryUsage returns usage records matching the filter, newest first.
func (s *Store) QueryUsage(ctx context.Context, f relay.UsageFilter) ([]relay.UsageRecord, error) {
	where, args := usageWhere(f)
	q := `SELECT ` + usageCols + ` FROM requests` + where + ` ORDER BY timestamp DESC`
	if f.Limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.read.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []relay.UsageRecord
	for rows.Next() {
		rec, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountUsage returns the total number of records matching the filter.
func (s *Store) CountUsage(ctx context.Context, f relay.UsageFilter) (int, error) {
	where, args := usageWhere(f)
	var n int
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM requests`+where, args...,
	).Scan(&n)
	return n, err
}

// GetPayload retrieves a captured request body by request ID.
func (s *Store) GetPayload(ctx context.Context, requestID string) ([]byte, error) {
	var data []byte
	err := s.read.QueryRowContext(ctx,
		`SELECT payload FROM request_payloads WHERE request_id=?`, requestID,
	).Scan(&data)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return data, nil
}

func usageWhere(f relay.UsageFilter) (string, []any) {
	var conds []string
	var args []any
	if f.AccountID != "" {
		conds = append(conds, "account_id=?")
		args = append(args, f.AccountID)
	}
	if f.Since != "" {
		conds = append(conds, "timestamp>=?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		conds = append(conds, "timestamp<?")
		args = append(args, f.Until)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanUsage(sc scanner) (relay.UsageRecord, error) {
	var rec relay.UsageRecord
	var accountID, agent sql.NullString
	var timestamp string
	var input, output sql.NullInt64
	var cost sql.NullFloat64
	var truncated int

	err := sc.Scan(
		&rec.RequestID, &accountID, &rec.Path, &rec.Method, &rec.Status,
		&timestamp, &rec.DurationMs, &rec.Attempts,
		&input, &output, &cost, &agent, &truncated,
	)
	if err != nil {
		return rec, err
	}

	rec.AccountID = accountID.String
	rec.Agent = agent.String
	rec.InputTokens = input.Int64
	rec.OutputTokens = output.Int64
	rec.CostEstimate = cost.Float64
	rec.Truncated = truncated != 0
	if t, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
		rec.Timestamp = t
	}
	return rec, nil
}
