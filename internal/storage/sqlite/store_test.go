package sqlite

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	relay "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/storage"
)

// newTestStore opens a store on a per-test file: shared-cache :memory:
// databases are one process-wide database, which parallel tests would share.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testAccount(id, name string) *relay.Account {
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	return &relay.Account{
		ID:           id,
		Name:         name,
		Provider:     "anthropic",
		Tier:         5,
		AuthType:     relay.AuthOAuth,
		RefreshToken: "rt-" + id,
		AccessToken:  "at-" + id,
		ExpiresAt:    &exp,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
}

func mutate(t *testing.T, s *Store, fn func(storage.Tx) error) {
	t.Helper()
	if err := s.Batch(t.Context(), fn); err != nil {
		t.Fatal(err)
	}
}

func TestAccountRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	want := testAccount("a1", "primary")
	if err := s.InsertAccount(t.Context(), want); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetAccount(t.Context(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "primary" || got.Tier != 5 || got.AuthType != relay.AuthOAuth {
		t.Errorf("account = %+v", got)
	}
	if got.RefreshToken != "rt-a1" || got.AccessToken != "at-a1" {
		t.Errorf("credentials lost: %+v", got)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(*want.ExpiresAt) {
		t.Errorf("expires_at = %v, want %v", got.ExpiresAt, want.ExpiresAt)
	}

	byName, err := s.GetAccountByName(t.Context(), "primary")
	if err != nil {
		t.Fatal(err)
	}
	if byName.ID != "a1" {
		t.Errorf("lookup by name returned %q", byName.ID)
	}
}

func TestGetAccountNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if _, err := s.GetAccount(t.Context(), "nope"); !errors.Is(err, relay.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestInsertAccountNameConflict(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.InsertAccount(t.Context(), testAccount("a1", "dup")); err != nil {
		t.Fatal(err)
	}
	err := s.InsertAccount(t.Context(), testAccount("a2", "dup"))
	if !errors.Is(err, relay.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestListAccountsOrdered(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	first := testAccount("a1", "older")
	first.CreatedAt = time.Now().Add(-time.Hour).UTC()
	second := testAccount("a2", "newer")
	for _, a := range []*relay.Account{second, first} {
		if err := s.InsertAccount(t.Context(), a); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListAccounts(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "a1" || got[1].ID != "a2" {
		t.Errorf("order = %v", []string{got[0].ID, got[1].ID})
	}
}

func TestDeleteAccountByName(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.InsertAccount(t.Context(), testAccount("a1", "doomed")); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteAccountByName(t.Context(), "doomed"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetAccount(t.Context(), "a1"); !errors.Is(err, relay.ErrNotFound) {
		t.Errorf("account still present: %v", err)
	}
	if err := s.DeleteAccountByName(t.Context(), "doomed"); !errors.Is(err, relay.ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestUpdateTokens(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.InsertAccount(t.Context(), testAccount("a1", "primary")); err != nil {
		t.Fatal(err)
	}
	newExp := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second)

	// Rotation without a new refresh token keeps the old one.
	mutate(t, s, func(tx storage.Tx) error {
		return tx.UpdateTokens("a1", "at-new", newExp, "")
	})
	got, err := s.GetAccount(t.Context(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessToken != "at-new" || got.RefreshToken != "rt-a1" {
		t.Errorf("tokens = %q/%q", got.AccessToken, got.RefreshToken)
	}
	if !got.ExpiresAt.Equal(newExp) {
		t.Errorf("expires_at = %v, want %v", got.ExpiresAt, newExp)
	}

	// Full rotation replaces both.
	mutate(t, s, func(tx storage.Tx) error {
		return tx.UpdateTokens("a1", "at-newer", newExp, "rt-new")
	})
	got, err = s.GetAccount(t.Context(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessToken != "at-newer" || got.RefreshToken != "rt-new" {
		t.Errorf("tokens = %q/%q", got.AccessToken, got.RefreshToken)
	}
}

func TestRateLimitMarkAndClear(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.InsertAccount(t.Context(), testAccount("a1", "primary")); err != nil {
		t.Fatal(err)
	}
	reset := time.Now().Add(10 * time.Minute).UTC().Truncate(time.Second)

	mutate(t, s, func(tx storage.Tx) error {
		return tx.MarkRateLimited("a1", reset)
	})
	got, err := s.GetAccount(t.Context(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	if got.RateLimitStatus != "rate_limited" || got.RateLimitResetAt == nil || !got.RateLimitResetAt.Equal(reset) {
		t.Errorf("mark = %q / %v", got.RateLimitStatus, got.RateLimitResetAt)
	}

	// Give it some request_count, then clear with counter reset.
	mutate(t, s, func(tx storage.Tx) error {
		return tx.IncrementUsage("a1", 7, nil)
	})
	mutate(t, s, func(tx storage.Tx) error {
		return tx.ClearRateLimit("a1", true)
	})
	got, err = s.GetAccount(t.Context(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	if got.RateLimitStatus != "" || got.RateLimitResetAt != nil {
		t.Errorf("mark not cleared: %q / %v", got.RateLimitStatus, got.RateLimitResetAt)
	}
	if got.RequestCount != 0 {
		t.Errorf("request_count = %d, want 0 after clear", got.RequestCount)
	}
	if got.TotalRequests != 7 {
		t.Errorf("total_requests = %d, want 7 (never reset)", got.TotalRequests)
	}
}

func TestUpdateRateLimitMeta(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.InsertAccount(t.Context(), testAccount("a1", "primary")); err != nil {
		t.Fatal(err)
	}
	remaining := int64(42)
	mutate(t, s, func(tx storage.Tx) error {
		return tx.UpdateRateLimitMeta("a1", "allowed_warning", nil, &remaining)
	})
	got, err := s.GetAccount(t.Context(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	if got.RateLimitStatus != "allowed_warning" {
		t.Errorf("status = %q", got.RateLimitStatus)
	}
	if got.RateLimitRemaining == nil || *got.RateLimitRemaining != 42 {
		t.Errorf("remaining = %v", got.RateLimitRemaining)
	}
}

func TestIncrementUsageSessionSemantics(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.InsertAccount(t.Context(), testAccount("a1", "primary")); err != nil {
		t.Fatal(err)
	}
	start := time.Now().UTC().Truncate(time.Second)

	// Fresh session: counter restarts at n.
	mutate(t, s, func(tx storage.Tx) error {
		return tx.IncrementUsage("a1", 1, &start)
	})
	// Continued session: counter accumulates.
	mutate(t, s, func(tx storage.Tx) error {
		return tx.IncrementUsage("a1", 3, nil)
	})

	got, err := s.GetAccount(t.Context(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	if got.SessionStart == nil || !got.SessionStart.Equal(start) {
		t.Errorf("session_start = %v, want %v", got.SessionStart, start)
	}
	if got.SessionRequestCount != 4 {
		t.Errorf("session_request_count = %d, want 4", got.SessionRequestCount)
	}
	if got.RequestCount != 4 || got.TotalRequests != 4 {
		t.Errorf("counters = %d/%d, want 4/4", got.RequestCount, got.TotalRequests)
	}

	// A new session restarts the per-session counter only.
	later := start.Add(6 * time.Hour)
	mutate(t, s, func(tx storage.Tx) error {
		return tx.IncrementUsage("a1", 1, &later)
	})
	got, err = s.GetAccount(t.Context(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	if got.SessionRequestCount != 1 {
		t.Errorf("session_request_count = %d, want 1 after restart", got.SessionRequestCount)
	}
	if got.TotalRequests != 5 {
		t.Errorf("total_requests = %d, want 5", got.TotalRequests)
	}
}

func TestAdminMutations(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.InsertAccount(t.Context(), testAccount("a1", "primary")); err != nil {
		t.Fatal(err)
	}

	mutate(t, s, func(tx storage.Tx) error {
		if err := tx.SetTier("a1", 20); err != nil {
			return err
		}
		if err := tx.SetPaused("a1", true); err != nil {
			return err
		}
		if err := tx.Rename("a1", "renamed"); err != nil {
			return err
		}
		return tx.SetRateLimitOverride("a1", &relay.RateLimitOverride{Limit: 100, WindowMinutes: 60})
	})

	got, err := s.GetAccount(t.Context(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Tier != 20 || !got.Paused || got.Name != "renamed" {
		t.Errorf("account = %+v", got)
	}
	if got.RateLimitOverride == nil || got.RateLimitOverride.Limit != 100 {
		t.Errorf("override = %+v", got.RateLimitOverride)
	}

	// Clearing the override nulls the column.
	mutate(t, s, func(tx storage.Tx) error {
		return tx.SetRateLimitOverride("a1", nil)
	})
	got, err = s.GetAccount(t.Context(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	if got.RateLimitOverride != nil {
		t.Errorf("override = %+v, want nil", got.RateLimitOverride)
	}
}

func TestMutationOnMissingAccount(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	err := s.Batch(t.Context(), func(tx storage.Tx) error {
		return tx.SetTier("ghost", 5)
	})
	if !errors.Is(err, relay.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestBatchRollsBackOnError(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.InsertAccount(t.Context(), testAccount("a1", "primary")); err != nil {
		t.Fatal(err)
	}

	sentinel := errors.New("abort")
	err := s.Batch(t.Context(), func(tx storage.Tx) error {
		if err := tx.SetTier("a1", 20); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatal(err)
	}

	got, err := s.GetAccount(t.Context(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Tier != 5 {
		t.Errorf("tier = %d, want 5 (rolled back)", got.Tier)
	}
}

func TestUsageRecords(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	mutate(t, s, func(tx storage.Tx) error {
		for i := range 5 {
			rec := relay.UsageRecord{
				RequestID:    string(rune('a' + i)),
				AccountID:    "acct-1",
				Path:         "/v1/messages",
				Method:       "POST",
				Status:       200,
				Timestamp:    base.Add(time.Duration(i) * time.Minute),
				DurationMs:   int64(100 + i),
				Attempts:     1,
				InputTokens:  int64(10 * i),
				OutputTokens: int64(20 * i),
				Truncated:    i == 4,
			}
			if err := tx.InsertUsage(rec); err != nil {
				return err
			}
		}
		return nil
	})

	// Newest first, paginated.
	recs, err := s.QueryUsage(t.Context(), relay.UsageFilter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].RequestID != "e" || recs[1].RequestID != "d" {
		t.Errorf("page = %+v", recs)
	}
	if !recs[0].Truncated {
		t.Error("truncated flag lost")
	}

	total, err := s.CountUsage(t.Context(), relay.UsageFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}

	// Time-window filter: [base+1m, base+3m) holds records b and c.
	recs, err = s.QueryUsage(t.Context(), relay.UsageFilter{
		Since: base.Add(time.Minute).Format(time.RFC3339),
		Until: base.Add(3 * time.Minute).Format(time.RFC3339),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].RequestID != "c" || recs[1].RequestID != "b" {
		t.Errorf("window = %+v", recs)
	}

	// Account filter.
	n, err := s.CountUsage(t.Context(), relay.UsageFilter{AccountID: "other"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("count for other account = %d", n)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	payload := []byte(`{"model":"claude-sonnet-4"}`)
	mutate(t, s, func(tx storage.Tx) error {
		return tx.InsertPayload("r1", payload)
	})

	got, err := s.GetPayload(t.Context(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Errorf("payload = %q", got)
	}
	if _, err := s.GetPayload(t.Context(), "ghost"); !errors.Is(err, relay.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
