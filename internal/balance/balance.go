// Package balance implements session-sticky weighted account selection.
package balance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	relay "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/config"
	"github.com/eugener/palantir/internal/storage"
	"github.com/eugener/palantir/internal/worker"
)

const (
	rosterKey = "accounts"
	rosterTTL = 500 * time.Millisecond

	// clearDebounce keeps lazy rate-limit clears from being re-enqueued on
	// every select before the writer's flush lands.
	clearDebounce = 5 * time.Second
)

// Balancer orders eligible accounts for a request. Selection is
// deterministic: each account carries an in-memory served counter, and
// non-leader accounts are interleaved by virtual queue depth served/tier so
// a tier-20 account absorbs roughly twenty times the traffic of a tier-1.
type Balancer struct {
	store  storage.Store
	writer *worker.Writer

	sessionTTL   time.Duration
	resetOnClear bool

	// roster caches the account list so selection does not hit the read
	// pool on every request. Staleness is bounded by rosterTTL, in the
	// same order as the writer's flush interval.
	roster *otter.Cache[string, []*relay.Account]

	mu        sync.Mutex
	served    map[string]int64
	leaderID  string
	leaderAt  time.Time
	clearedAt map[string]time.Time
}

// New creates a Balancer.
func New(store storage.Store, writer *worker.Writer, session config.SessionConfig, counters config.CountersConfig) (*Balancer, error) {
	roster, err := otter.New[string, []*relay.Account](&otter.Options[string, []*relay.Account]{
		MaximumSize:      1,
		ExpiryCalculator: otter.ExpiryWriting[string, []*relay.Account](rosterTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create roster cache: %w", err)
	}
	return &Balancer{
		store:        store,
		writer:       writer,
		sessionTTL:   session.TTL,
		resetOnClear: counters.Reset == config.ResetOnClear,
		roster:       roster,
		served:       make(map[string]int64),
		clearedAt:    make(map[string]time.Time),
	}, nil
}

// Select returns the ordered candidate list for one request. An empty list
// means no account is eligible and the caller falls back to pass-through.
func (b *Balancer) Select(ctx context.Context, now time.Time) ([]*relay.Account, error) {
	accounts, err := b.accounts(ctx)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var eligible []*relay.Account
	for _, a := range accounts {
		if a.Paused {
			continue
		}
		if a.RateLimitResetAt != nil {
			if a.RateLimitResetAt.After(now) {
				continue
			}
			b.lazyClear(a, now)
		}
		if !a.Usable() {
			continue
		}
		eligible = append(eligible, a)
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	leader := b.takeLeader(eligible, now)

	rest := eligible
	if leader != nil {
		rest = make([]*relay.Account, 0, len(eligible)-1)
		for _, a := range eligible {
			if a.ID != leader.ID {
				rest = append(rest, a)
			}
		}
	}

	// Weighted fair order: ascending (served+1)/tier, compared with integer
	// cross-multiplication. Ties go to the least recently used account,
	// then to ID for stability.
	sort.SliceStable(rest, func(i, j int) bool {
		a, c := rest[i], rest[j]
		da := (b.served[a.ID] + 1) * int64(c.Tier)
		dc := (b.served[c.ID] + 1) * int64(a.Tier)
		if da != dc {
			return da < dc
		}
		la, lc := lruTime(a), lruTime(c)
		if !la.Equal(lc) {
			return la.Before(lc)
		}
		return a.ID < c.ID
	})

	if leader != nil {
		return append([]*relay.Account{leader}, rest...), nil
	}
	return rest, nil
}

// OnSuccess records a successful attempt: the account becomes (or remains)
// the session leader and its counters are enqueued for persistence. A fresh
// leader starts a new session window; the standing leader keeps its
// session_start.
func (b *Balancer) OnSuccess(a *relay.Account, now time.Time) {
	b.mu.Lock()
	b.served[a.ID]++

	var sessionStart *time.Time
	standing := b.leaderID == a.ID && now.Sub(b.leaderAt) < b.sessionTTL
	if !standing {
		t := now
		sessionStart = &t
		b.leaderAt = now
		slog.LogAttrs(context.Background(), slog.LevelInfo, "session leader changed",
			slog.String("account_id", a.ID),
			slog.String("name", a.Name),
		)
	}
	b.leaderID = a.ID
	b.mu.Unlock()

	b.writer.IncrementUsage(a.ID, sessionStart)
}

// Forget drops in-memory state for a removed account.
func (b *Balancer) Forget(accountID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.served, accountID)
	delete(b.clearedAt, accountID)
	if b.leaderID == accountID {
		b.leaderID = ""
	}
	b.roster.InvalidateAll()
}

// Invalidate discards the cached roster so the next Select re-reads the
// store. Called after synchronous admin mutations.
func (b *Balancer) Invalidate() {
	b.roster.InvalidateAll()
}

func (b *Balancer) accounts(ctx context.Context) ([]*relay.Account, error) {
	if cached, ok := b.roster.GetIfPresent(rosterKey); ok {
		return cached, nil
	}
	accounts, err := b.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	b.roster.Set(rosterKey, accounts)
	return accounts, nil
}

// takeLeader resolves the session leader among eligible accounts. In-memory
// leadership wins; after a restart it is reconstructed from the most recent
// persisted session_start still inside the TTL. Caller holds b.mu.
func (b *Balancer) takeLeader(eligible []*relay.Account, now time.Time) *relay.Account {
	if b.leaderID != "" {
		if now.Sub(b.leaderAt) >= b.sessionTTL {
			b.leaderID = ""
		} else {
			for _, a := range eligible {
				if a.ID == b.leaderID {
					return a
				}
			}
			// Leader exists but is not eligible right now; leadership
			// stands until the TTL lapses.
			return nil
		}
	}

	var best *relay.Account
	for _, a := range eligible {
		if !a.SessionActive(now, b.sessionTTL) {
			continue
		}
		if best == nil || a.SessionStart.After(*best.SessionStart) {
			best = a
		}
	}
	if best != nil {
		b.leaderID = best.ID
		b.leaderAt = *best.SessionStart
	}
	return best
}

// lazyClear enqueues removal of an expired rate-limit mark. Caller holds b.mu.
func (b *Balancer) lazyClear(a *relay.Account, now time.Time) {
	if last, ok := b.clearedAt[a.ID]; ok && now.Sub(last) < clearDebounce {
		return
	}
	b.clearedAt[a.ID] = now
	b.writer.ClearRateLimit(a.ID, b.resetOnClear)
}

func lruTime(a *relay.Account) time.Time {
	if a.SessionStart != nil {
		return *a.SessionStart
	}
	return time.Time{}
}
