// Package token manages OAuth credential freshness for pool accounts.
//
// Each oauth account gets one oauth2.TokenSource wrapped in
// ReuseTokenSourceWithExpiry, which serves cached tokens until the expiry
// skew and serializes refreshes internally: concurrent requests for the same
// account block on one refresh call instead of racing the token endpoint.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	relay "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/config"
)

// Persister receives rotated credentials for async persistence.
type Persister interface {
	UpdateTokens(accountID, access string, expiresAt time.Time, refresh string)
}

// Manager resolves a usable credential for an account, refreshing oauth
// tokens as needed.
type Manager struct {
	cfg       config.OAuthConfig
	persister Persister
	baseCtx   context.Context
	onRefresh func(outcome string)

	mu      sync.Mutex
	sources map[string]*accountSource
}

// accountSource is the cached token source for one oauth account.
type accountSource struct {
	ts      oauth2.TokenSource
	refresh string // refresh token the source was seeded with
	access  string // last access token observed, for rotation detection
}

// NewManager creates a Manager. Rotated tokens are handed to persister.
func NewManager(cfg config.OAuthConfig, persister Persister) *Manager {
	client := &http.Client{Timeout: cfg.RefreshTimeout}
	return &Manager{
		cfg:       cfg,
		persister: persister,
		baseCtx:   context.WithValue(context.Background(), oauth2.HTTPClient, client),
		sources:   make(map[string]*accountSource),
	}
}

// SetRefreshHook installs a callback observing refresh outcomes: "rotated",
// "rejected", or "transient". Must be set before the manager serves requests.
func (m *Manager) SetRefreshHook(fn func(outcome string)) { m.onRefresh = fn }

func (m *Manager) countRefresh(outcome string) {
	if m.onRefresh != nil {
		m.onRefresh(outcome)
	}
}

// Credential returns the header-ready credential for the account: the API
// key for api_key accounts, a fresh bearer token for oauth accounts.
//
// Refresh failures are classified: a definitive 4xx from the token endpoint
// wraps relay.ErrAuth (the account is broken until re-provisioned); anything
// else wraps relay.ErrTransientAuth (the account stays in rotation).
func (m *Manager) Credential(ctx context.Context, a *relay.Account) (string, error) {
	if a.AuthType == relay.AuthAPIKey {
		if a.APIKey == "" {
			return "", fmt.Errorf("account %s has no api key: %w", a.ID, relay.ErrAuth)
		}
		return a.APIKey, nil
	}
	if !a.Usable() {
		return "", fmt.Errorf("account %s has no oauth credentials: %w", a.ID, relay.ErrAuth)
	}

	src := m.sourceFor(a)
	tok, err := src.ts.Token()
	if err != nil {
		return "", m.classify(a, err)
	}

	m.noteRotation(a, src, tok)
	return tok.AccessToken, nil
}

// Invalidate discards the account's cached token so the next Credential call
// performs a refresh. Used when the upstream rejects a token we believed
// valid.
func (m *Manager) Invalidate(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[accountID]
	if !ok {
		return
	}
	s.ts = oauth2.ReuseTokenSourceWithExpiry(nil, m.baseSource(s.refresh), m.cfg.Skew)
}

// Forget drops the account's source entirely. Called when an account is
// removed or its credentials are replaced out of band.
func (m *Manager) Forget(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources, accountID)
}

func (m *Manager) sourceFor(a *relay.Account) *accountSource {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sources[a.ID]
	if ok && s.refresh == a.RefreshToken {
		return s
	}

	// First sight of this account, or its refresh token changed underneath
	// us (re-provisioned): build a fresh source seeded with what the store
	// has.
	seed := &oauth2.Token{
		AccessToken:  a.AccessToken,
		RefreshToken: a.RefreshToken,
	}
	if a.ExpiresAt != nil {
		seed.Expiry = *a.ExpiresAt
	}
	if seed.AccessToken == "" {
		seed = nil
	}

	s = &accountSource{
		ts:      oauth2.ReuseTokenSourceWithExpiry(seed, m.baseSource(a.RefreshToken), m.cfg.Skew),
		refresh: a.RefreshToken,
		access:  a.AccessToken,
	}
	m.sources[a.ID] = s
	return s
}

// baseSource builds the refresh-grant source for one refresh token.
func (m *Manager) baseSource(refreshToken string) oauth2.TokenSource {
	conf := &oauth2.Config{
		ClientID: m.cfg.ClientID,
		Endpoint: oauth2.Endpoint{TokenURL: m.cfg.TokenURL},
	}
	return conf.TokenSource(m.baseCtx, &oauth2.Token{RefreshToken: refreshToken})
}

// noteRotation persists new credentials when the token endpoint handed back
// something different from what the store holds.
func (m *Manager) noteRotation(a *relay.Account, s *accountSource, tok *oauth2.Token) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tok.AccessToken == s.access {
		return
	}
	s.access = tok.AccessToken
	m.countRefresh("rotated")

	newRefresh := ""
	if tok.RefreshToken != "" && tok.RefreshToken != s.refresh {
		newRefresh = tok.RefreshToken
		s.refresh = tok.RefreshToken
	}

	slog.LogAttrs(context.Background(), slog.LevelInfo, "token rotated",
		slog.String("account_id", a.ID),
		slog.Time("expires_at", tok.Expiry),
		slog.Bool("refresh_rotated", newRefresh != ""),
	)
	if m.persister != nil {
		m.persister.UpdateTokens(a.ID, tok.AccessToken, tok.Expiry, newRefresh)
	}
}

func (m *Manager) classify(a *relay.Account, err error) error {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) && rErr.Response != nil &&
		rErr.Response.StatusCode >= 400 && rErr.Response.StatusCode < 500 {
		slog.Error("token refresh rejected", "account_id", a.ID, "status", rErr.Response.StatusCode)
		m.countRefresh("rejected")
		return fmt.Errorf("refresh rejected (%d): %w", rErr.Response.StatusCode, relay.ErrAuth)
	}
	slog.Warn("token refresh failed", "account_id", a.ID, "error", err)
	m.countRefresh("transient")
	return fmt.Errorf("refresh failed: %w: %v", relay.ErrTransientAuth, err)
}
