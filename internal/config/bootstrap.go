// Package config provides configuration loading and database bootstrapping.
package config

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	relay "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/storage"
)

// Bootstrap seeds api_key accounts from the config file on first run.
// Existing accounts (matched by name) are left untouched.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, a := range cfg.Accounts {
		existing, err := store.GetAccountByName(ctx, a.Name)
		if err != nil && !errors.Is(err, relay.ErrNotFound) {
			return err
		}
		if existing != nil {
			continue
		}

		tier := a.Tier
		if !relay.IsValidTier(tier) {
			tier = 1
		}

		acct := &relay.Account{
			ID:        uuid.Must(uuid.NewV7()).String(),
			Name:      a.Name,
			Provider:  "anthropic",
			Tier:      tier,
			AuthType:  relay.AuthAPIKey,
			APIKey:    a.APIKey,
			BaseURL:   a.BaseURL,
			CreatedAt: time.Now().UTC(),
		}
		if err := store.InsertAccount(ctx, acct); err != nil {
			return err
		}
		slog.Info("bootstrapped account", "name", a.Name, "tier", tier)
	}
	return nil
}
