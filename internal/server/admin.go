package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	relay "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/storage"
)

func (s *server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.deps.Store.ListAccounts(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	redacted := make([]relay.RedactedAccount, 0, len(accounts))
	for _, a := range accounts {
		redacted = append(redacted, a.Redacted())
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       redacted,
		Pagination: pagination{Offset: 0, Limit: len(redacted), Total: len(redacted)},
	})
}

type directAccountRequest struct {
	Name    string `json:"name"`
	APIKey  string `json:"api_key"`
	Tier    int    `json:"tier"`
	BaseURL string `json:"base_url"`
}

func (s *server) handleCreateDirectAccount(w http.ResponseWriter, r *http.Request) {
	var req directAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.APIKey == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name and api_key are required"))
		return
	}
	if req.Tier == 0 {
		req.Tier = 1
	}
	if !relay.IsValidTier(req.Tier) {
		writeJSON(w, http.StatusBadRequest, errorResponse("tier must be 1, 5, or 20"))
		return
	}

	acct := &relay.Account{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Name:      req.Name,
		Provider:  "anthropic",
		Tier:      req.Tier,
		AuthType:  relay.AuthAPIKey,
		APIKey:    req.APIKey,
		BaseURL:   req.BaseURL,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.deps.Store.InsertAccount(r.Context(), acct); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Balancer.Invalidate()
	writeJSON(w, http.StatusCreated, acct.Redacted())
}

type deleteAccountRequest struct {
	Confirm string `json:"confirm"`
}

func (s *server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req deleteAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Confirm != name {
		writeJSON(w, http.StatusBadRequest, errorResponse("confirmation does not match account name"))
		return
	}

	acct, err := s.deps.Store.GetAccountByName(r.Context(), name)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if err := s.deps.Store.DeleteAccountByName(r.Context(), name); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Tokens.Forget(acct.ID)
	s.deps.Balancer.Forget(acct.ID)
	w.WriteHeader(http.StatusNoContent)
}

// handlePause returns a handler that sets or clears the pause flag.
func (s *server) handlePause(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := s.deps.Store.Batch(r.Context(), func(tx storage.Tx) error {
			return tx.SetPaused(id, paused)
		})
		if err != nil {
			writeAdminError(w, r, err)
			return
		}
		s.deps.Balancer.Invalidate()
		w.WriteHeader(http.StatusNoContent)
	}
}

type tierRequest struct {
	Tier int `json:"tier"`
}

func (s *server) handleSetTier(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req tierRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !relay.IsValidTier(req.Tier) {
		writeJSON(w, http.StatusBadRequest, errorResponse("tier must be 1, 5, or 20"))
		return
	}

	err := s.deps.Store.Batch(r.Context(), func(tx storage.Tx) error {
		return tx.SetTier(id, req.Tier)
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Balancer.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

type renameRequest struct {
	Name string `json:"name"`
}

func (s *server) handleRename(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req renameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name is required"))
		return
	}

	err := s.deps.Store.Batch(r.Context(), func(tx storage.Tx) error {
		return tx.Rename(id, req.Name)
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Balancer.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

type rateLimitRequest struct {
	Enabled            bool `json:"enabled"`
	CustomLimit        *int `json:"customLimit"`
	ResetWindowMinutes *int `json:"resetWindowMinutes"`
}

// handleRateLimitOverride sets or clears a manual per-account limit.
// Disabling also clears any active rate-limit mark.
func (s *server) handleRateLimitOverride(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req rateLimitRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var override *relay.RateLimitOverride
	if req.Enabled {
		if req.CustomLimit == nil || *req.CustomLimit <= 0 ||
			req.ResetWindowMinutes == nil || *req.ResetWindowMinutes <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse("customLimit and resetWindowMinutes must be positive"))
			return
		}
		override = &relay.RateLimitOverride{
			Limit:         *req.CustomLimit,
			WindowMinutes: *req.ResetWindowMinutes,
		}
	}

	err := s.deps.Store.Batch(r.Context(), func(tx storage.Tx) error {
		if err := tx.SetRateLimitOverride(id, override); err != nil {
			return err
		}
		if !req.Enabled {
			return tx.ClearRateLimit(id, false)
		}
		return nil
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Balancer.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleNotImplemented(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusNotImplemented, errorResponse("oauth provisioning is not served by this process"))
}
