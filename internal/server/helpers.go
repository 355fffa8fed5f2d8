package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	relay "github.com/eugener/palantir/internal"
)

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, relay.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, relay.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, relay.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, relay.ErrUpstream), errors.Is(err, relay.ErrNoAccounts):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. SQLite errors).
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	switch {
	case errors.Is(err, relay.ErrNotFound):
		writeJSON(w, status, errorResponse("not found"))
	case errors.Is(err, relay.ErrConflict):
		writeJSON(w, status, errorResponse("conflict"))
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("error", err.Error()),
		)
		writeJSON(w, status, errorResponse("internal error"))
	}
}

// --- Pagination helpers ---

type pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Total  int `json:"total"`
}

type listResponse struct {
	Data       any        `json:"data"`
	Pagination pagination `json:"pagination"`
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// parseSinceUntil validates optional since/until RFC3339 query params.
// Writes 400 and returns false on invalid format.
func parseSinceUntil(w http.ResponseWriter, r *http.Request) (since, until string, ok bool) {
	q := r.URL.Query()
	since, until = q.Get("since"), q.Get("until")
	// Validate RFC3339 upfront: SQLite datetime() silently returns NULL on
	// malformed strings, producing empty results instead of a clear error.
	if since != "" {
		if _, err := time.Parse(time.RFC3339, since); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid since format, use RFC3339"))
			return "", "", false
		}
	}
	if until != "" {
		if _, err := time.Parse(time.RFC3339, until); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid until format, use RFC3339"))
			return "", "", false
		}
	}
	return since, until, true
}
