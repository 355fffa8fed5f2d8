package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	relay "github.com/eugener/palantir/internal"
)

func (s *server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	since, until, ok := parseSinceUntil(w, r)
	if !ok {
		return
	}
	offset, limit := parsePagination(r)

	f := relay.UsageFilter{
		AccountID: r.URL.Query().Get("account_id"),
		Since:     since,
		Until:     until,
		Offset:    offset,
		Limit:     limit,
	}

	records, err := s.deps.Store.QueryUsage(r.Context(), f)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	total, err := s.deps.Store.CountUsage(r.Context(), f)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if records == nil {
		records = []relay.UsageRecord{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       records,
		Pagination: pagination{Offset: offset, Limit: limit, Total: total},
	})
}

func (s *server) handleGetPayload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	data, err := s.deps.Store.GetPayload(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(data) //nolint:errcheck
}
