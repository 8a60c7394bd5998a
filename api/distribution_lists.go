package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/incitrack/incitrack/incident"
)

// ListDistributionLists handles GET /api/v1/distribution-lists.
func (a *API) ListDistributionLists(w http.ResponseWriter, r *http.Request) {
	lists, err := a.lists.List(r.Context())
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	if lists == nil {
		lists = []incident.DistributionList{}
	}
	writeJSON(w, http.StatusOK, ListDistributionListsResponse{Lists: lists})
}

// GetDistributionList handles GET /api/v1/distribution-lists/{name}.
func (a *API) GetDistributionList(w http.ResponseWriter, r *http.Request) {
	list, err := a.lists.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// PutDistributionList handles PUT /api/v1/distribution-lists/{name}.
func (a *API) PutDistributionList(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[PutDistributionListRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	u, _ := CurrentUser(r.Context())
	list, err := a.lists.Put(r.Context(), u.Login, chi.URLParam(r, "name"), req.Emails)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.log(AuditDistributionUpdated, r,
		slog.String("list", list.Name),
		slog.Int("recipients", len(list.Emails)))
	writeJSON(w, http.StatusOK, list)
}

// DeleteDistributionList handles DELETE /api/v1/distribution-lists/{name}.
func (a *API) DeleteDistributionList(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.lists.Delete(r.Context(), name); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.log(AuditDistributionDeleted, r, slog.String("list", name))
	w.WriteHeader(http.StatusNoContent)
}
