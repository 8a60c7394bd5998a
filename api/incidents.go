package api

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/incitrack/incitrack/identity"
	"github.com/incitrack/incitrack/incident"
)

// CurrentUserInfo handles GET /api/v1/me.
func (a *API) CurrentUserInfo(w http.ResponseWriter, r *http.Request) {
	u, _ := CurrentUser(r.Context())
	writeJSON(w, http.StatusOK, CurrentUserResponse{
		User:        u,
		Permissions: u.Permissions.Map(),
	})
}

// ListIncidents handles GET /api/v1/incidents?view=active|archived|trash.
func (a *API) ListIncidents(w http.ResponseWriter, r *http.Request) {
	u, _ := CurrentUser(r.Context())
	view, ok := a.requestView(w, r, u)
	if !ok {
		return
	}
	all, err := a.incidents.List(r.Context(), u, view)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	page, meta := paginate(r, all)
	writeJSON(w, http.StatusOK, ListIncidentsResponse{Incidents: page, PaginationMeta: meta})
}

// CreateIncident handles POST /api/v1/incidents.
func (a *API) CreateIncident(w http.ResponseWriter, r *http.Request) {
	d, ok := decodeJSON[incident.Draft](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	u, _ := CurrentUser(r.Context())
	inc, err := a.incidents.Create(r.Context(), u, d)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logIncident(AuditIncidentCreated, r, inc.ID, slog.String("severity", inc.Severity))
	writeJSON(w, http.StatusCreated, inc)
}

// GetIncident handles GET /api/v1/incidents/{incidentID}.
func (a *API) GetIncident(w http.ResponseWriter, r *http.Request) {
	u, _ := CurrentUser(r.Context())
	inc, err := a.incidents.Get(r.Context(), u, chi.URLParam(r, "incidentID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// UpdateIncident handles PUT /api/v1/incidents/{incidentID}.
func (a *API) UpdateIncident(w http.ResponseWriter, r *http.Request) {
	d, ok := decodeJSON[incident.Draft](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	u, _ := CurrentUser(r.Context())
	inc, err := a.incidents.Update(r.Context(), u, chi.URLParam(r, "incidentID"), d)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logIncident(AuditIncidentUpdated, r, inc.ID)
	writeJSON(w, http.StatusOK, inc)
}

type transitionFunc func(ctx context.Context, actor identity.User, id string) (incident.Incident, error)

// transition runs one lifecycle operation and audits it on success.
func (a *API) transition(w http.ResponseWriter, r *http.Request, op transitionFunc, event AuditEvent) {
	u, _ := CurrentUser(r.Context())
	inc, err := op(r.Context(), u, chi.URLParam(r, "incidentID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logIncident(event, r, inc.ID)
	writeJSON(w, http.StatusOK, inc)
}

// ValidateIncident handles POST /api/v1/incidents/{incidentID}/validate.
func (a *API) ValidateIncident(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, a.incidents.Validate, AuditIncidentValidated)
}

// ArchiveIncident handles POST /api/v1/incidents/{incidentID}/archive.
func (a *API) ArchiveIncident(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, a.incidents.Archive, AuditIncidentArchived)
}

// UnarchiveIncident handles POST /api/v1/incidents/{incidentID}/unarchive.
func (a *API) UnarchiveIncident(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, a.incidents.Unarchive, AuditIncidentUnarchived)
}

// SoftDeleteIncident handles DELETE /api/v1/incidents/{incidentID}.
func (a *API) SoftDeleteIncident(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, a.incidents.SoftDelete, AuditIncidentSoftDeleted)
}

// RestoreIncident handles POST /api/v1/incidents/{incidentID}/restore.
func (a *API) RestoreIncident(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, a.incidents.Restore, AuditIncidentRestored)
}

// ForceDeleteIncident handles DELETE /api/v1/incidents/{incidentID}/force.
func (a *API) ForceDeleteIncident(w http.ResponseWriter, r *http.Request) {
	u, _ := CurrentUser(r.Context())
	id := chi.URLParam(r, "incidentID")
	if err := a.incidents.ForceDelete(r.Context(), u, id); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logIncident(AuditIncidentForceDeleted, r, id)
	w.WriteHeader(http.StatusNoContent)
}

// IncidentHistory handles GET /api/v1/incidents/{incidentID}/history.
func (a *API) IncidentHistory(w http.ResponseWriter, r *http.Request) {
	u, _ := CurrentUser(r.Context())
	id := chi.URLParam(r, "incidentID")
	entries, err := a.incidents.History(r.Context(), u, id)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	if entries == nil {
		entries = []incident.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, IncidentHistoryResponse{IncidentID: id, Entries: entries})
}

// IncidentStats handles GET /api/v1/incidents/stats.
func (a *API) IncidentStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.incidents.Stats(r.Context())
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ExportIncidents handles GET /api/v1/incidents/export?view=... and streams
// the selected bucket as CSV.
func (a *API) ExportIncidents(w http.ResponseWriter, r *http.Request) {
	u, _ := CurrentUser(r.Context())
	view, ok := a.requestView(w, r, u)
	if !ok {
		return
	}

	// Render fully before writing so a storage failure still yields a JSON error.
	var buf bytes.Buffer
	if err := a.incidents.ExportCSV(r.Context(), u, view, &buf); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.log(AuditIncidentsExported, r, slog.String("view", string(view)))

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "incidents-"+string(view)+".csv"))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// requestView parses the view query parameter and checks that u may list it.
func (a *API) requestView(w http.ResponseWriter, r *http.Request, u identity.User) (incident.View, bool) {
	view, ok := incident.ParseView(r.URL.Query().Get("view"))
	if !ok {
		writeError(w, http.StatusBadRequest, "view must be one of active, archived, trash")
		return "", false
	}
	switch {
	case view == incident.ViewArchived && !u.Can(identity.PermViewArchives):
		writeError(w, http.StatusForbidden, "missing permission "+string(identity.PermViewArchives))
		return "", false
	case view == incident.ViewTrash && !u.Can(identity.PermViewTrash):
		writeError(w, http.StatusForbidden, "missing permission "+string(identity.PermViewTrash))
		return "", false
	}
	return view, true
}
