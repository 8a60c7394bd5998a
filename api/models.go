package api

import (
	"github.com/incitrack/incitrack/identity"
	"github.com/incitrack/incitrack/incident"
)

// StatusResponse is the generic {"status": ...} body.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// MeResponse is returned from GET /auth/me.
type MeResponse struct {
	Authenticated bool           `json:"authenticated"`
	User          map[string]any `json:"user,omitempty"`
	Token         string         `json:"token,omitempty"`
}

// CurrentUserResponse is returned from GET /api/v1/me.
type CurrentUserResponse struct {
	User        identity.User                `json:"user"`
	Permissions map[identity.Permission]bool `json:"permissions"`
}

// ListIncidentsResponse is returned from GET /api/v1/incidents.
type ListIncidentsResponse struct {
	Incidents []incident.Incident `json:"incidents"`
	PaginationMeta
}

// IncidentHistoryResponse is returned from GET /api/v1/incidents/{incidentID}/history.
type IncidentHistoryResponse struct {
	IncidentID string                  `json:"incident_id"`
	Entries    []incident.HistoryEntry `json:"entries"`
}

// PutDistributionListRequest is the JSON body for PUT /api/v1/distribution-lists/{name}.
type PutDistributionListRequest struct {
	Emails []string `json:"emails"`
}

// ListDistributionListsResponse is returned from GET /api/v1/distribution-lists.
type ListDistributionListsResponse struct {
	Lists []incident.DistributionList `json:"lists"`
}
