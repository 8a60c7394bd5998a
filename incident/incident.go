// Package incident holds security incidents and the lifecycle operations the
// API exposes on them: validation, archiving and the trash.
package incident

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

var (
	// ErrNotFound is returned when an incident or distribution list does not exist.
	ErrNotFound = errors.New("incident not found")
	// ErrInvalidState is returned when a lifecycle transition is not allowed
	// from the incident's current state.
	ErrInvalidState = errors.New("invalid incident state for this operation")
	// ErrInvalidInput is returned when a draft fails validation.
	ErrInvalidInput = errors.New("invalid incident input")
	// ErrForbidden is returned when the actor may not see or change an incident.
	ErrForbidden = errors.New("not allowed to access this incident")
)

// Severity levels.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

var severities = map[string]bool{
	SeverityLow:      true,
	SeverityMedium:   true,
	SeverityHigh:     true,
	SeverityCritical: true,
}

// View selects which lifecycle bucket a listing covers.
type View string

const (
	ViewActive   View = "active"
	ViewArchived View = "archived"
	ViewTrash    View = "trash"
)

// ParseView maps a query value to a View. Empty means ViewActive.
func ParseView(s string) (View, bool) {
	switch View(s) {
	case "", ViewActive:
		return ViewActive, true
	case ViewArchived:
		return ViewArchived, true
	case ViewTrash:
		return ViewTrash, true
	}
	return "", false
}

// Incident is a reported security incident.
type Incident struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Category    string     `json:"category,omitempty"`
	Severity    string     `json:"severity"`
	Site        string     `json:"site,omitempty"`
	Service     string     `json:"service,omitempty"`
	OccurredAt  time.Time  `json:"occurred_at"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Validated   bool       `json:"validated"`
	ValidatedBy string     `json:"validated_by,omitempty"`
	ValidatedAt *time.Time `json:"validated_at,omitempty"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// View returns the lifecycle bucket the incident currently sits in. The
// trash takes precedence over the archive.
func (i Incident) View() View {
	switch {
	case i.DeletedAt != nil:
		return ViewTrash
	case i.ArchivedAt != nil:
		return ViewArchived
	default:
		return ViewActive
	}
}

// Draft carries the user-editable fields of an incident.
type Draft struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	Severity    string    `json:"severity"`
	Site        string    `json:"site,omitempty"`
	Service     string    `json:"service,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// normalized trims the free-text fields and puts them in NFC form.
func (d Draft) normalized() Draft {
	for _, f := range []*string{&d.Title, &d.Description, &d.Category, &d.Site, &d.Service} {
		*f = norm.NFC.String(strings.TrimSpace(*f))
	}
	d.Severity = strings.ToLower(strings.TrimSpace(d.Severity))
	return d
}

func (d Draft) validate() error {
	if d.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if !severities[d.Severity] {
		return fmt.Errorf("%w: severity must be one of low, medium, high, critical", ErrInvalidInput)
	}
	return nil
}

// Action names recorded in the history.
const (
	ActionCreated     = "created"
	ActionUpdated     = "updated"
	ActionValidated   = "validated"
	ActionArchived    = "archived"
	ActionUnarchived  = "unarchived"
	ActionSoftDeleted = "soft_deleted"
	ActionRestored    = "restored"
)

// HistoryEntry records one change to an incident.
type HistoryEntry struct {
	At      time.Time         `json:"at"`
	Actor   string            `json:"actor"`
	Action  string            `json:"action"`
	Changes map[string]string `json:"changes,omitempty"`
}

// Stats summarises incidents for the dashboard.
type Stats struct {
	Total             int            `json:"total"`
	Active            int            `json:"active"`
	PendingValidation int            `json:"pending_validation"`
	Validated         int            `json:"validated"`
	Archived          int            `json:"archived"`
	Trashed           int            `json:"trashed"`
	BySeverity        map[string]int `json:"by_severity"`
	ByCategory        map[string]int `json:"by_category"`
}
