package incident

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/incitrack/incitrack/identity"
	"github.com/incitrack/incitrack/internal/uuid"
)

// Service applies the incident lifecycle rules on top of a Repository.
// Route-level permissions are enforced by the API; the service enforces
// ownership and state transitions.
type Service struct {
	repo  Repository
	now   func() time.Time
	newID func() string

	// mu serialises read-modify-write transitions.
	mu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service over repo.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:  repo,
		now:   time.Now,
		newID: uuid.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create records a new active, unvalidated incident owned by actor.
func (s *Service) Create(ctx context.Context, actor identity.User, d Draft) (Incident, error) {
	d = d.normalized()
	if err := d.validate(); err != nil {
		return Incident{}, err
	}
	now := s.now().UTC()
	inc := Incident{
		ID:        s.newID(),
		CreatedBy: actor.Login,
		CreatedAt: now,
		UpdatedAt: now,
	}
	applyDraft(&inc, d, now)
	if inc.Site == "" {
		inc.Site = actor.Site
	}
	if inc.Service == "" {
		inc.Service = actor.Service
	}
	if err := s.repo.Put(ctx, inc); err != nil {
		return Incident{}, err
	}
	if err := s.repo.AppendHistory(ctx, inc.ID, HistoryEntry{At: now, Actor: actor.Login, Action: ActionCreated}); err != nil {
		return Incident{}, err
	}
	return inc, nil
}

// Update replaces the editable fields of an active incident.
func (s *Service) Update(ctx context.Context, actor identity.User, id string, d Draft) (Incident, error) {
	d = d.normalized()
	if err := d.validate(); err != nil {
		return Incident{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, err := s.visible(ctx, actor, id)
	if err != nil {
		return Incident{}, err
	}
	if inc.View() != ViewActive {
		return Incident{}, fmt.Errorf("%w: only active incidents can be edited", ErrInvalidState)
	}
	before := inc
	now := s.now().UTC()
	applyDraft(&inc, d, now)
	changes := diff(before, inc)
	if len(changes) == 0 {
		return inc, nil
	}
	inc.UpdatedAt = now
	if err := s.repo.Put(ctx, inc); err != nil {
		return Incident{}, err
	}
	if err := s.repo.AppendHistory(ctx, id, HistoryEntry{At: now, Actor: actor.Login, Action: ActionUpdated, Changes: changes}); err != nil {
		return Incident{}, err
	}
	return inc, nil
}

// Get returns one incident if actor may see it.
func (s *Service) Get(ctx context.Context, actor identity.User, id string) (Incident, error) {
	return s.visible(ctx, actor, id)
}

// List returns the incidents of one lifecycle bucket visible to actor.
func (s *Service) List(ctx context.Context, actor identity.User, view View) ([]Incident, error) {
	all, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Incident, 0, len(all))
	for _, inc := range all {
		if inc.View() == view && canSee(actor, inc) {
			out = append(out, inc)
		}
	}
	return out, nil
}

// Validate marks an active incident as validated by actor.
func (s *Service) Validate(ctx context.Context, actor identity.User, id string) (Incident, error) {
	return s.transition(ctx, actor, id, ActionValidated,
		func(inc Incident) bool { return inc.View() == ViewActive && !inc.Validated },
		func(inc *Incident, now time.Time) {
			inc.Validated = true
			inc.ValidatedBy = actor.Login
			inc.ValidatedAt = &now
		})
}

// Archive moves a validated active incident to the archive.
func (s *Service) Archive(ctx context.Context, actor identity.User, id string) (Incident, error) {
	return s.transition(ctx, actor, id, ActionArchived,
		func(inc Incident) bool { return inc.View() == ViewActive && inc.Validated },
		func(inc *Incident, now time.Time) { inc.ArchivedAt = &now })
}

// Unarchive returns an archived incident to the active list.
func (s *Service) Unarchive(ctx context.Context, actor identity.User, id string) (Incident, error) {
	return s.transition(ctx, actor, id, ActionUnarchived,
		func(inc Incident) bool { return inc.View() == ViewArchived },
		func(inc *Incident, _ time.Time) { inc.ArchivedAt = nil })
}

// SoftDelete moves an incident to the trash.
func (s *Service) SoftDelete(ctx context.Context, actor identity.User, id string) (Incident, error) {
	return s.transition(ctx, actor, id, ActionSoftDeleted,
		func(inc Incident) bool { return inc.View() != ViewTrash },
		func(inc *Incident, now time.Time) { inc.DeletedAt = &now })
}

// Restore takes an incident out of the trash, back to the bucket it was
// deleted from.
func (s *Service) Restore(ctx context.Context, actor identity.User, id string) (Incident, error) {
	return s.transition(ctx, actor, id, ActionRestored,
		func(inc Incident) bool { return inc.View() == ViewTrash },
		func(inc *Incident, _ time.Time) { inc.DeletedAt = nil })
}

// ForceDelete permanently removes a trashed incident and its history.
func (s *Service) ForceDelete(ctx context.Context, actor identity.User, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, err := s.visible(ctx, actor, id)
	if err != nil {
		return err
	}
	if inc.View() != ViewTrash {
		return fmt.Errorf("%w: only trashed incidents can be deleted permanently", ErrInvalidState)
	}
	return s.repo.Delete(ctx, id)
}

// History returns the change log of an incident visible to actor.
func (s *Service) History(ctx context.Context, actor identity.User, id string) ([]HistoryEntry, error) {
	if _, err := s.visible(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.repo.History(ctx, id)
}

// Stats summarises every stored incident.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	all, err := s.repo.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		BySeverity: make(map[string]int),
		ByCategory: make(map[string]int),
	}
	for _, inc := range all {
		st.Total++
		switch inc.View() {
		case ViewTrash:
			st.Trashed++
			continue
		case ViewArchived:
			st.Archived++
		case ViewActive:
			st.Active++
			if !inc.Validated {
				st.PendingValidation++
			}
		}
		if inc.Validated {
			st.Validated++
		}
		st.BySeverity[inc.Severity]++
		if inc.Category != "" {
			st.ByCategory[inc.Category]++
		}
	}
	return st, nil
}

var csvHeader = []string{
	"id", "title", "severity", "category", "site", "service", "occurred_at",
	"created_by", "created_at", "validated", "validated_by", "archived_at", "deleted_at",
}

// ExportCSV writes the incidents of one bucket visible to actor as CSV.
func (s *Service) ExportCSV(ctx context.Context, actor identity.User, view View, w io.Writer) error {
	incidents, err := s.List(ctx, actor, view)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, inc := range incidents {
		row := []string{
			inc.ID,
			inc.Title,
			inc.Severity,
			inc.Category,
			inc.Site,
			inc.Service,
			formatTime(&inc.OccurredAt),
			inc.CreatedBy,
			formatTime(&inc.CreatedAt),
			strconv.FormatBool(inc.Validated),
			inc.ValidatedBy,
			formatTime(inc.ArchivedAt),
			formatTime(inc.DeletedAt),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (s *Service) transition(
	ctx context.Context,
	actor identity.User,
	id, action string,
	allowed func(Incident) bool,
	apply func(*Incident, time.Time),
) (Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, err := s.visible(ctx, actor, id)
	if err != nil {
		return Incident{}, err
	}
	if !allowed(inc) {
		return Incident{}, fmt.Errorf("%w: cannot apply %s to a %s incident", ErrInvalidState, action, describe(inc))
	}
	now := s.now().UTC()
	apply(&inc, now)
	inc.UpdatedAt = now
	if err := s.repo.Put(ctx, inc); err != nil {
		return Incident{}, err
	}
	if err := s.repo.AppendHistory(ctx, id, HistoryEntry{At: now, Actor: actor.Login, Action: action}); err != nil {
		return Incident{}, err
	}
	return inc, nil
}

func (s *Service) visible(ctx context.Context, actor identity.User, id string) (Incident, error) {
	inc, err := s.repo.Get(ctx, id)
	if err != nil {
		return Incident{}, err
	}
	if !canSee(actor, inc) {
		return Incident{}, ErrForbidden
	}
	return inc, nil
}

// canSee applies bucket permissions, then ownership for users without
// can_view_all.
func canSee(actor identity.User, inc Incident) bool {
	switch inc.View() {
	case ViewTrash:
		if !actor.Can(identity.PermViewTrash) {
			return false
		}
	case ViewArchived:
		if !actor.Can(identity.PermViewArchives) {
			return false
		}
	}
	return actor.Can(identity.PermViewAll) || inc.CreatedBy == actor.Login
}

func applyDraft(inc *Incident, d Draft, now time.Time) {
	inc.Title = d.Title
	inc.Description = d.Description
	inc.Category = d.Category
	inc.Severity = d.Severity
	inc.Site = d.Site
	inc.Service = d.Service
	inc.OccurredAt = d.OccurredAt.UTC()
	if d.OccurredAt.IsZero() {
		inc.OccurredAt = now
	}
}

func diff(a, b Incident) map[string]string {
	changes := make(map[string]string)
	check := func(field, before, after string) {
		if before != after {
			changes[field] = before + " -> " + after
		}
	}
	check("title", a.Title, b.Title)
	check("description", a.Description, b.Description)
	check("category", a.Category, b.Category)
	check("severity", a.Severity, b.Severity)
	check("site", a.Site, b.Site)
	check("service", a.Service, b.Service)
	check("occurred_at", formatTime(&a.OccurredAt), formatTime(&b.OccurredAt))
	return changes
}

func describe(inc Incident) string {
	if inc.View() == ViewActive && inc.Validated {
		return "validated"
	}
	return string(inc.View())
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
