package incident

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/incitrack/incitrack/storage"
)

const distributionPrefix = "distribution_list:"

// DistributionList is a named set of addresses notified about incidents.
type DistributionList struct {
	Name      string    `json:"name"`
	Emails    []string  `json:"emails"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DistributionLists manages distribution lists in a storage.Store.
type DistributionLists struct {
	store storage.Store
	now   func() time.Time
}

// NewDistributionLists creates a manager persisting to store.
func NewDistributionLists(store storage.Store) *DistributionLists {
	return &DistributionLists{store: store, now: time.Now}
}

// List returns all lists sorted by name.
func (d *DistributionLists) List(ctx context.Context) ([]DistributionList, error) {
	keys, err := d.store.Keys(ctx, distributionPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]DistributionList, 0, len(keys))
	for _, key := range keys {
		l, err := d.Get(ctx, strings.TrimPrefix(key, distributionPrefix))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get returns one list.
func (d *DistributionLists) Get(ctx context.Context, name string) (DistributionList, error) {
	raw, err := d.store.Get(ctx, distributionPrefix+name)
	if errors.Is(err, storage.ErrNotFound) {
		return DistributionList{}, ErrNotFound
	}
	if err != nil {
		return DistributionList{}, err
	}
	var l DistributionList
	if err := json.Unmarshal(raw, &l); err != nil {
		return DistributionList{}, fmt.Errorf("decoding distribution list %s: %w", name, err)
	}
	return l, nil
}

// Put creates or replaces a list. Addresses are validated, lower-cased and
// de-duplicated.
func (d *DistributionLists) Put(ctx context.Context, actor, name string, emails []string) (DistributionList, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, "/:") {
		return DistributionList{}, fmt.Errorf("%w: list name must be non-empty and contain no '/' or ':'", ErrInvalidInput)
	}
	seen := make(map[string]bool, len(emails))
	clean := make([]string, 0, len(emails))
	for _, e := range emails {
		addr, err := mail.ParseAddress(strings.TrimSpace(e))
		if err != nil {
			return DistributionList{}, fmt.Errorf("%w: invalid email %q", ErrInvalidInput, e)
		}
		a := strings.ToLower(addr.Address)
		if !seen[a] {
			seen[a] = true
			clean = append(clean, a)
		}
	}
	sort.Strings(clean)

	l := DistributionList{Name: name, Emails: clean, UpdatedBy: actor, UpdatedAt: d.now().UTC()}
	data, err := json.Marshal(l)
	if err != nil {
		return DistributionList{}, fmt.Errorf("encoding distribution list: %w", err)
	}
	if err := d.store.Put(ctx, distributionPrefix+name, data, 0); err != nil {
		return DistributionList{}, err
	}
	return l, nil
}

// Delete removes a list. Deleting a missing list returns ErrNotFound.
func (d *DistributionLists) Delete(ctx context.Context, name string) error {
	if _, err := d.Get(ctx, name); err != nil {
		return err
	}
	return d.store.Delete(ctx, distributionPrefix+name)
}
