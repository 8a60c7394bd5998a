package identity

// Permission is the wire key of a single capability flag.
type Permission string

const (
	PermCreate        Permission = "can_create"
	PermEdit          Permission = "can_edit"
	PermViewAll       Permission = "can_view_all"
	PermValidate      Permission = "can_validate"
	PermViewArchives  Permission = "can_view_archives"
	PermArchive       Permission = "can_archive"
	PermUnarchive     Permission = "can_unarchive"
	PermViewTrash     Permission = "can_view_trash"
	PermRestore       Permission = "can_restore"
	PermSoftDelete    Permission = "can_soft_delete"
	PermForceDelete   Permission = "can_force_delete"
	PermViewDashboard Permission = "can_view_dashboard"
	PermManageEmails  Permission = "can_manage_emails"
	PermExport        Permission = "can_export"
	PermViewHistory   Permission = "can_view_history"
)

// Permissions is the fixed-shape capability set. Every flag is always
// serialised; the zero value denies everything.
type Permissions struct {
	Create        bool `json:"can_create"`
	Edit          bool `json:"can_edit"`
	ViewAll       bool `json:"can_view_all"`
	Validate      bool `json:"can_validate"`
	ViewArchives  bool `json:"can_view_archives"`
	Archive       bool `json:"can_archive"`
	Unarchive     bool `json:"can_unarchive"`
	ViewTrash     bool `json:"can_view_trash"`
	Restore       bool `json:"can_restore"`
	SoftDelete    bool `json:"can_soft_delete"`
	ForceDelete   bool `json:"can_force_delete"`
	ViewDashboard bool `json:"can_view_dashboard"`
	ManageEmails  bool `json:"can_manage_emails"`
	Export        bool `json:"can_export"`
	ViewHistory   bool `json:"can_view_history"`
}

type permissionField struct {
	key Permission
	ref func(*Permissions) *bool
}

// permissionFields is the canonical order of the recognised keys.
var permissionFields = []permissionField{
	{PermCreate, func(p *Permissions) *bool { return &p.Create }},
	{PermEdit, func(p *Permissions) *bool { return &p.Edit }},
	{PermViewAll, func(p *Permissions) *bool { return &p.ViewAll }},
	{PermValidate, func(p *Permissions) *bool { return &p.Validate }},
	{PermViewArchives, func(p *Permissions) *bool { return &p.ViewArchives }},
	{PermArchive, func(p *Permissions) *bool { return &p.Archive }},
	{PermUnarchive, func(p *Permissions) *bool { return &p.Unarchive }},
	{PermViewTrash, func(p *Permissions) *bool { return &p.ViewTrash }},
	{PermRestore, func(p *Permissions) *bool { return &p.Restore }},
	{PermSoftDelete, func(p *Permissions) *bool { return &p.SoftDelete }},
	{PermForceDelete, func(p *Permissions) *bool { return &p.ForceDelete }},
	{PermViewDashboard, func(p *Permissions) *bool { return &p.ViewDashboard }},
	{PermManageEmails, func(p *Permissions) *bool { return &p.ManageEmails }},
	{PermExport, func(p *Permissions) *bool { return &p.Export }},
	{PermViewHistory, func(p *Permissions) *bool { return &p.ViewHistory }},
}

// AllPermissions returns every recognised permission key.
func AllPermissions() []Permission {
	keys := make([]Permission, len(permissionFields))
	for i, f := range permissionFields {
		keys[i] = f.key
	}
	return keys
}

// Has reports whether the flag for key is set. Unknown keys are never granted.
func (p Permissions) Has(key Permission) bool {
	for _, f := range permissionFields {
		if f.key == key {
			return *f.ref(&p)
		}
	}
	return false
}

// Set sets the flag for key. It returns false for unknown keys.
func (p *Permissions) Set(key Permission, v bool) bool {
	for _, f := range permissionFields {
		if f.key == key {
			*f.ref(p) = v
			return true
		}
	}
	return false
}

// Map returns the flags keyed by permission, always with every key present.
func (p Permissions) Map() map[Permission]bool {
	m := make(map[Permission]bool, len(permissionFields))
	for _, f := range permissionFields {
		m[f.key] = *f.ref(&p)
	}
	return m
}

// PermissionsFrom reads the recognised keys out of a loosely-typed upstream
// object. Only boolean true (or the strings "1"/"true", or non-zero numbers)
// grant a flag; anything else, including absence, is false.
func PermissionsFrom(raw map[string]any) Permissions {
	var p Permissions
	for _, f := range permissionFields {
		*f.ref(&p) = truthy(raw[string(f.key)])
	}
	return p
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case string:
		return t == "1" || t == "true"
	default:
		return false
	}
}
