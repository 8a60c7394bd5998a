// Package identity defines the authenticated user snapshot shared by the
// server-side verification gate and the client session, together with the
// normalisation rules applied to upstream SSO payloads.
package identity

// RoleNone is the role code assigned when the upstream directory reports no
// role for the user.
const RoleNone = "aucun"

// User is a denormalised identity plus permission set attached to a session.
type User struct {
	ID          int64       `json:"id"`
	Login       string      `json:"login"`
	Name        string      `json:"name"`
	Email       string      `json:"email"`
	Phone       string      `json:"phone"`
	Service     string      `json:"service"`
	Site        string      `json:"site"`
	RoleCode    string      `json:"role_code"`
	RoleLabel   string      `json:"role_label"`
	Permissions Permissions `json:"permissions"`
}

// Can reports whether the user holds permission p.
func (u User) Can(p Permission) bool {
	return u.Permissions.Has(p)
}

// HasRole reports whether an actual role is assigned.
func (u User) HasRole() bool {
	return u.RoleCode != "" && u.RoleCode != RoleNone
}
