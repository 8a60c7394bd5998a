package identity

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Upstream field spellings, highest priority first. The SSO directory and the
// local role service disagree on naming, so every attribute is resolved
// through one of these lists.
var (
	loginFields     = []string{"login", "username", "uid"}
	fullNameFields  = []string{"nom_complet", "full_name", "displayName", "name"}
	givenNameFields = []string{"prenom", "first_name", "firstName", "given_name"}
	familyFields    = []string{"nom", "last_name", "lastName", "family_name"}
	emailFields     = []string{"email", "mail"}
	phoneFields     = []string{"telephone", "phone"}
	serviceFields   = []string{"service", "department"}
	siteFields      = []string{"site", "location"}
	roleLabelFields = []string{"libelle", "label"}
)

// Normalize converts a raw upstream user payload into a User. It is pure:
// the same input always yields the same output, and it never fails.
func Normalize(raw map[string]any) User {
	login := firstString(raw, loginFields)

	u := User{
		ID:       idFromLogin(login),
		Login:    login,
		Name:     displayName(raw),
		Email:    firstString(raw, emailFields),
		Phone:    firstString(raw, phoneFields),
		Service:  firstString(raw, serviceFields),
		Site:     firstString(raw, siteFields),
		RoleCode: RoleNone,
	}

	if role, ok := raw["role"].(map[string]any); ok {
		if code := stringValue(role["code"]); code != "" {
			u.RoleCode = code
		}
		u.RoleLabel = firstString(role, roleLabelFields)
	}

	if perms, ok := raw["permissions"].(map[string]any); ok {
		u.Permissions = PermissionsFrom(perms)
	}
	return u
}

// idFromLogin keeps only the digits of the login handle ("u12345" -> 12345).
// An empty or out-of-range result maps to 0.
func idFromLogin(login string) int64 {
	var b strings.Builder
	for _, r := range login {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return 0
	}
	id, err := strconv.ParseInt(b.String(), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func displayName(raw map[string]any) string {
	if full := firstString(raw, fullNameFields); full != "" {
		return full
	}
	given := firstString(raw, givenNameFields)
	family := firstString(raw, familyFields)
	return strings.TrimSpace(given + " " + family)
}

func firstString(raw map[string]any, keys []string) string {
	for _, k := range keys {
		if s := stringValue(raw[k]); s != "" {
			return s
		}
	}
	return ""
}

// stringValue renders v as trimmed NFC text, so names sent decomposed by
// the directory compare equal to the composed form.
func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return norm.NFC.String(strings.TrimSpace(t))
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}
