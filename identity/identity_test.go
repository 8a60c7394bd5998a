package identity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeFullPayload(t *testing.T) {
	raw := map[string]any{
		"login":      "u004512",
		"prenom":     "Claire",
		"nom":        "Dubois",
		"mail":       "claire.dubois@example.org",
		"telephone":  "0102030405",
		"department": "DSI",
		"site":       "Lyon",
		"role": map[string]any{
			"code":    "rssi",
			"libelle": "Responsable sécurité",
		},
		"permissions": map[string]any{
			"can_create":   true,
			"can_validate": true,
			"can_export":   false,
			"unknown_key":  true,
		},
	}

	u := Normalize(raw)
	assert.Equal(t, int64(4512), u.ID)
	assert.Equal(t, "u004512", u.Login)
	assert.Equal(t, "Claire Dubois", u.Name)
	assert.Equal(t, "claire.dubois@example.org", u.Email)
	assert.Equal(t, "0102030405", u.Phone)
	assert.Equal(t, "DSI", u.Service)
	assert.Equal(t, "Lyon", u.Site)
	assert.Equal(t, "rssi", u.RoleCode)
	assert.Equal(t, "Responsable sécurité", u.RoleLabel)
	assert.True(t, u.Can(PermCreate))
	assert.True(t, u.Can(PermValidate))
	assert.False(t, u.Can(PermExport))
	assert.False(t, u.Can(Permission("unknown_key")))
}

func TestNormalizeFieldPriority(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
		want string
	}{
		{"explicit full name wins", map[string]any{"nom_complet": "Jean Martin", "prenom": "X", "nom": "Y"}, "Jean Martin"},
		{"english full name", map[string]any{"full_name": "Ann Lee"}, "Ann Lee"},
		{"camel case parts", map[string]any{"firstName": "Ann", "lastName": "Lee"}, "Ann Lee"},
		{"only family name is trimmed", map[string]any{"family_name": "Lee"}, "Lee"},
		{"blank full name falls through", map[string]any{"full_name": "  ", "given_name": "Bo"}, "Bo"},
		{"nothing", map[string]any{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.raw).Name)
		})
	}
}

func TestNormalizeFirstNonEmptySpelling(t *testing.T) {
	u := Normalize(map[string]any{
		"email":    "",
		"mail":     "fallback@example.org",
		"phone":    "+33 1",
		"service":  "SOC",
		"location": "Paris",
	})
	assert.Equal(t, "fallback@example.org", u.Email)
	assert.Equal(t, "+33 1", u.Phone)
	assert.Equal(t, "SOC", u.Service)
	assert.Equal(t, "Paris", u.Site)
}

func TestNormalizeIdentifier(t *testing.T) {
	tests := []struct {
		login string
		want  int64
	}{
		{"u12345", 12345},
		{"12-34", 1234},
		{"admin", 0},
		{"", 0},
		{"99999999999999999999999", 0},
	}
	for _, tt := range tests {
		t.Run(tt.login, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(map[string]any{"login": tt.login}).ID)
		})
	}
}

func TestNormalizeMissingRoleAndPermissions(t *testing.T) {
	u := Normalize(map[string]any{"username": "jdoe"})
	assert.Equal(t, RoleNone, u.RoleCode)
	assert.Empty(t, u.RoleLabel)
	assert.False(t, u.HasRole())

	data, err := json.Marshal(u)
	require.NoError(t, err)
	var back struct {
		Permissions map[string]bool `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(data, &back))
	require.Len(t, back.Permissions, 15)
	for _, key := range AllPermissions() {
		v, ok := back.Permissions[string(key)]
		assert.True(t, ok, "missing %s", key)
		assert.False(t, v, "%s should default to false", key)
	}
}

func TestNormalizeNullRole(t *testing.T) {
	u := Normalize(map[string]any{"login": "x1", "role": nil})
	assert.Equal(t, RoleNone, u.RoleCode)

	u = Normalize(map[string]any{"login": "x1", "role": map[string]any{"code": nil}})
	assert.Equal(t, RoleNone, u.RoleCode)
}

func TestNormalizeDeterministic(t *testing.T) {
	raw := map[string]any{
		"login":       "a77",
		"first_name":  "Léa",
		"last_name":   "Roux",
		"email":       "lea@example.org",
		"role":        map[string]any{"code": "analyste", "label": "Analyste"},
		"permissions": map[string]any{"can_view_all": true, "can_view_history": 1.0},
	}
	first, err := json.Marshal(Normalize(raw))
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := json.Marshal(Normalize(raw))
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestNormalizeComposesNames(t *testing.T) {
	decomposed := Normalize(map[string]any{"login": "a78", "prenom": "He\u0301le\u0300ne", "nom": "Dupre\u0301"})
	composed := Normalize(map[string]any{"login": "a78", "prenom": "H\u00e9l\u00e8ne", "nom": "Dupr\u00e9"})
	assert.Equal(t, composed.Name, decomposed.Name)
	assert.Equal(t, "H\u00e9l\u00e8ne Dupr\u00e9", decomposed.Name)
}

func TestPermissionsSetAndMap(t *testing.T) {
	var p Permissions
	assert.True(t, p.Set(PermArchive, true))
	assert.False(t, p.Set(Permission("nope"), true))
	assert.True(t, p.Has(PermArchive))

	m := p.Map()
	assert.Len(t, m, len(AllPermissions()))
	assert.True(t, m[PermArchive])
	assert.False(t, m[PermUnarchive])
}
