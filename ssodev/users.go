package ssodev

import "github.com/incitrack/incitrack/identity"

// DefaultUsers is the directory served when none is configured: an
// administrator holding every permission, an analyst, and a user with no
// role at all. Payloads use the upstream directory's field spellings.
func DefaultUsers() map[string]map[string]any {
	all := make(map[string]any)
	for _, p := range identity.AllPermissions() {
		all[string(p)] = true
	}
	return map[string]map[string]any{
		"u1001": {
			"login":       "u1001",
			"nom_complet": "Camille Admin",
			"email":       "camille.admin@incitrack.test",
			"service":     "SSI",
			"site":        "Paris",
			"role":        map[string]any{"code": "admin", "libelle": "Administrateur"},
			"permissions": all,
		},
		"u2002": {
			"login":      "u2002",
			"prenom":     "Nadia",
			"nom":        "Analyste",
			"mail":       "nadia.analyste@incitrack.test",
			"department": "SOC",
			"location":   "Lyon",
			"role":       map[string]any{"code": "analyste", "label": "Analyste SOC"},
			"permissions": map[string]any{
				string(identity.PermCreate):        true,
				string(identity.PermEdit):          true,
				string(identity.PermViewAll):       true,
				string(identity.PermValidate):      true,
				string(identity.PermViewDashboard): true,
				string(identity.PermViewHistory):   true,
				string(identity.PermExport):        true,
			},
		},
		"u3003": {
			"login":     "u3003",
			"full_name": "Paul Lecteur",
			"email":     "paul.lecteur@incitrack.test",
		},
	}
}
