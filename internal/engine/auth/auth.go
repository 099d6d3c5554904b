package auth

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Role is a canonical actor role.
type Role string

const (
	Administrador Role = "administrador"
	Tecnico       Role = "tecnico"
	TecnicoCampo  Role = "tecnico_campo"
	Beneficiario  Role = "beneficiario"
)

// Staff are the roles allowed to operate incidents on behalf of the organization.
var Staff = []Role{Administrador, Tecnico, TecnicoCampo}

// Technicians are the roles an incident can be assigned to.
var Technicians = []Role{Tecnico, TecnicoCampo}

var builtinSynonyms = map[string]Role{
	"administrador":    Administrador,
	"administradora":   Administrador,
	"administrator":    Administrador,
	"admin":            Administrador,
	"adm":              Administrador,
	"tecnico":          Tecnico,
	"tecnica":          Tecnico,
	"technician":       Tecnico,
	"tech":             Tecnico,
	"tecnico_campo":    TecnicoCampo,
	"tecnica_campo":    TecnicoCampo,
	"tecnico_de_campo": TecnicoCampo,
	"tecnica_de_campo": TecnicoCampo,
	"tecnico_terreno":  TecnicoCampo,
	"terreno":          TecnicoCampo,
	"field_technician": TecnicoCampo,
	"field_tech":       TecnicoCampo,
	"beneficiario":     Beneficiario,
	"beneficiaria":     Beneficiario,
	"beneficiary":      Beneficiario,
	"vecino":           Beneficiario,
	"vecina":           Beneficiario,
}

// Resolver maps free-text role labels onto canonical roles.
type Resolver struct {
	synonyms map[string]Role
}

// NewResolver extends the built-in synonyms with extra label -> role pairs.
// Extras pointing at an unknown role are ignored; built-ins cannot be overridden.
func NewResolver(extra map[string]string) Resolver {
	syn := make(map[string]Role, len(builtinSynonyms)+len(extra))
	for k, v := range builtinSynonyms {
		syn[k] = v
	}
	for label, target := range extra {
		role, ok := builtinSynonyms[fold(target)]
		if !ok {
			continue
		}
		key := fold(label)
		if _, builtin := builtinSynonyms[key]; builtin {
			continue
		}
		syn[key] = role
	}
	return Resolver{synonyms: syn}
}

// Normalize returns the canonical role for raw, or false when the label is unknown.
func (r Resolver) Normalize(raw string) (Role, bool) {
	syn := r.synonyms
	if syn == nil {
		syn = builtinSynonyms
	}
	role, ok := syn[fold(raw)]
	return role, ok
}

// Normalize resolves raw against the built-in synonyms only.
func Normalize(raw string) (Role, bool) {
	return Resolver{}.Normalize(raw)
}

// fold lowercases, drops diacritics and joins words with underscores.
func fold(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	// A chain carries buffers, so each call builds its own.
	stripMarks := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if out, _, err := transform.String(stripMarks, s); err == nil {
		s = out
	}
	s = strings.Map(func(r rune) rune {
		if r == '-' || r == '.' || unicode.IsSpace(r) {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), "_")
}

// Actor is the identity every engine operation acts as.
type Actor struct {
	ID   string
	Role Role
	Name string
}

func (a Actor) Is(roles ...Role) bool {
	for _, r := range roles {
		if a.Role == r {
			return true
		}
	}
	return false
}

func (a Actor) IsStaff() bool {
	return a.Is(Staff...)
}

// ForbiddenError indicates the actor's role may not perform Action.
// Its message is deliberately generic; Action is for logs only.
type ForbiddenError struct {
	Action string
}

func (e ForbiddenError) Error() string {
	return "not permitted"
}

// Require fails with ForbiddenError unless the actor holds one of allowed.
func Require(a Actor, action string, allowed ...Role) error {
	if a.ID == "" || !a.Is(allowed...) {
		return ForbiddenError{Action: action}
	}
	return nil
}
