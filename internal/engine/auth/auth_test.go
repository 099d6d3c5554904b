package auth

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSynonyms(t *testing.T) {
	cases := map[string]Role{
		"admin":             Administrador,
		"Administrador":     Administrador,
		"  ADMINISTRATOR ":  Administrador,
		"técnico":           Tecnico,
		"Técnica":           Tecnico,
		"tecnico de campo":  TecnicoCampo,
		"Técnico-de-Campo":  TecnicoCampo,
		"field technician":  TecnicoCampo,
		"tecnico_campo":     TecnicoCampo,
		"beneficiaria":      Beneficiario,
		"Beneficiary":       Beneficiario,
	}
	for raw, want := range cases {
		got, ok := Normalize(raw)
		require.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}
}

func TestNormalizeRejectsUnknown(t *testing.T) {
	for _, raw := range []string{"", "   ", "root", "superuser", "authenticated"} {
		role, ok := Normalize(raw)
		assert.False(t, ok, raw)
		assert.Empty(t, role, raw)
	}
}

func TestResolverExtraSynonyms(t *testing.T) {
	r := NewResolver(map[string]string{
		"Coordinador": "admin",
		"jefe obra":   "técnico",
		"intruso":     "root",
		"admin":       "beneficiario",
	})
	role, ok := r.Normalize("coordinador")
	require.True(t, ok)
	assert.Equal(t, Administrador, role)

	role, ok = r.Normalize("Jefe Obra")
	require.True(t, ok)
	assert.Equal(t, Tecnico, role)

	_, ok = r.Normalize("intruso")
	assert.False(t, ok)

	role, _ = r.Normalize("admin")
	assert.Equal(t, Administrador, role, "built-ins cannot be overridden")
}

func TestRequire(t *testing.T) {
	tech := Actor{ID: "t1", Role: Tecnico}
	require.NoError(t, Require(tech, "incident.assign", Administrador, Tecnico))

	err := Require(Actor{ID: "b1", Role: Beneficiario}, "incident.assign", Administrador, Tecnico)
	var fe ForbiddenError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "incident.assign", fe.Action)
	assert.Equal(t, "not permitted", err.Error())

	assert.Error(t, Require(Actor{Role: Administrador}, "x", Administrador), "anonymous actor is denied")
}

func TestNormalizeConcurrent(t *testing.T) {
	labels := map[string]Role{
		"Técnico":          Tecnico,
		"Técnico de Campo": TecnicoCampo,
		"Beneficiaria":     Beneficiario,
		"Administradora":   Administrador,
	}
	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				for raw, want := range labels {
					got, ok := Normalize(raw)
					if !ok || got != want {
						t.Errorf("Normalize(%q) = %q, %v", raw, got, ok)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}
