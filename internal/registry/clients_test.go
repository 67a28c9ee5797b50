package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadClients(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "clients.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
clients:
  "40432544000147":
    name: Claro SP
    cnpj: "40432544000147"
    city: Sao Paulo
    state: SP
default:
  name: Claro S.A.
  cnpj: "40432544000147"
`), 0o644))

	reg, err := LoadClients(path)
	require.NoError(t, err)

	known := reg.Lookup("40432544000147")
	assert.Equal(t, "Claro SP", known.Name)
	assert.Equal(t, "SP", known.State)

	fallback := reg.Lookup("99999999999999")
	assert.Equal(t, "Claro S.A.", fallback.Name)

	empty := reg.Lookup("")
	assert.Equal(t, "Claro S.A.", empty.Name)
}

func TestLoadClientsMissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadClients(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadClientsMalformed(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "clients.yaml")
	require.NoError(t, os.WriteFile(path, []byte("clients: [not a map"), 0o644))

	_, err := LoadClients(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse clients file")
}

func TestLookupNilRegistry(t *testing.T) {
	t.Parallel()

	var reg *ClientRegistry
	assert.Empty(t, reg.Lookup("123").Name)
}
