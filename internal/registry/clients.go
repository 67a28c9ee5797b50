// Package registry loads the client registry used to stamp client_data
// onto generated invoice documents.
package registry

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/cte-pipeline/internal/model"
)

// ClientRegistry maps a client CNPJ (digits only) to its registered data.
type ClientRegistry struct {
	Clients map[string]model.ClientData `yaml:"clients"`
	Default model.ClientData            `yaml:"default"`
}

// Lookup returns the client data for a CNPJ, falling back to the registry
// default when the CNPJ is unknown or empty.
func (r *ClientRegistry) Lookup(cnpj string) model.ClientData {
	if r == nil {
		return model.ClientData{}
	}
	if c, ok := r.Clients[cnpj]; ok {
		return c
	}
	return r.Default
}

// LoadClients reads the clients.yaml registry.
func LoadClients(path string) (*ClientRegistry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: read clients file %s", path)
	}

	var reg ClientRegistry
	if err := yaml.Unmarshal(raw, &reg); err != nil {
		return nil, eris.Wrapf(err, "registry: parse clients file %s", path)
	}
	if reg.Clients == nil {
		reg.Clients = make(map[string]model.ClientData)
	}
	return &reg, nil
}
