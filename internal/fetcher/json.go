package fetcher

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cte-pipeline/internal/model"
)

// LoadConsolidated reads a consolidated_ctes_daily_*.json drop. A payload
// without an "orders" key loads as an empty, invalid file (file.Valid() ==
// false) rather than an error, so upstream formatting slips never take the
// pipeline down. Malformed JSON is still an error.
func LoadConsolidated(path string) (*model.ConsolidatedFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: read consolidated file %s", path)
	}

	// Probe the top-level keys first so a missing "orders" field yields an
	// empty result instead of silently decoding to garbage.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse consolidated file %s", path)
	}

	var file model.ConsolidatedFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, eris.Wrapf(err, "fetcher: decode consolidated file %s", path)
	}

	if _, ok := probe["orders"]; !ok {
		file.Orders = nil
	}
	return &file, nil
}

// LoadMinutas reads a minutas_*.json drop.
func LoadMinutas(path string) (*model.MinutasFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: read minutas file %s", path)
	}

	var file model.MinutasFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse minutas file %s", path)
	}
	return &file, nil
}
