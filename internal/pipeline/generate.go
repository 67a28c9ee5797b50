package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cte-pipeline/internal/model"
)

// runJSONGeneration turns each validated PO group into an invoice document
// and writes it to the output directory as invoice_{po}.json.
func (p *Pipeline) runJSONGeneration(ctx context.Context, extOut *model.ExtractionOutput) (*model.GenerationOutput, error) {
	if extOut == nil {
		return nil, eris.New("Data extraction step output not found")
	}

	if err := os.MkdirAll(p.cfg.Paths.OutputDir, 0o755); err != nil {
		return nil, eris.Wrap(err, "pipeline: create output directory")
	}

	out := &model.GenerationOutput{
		Documents: make(map[string]model.InvoiceDocument, len(extOut.CTEsExtracted)),
	}

	// Stable iteration so generated_files ordering is deterministic.
	pos := make([]string, 0, len(extOut.CTEsExtracted))
	for po := range extOut.CTEsExtracted {
		pos = append(pos, po)
	}
	sort.Strings(pos)

	for _, po := range pos {
		group := extOut.CTEsExtracted[po]
		doc := p.buildDocument(group)

		path := filepath.Join(p.cfg.Paths.OutputDir, fmt.Sprintf("invoice_%s.json", po))
		raw, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: marshal invoice for po %s", po)
		}
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			return nil, eris.Wrapf(err, "pipeline: write invoice for po %s", po)
		}

		out.Documents[po] = doc
		out.GeneratedFiles = append(out.GeneratedFiles, path)
	}

	zap.L().Info("invoice documents generated", zap.Int("count", len(out.Documents)))
	return out, nil
}

func (p *Pipeline) buildDocument(group model.POGroup) model.InvoiceDocument {
	start, end := issueDateRange(group.Values)

	cnpj := ""
	for _, item := range group.Values {
		if item.ClientCNPJ != "" {
			cnpj = item.ClientCNPJ
			break
		}
	}

	return model.InvoiceDocument{
		PONumber:   group.PONumber,
		Values:     group.Values,
		ClientData: p.clients.Lookup(cnpj),
		Type:       "CTE",
		Status:     "PENDING",
		StartDate:  start,
		EndDate:    end,
		TotalValue: group.TotalValue,
	}
}

// issueDateRange returns the earliest and latest parseable issue dates in
// the group, formatted back in dd/mm/yyyy. Unparseable dates are skipped.
func issueDateRange(items []model.CTELineItem) (string, string) {
	var min, max time.Time
	for _, item := range items {
		t, err := model.ParseIssueDate(item.IssueDate)
		if err != nil {
			continue
		}
		if min.IsZero() || t.Before(min) {
			min = t
		}
		if max.IsZero() || t.After(max) {
			max = t
		}
	}
	if min.IsZero() {
		return "", ""
	}
	return min.Format("02/01/2006"), max.Format("02/01/2006")
}
