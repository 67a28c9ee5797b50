package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cte-pipeline/internal/fetcher"
	"github.com/sells-group/cte-pipeline/internal/model"
)

// Column aliases seen across the client spreadsheets, folded with
// fetcher.FoldHeader. The sheets are not produced by us, so the headers
// drift between drops.
var (
	colsType  = []string{"TIPO", "TIPO DOCUMENTO", "DOC"}
	colsPO    = []string{"PEDIDO", "PO", "NUMERO PO", "PO NUMBER"}
	colsNFCTE = []string{"NF CTE", "NF/CTE", "CTE", "NOTA FISCAL"}
	colsValue = []string{"VALOR", "VALOR CHAVE", "VALOR TOTAL"}
	colsIssue = []string{"DATA EMISSAO", "EMISSAO", "DT EMISSAO"}
	colsRoute = []string{"ORIGEM DESTINO", "ORIGEM X DESTINO", "ROTA"}
	colsCNPJ  = []string{"CNPJ CLIENTE", "CNPJ", "CNPJ CLARO"}
)

// runDataExtraction parses every valid attachment, drops MINUTA rows and
// groups CTE rows by purchase order. Groups that violate the sum or count
// invariants are excluded and reported through ValidationErrors.
func (p *Pipeline) runDataExtraction(ctx context.Context, monOut *model.MonitoringOutput) (*model.ExtractionOutput, error) {
	if monOut == nil {
		return nil, eris.New("Email monitoring step output not found")
	}
	if p.stateID != "" {
		if err := p.states.UpdateProcessingStatus(ctx, p.stateID, model.StatusProcessing, nil); err != nil {
			zap.L().Warn("failed to mark batch processing", zap.Error(err))
		}
	}

	out := &model.ExtractionOutput{
		CTEsExtracted: make(map[string]model.POGroup),
	}

	for _, att := range monOut.ValidAttachments {
		if err := p.extractAttachment(att, out); err != nil {
			return nil, eris.Wrapf(err, "pipeline: extract %s", att.Filename)
		}
	}

	// Validate groups after all attachments are merged; invalid groups are
	// excluded from downstream processing.
	for po, group := range out.CTEsExtracted {
		group.TotalValue = roundCents(group.TotalValue)
		group.CTECount = len(group.Values)
		if err := group.Validate(); err != nil {
			out.ValidationErrors = append(out.ValidationErrors, err.Error())
			delete(out.CTEsExtracted, po)
			continue
		}
		out.CTEsExtracted[po] = group
	}

	return out, nil
}

func (p *Pipeline) extractAttachment(att model.Attachment, out *model.ExtractionOutput) error {
	rows, err := fetcher.ReadXLSX(att.Path, fetcher.XLSXOptions{})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		zap.L().Warn("attachment has no rows", zap.String("filename", att.Filename))
		return nil
	}

	idx := fetcher.HeaderIndex(rows[0])
	poCol, ok := findColumn(idx, colsPO)
	if !ok {
		return eris.Errorf("pipeline: no purchase order column in %s", att.Filename)
	}
	valueCol, ok := findColumn(idx, colsValue)
	if !ok {
		return eris.Errorf("pipeline: no value column in %s", att.Filename)
	}
	nfCol, _ := findColumn(idx, colsNFCTE)
	typeCol, hasType := findColumn(idx, colsType)
	issueCol, _ := findColumn(idx, colsIssue)
	routeCol, _ := findColumn(idx, colsRoute)
	cnpjCol, _ := findColumn(idx, colsCNPJ)

	for i, row := range rows[1:] {
		po := cell(row, poCol)
		if po == "" {
			continue
		}

		if hasType && strings.EqualFold(strings.TrimSpace(cell(row, typeCol)), "MINUTA") {
			out.MinutasFilteredOut++
			continue
		}

		value, err := ParseBRValue(cell(row, valueCol))
		if err != nil {
			out.ValidationErrors = append(out.ValidationErrors,
				fmt.Sprintf("%s row %d: %v", att.Filename, i+2, err))
			continue
		}

		item := model.CTELineItem{
			NFCTE:             cell(row, nfCol),
			Value:             value,
			IssueDate:         cell(row, issueCol),
			OriginDestination: cell(row, routeCol),
			ClientCNPJ:        digitsOnly(cell(row, cnpjCol)),
		}

		group := out.CTEsExtracted[po]
		group.PONumber = po
		group.Values = append(group.Values, item)
		group.TotalValue += value
		out.CTEsExtracted[po] = group
	}

	return nil
}

func findColumn(idx map[string]int, aliases []string) (int, bool) {
	for _, alias := range aliases {
		if col, ok := idx[alias]; ok {
			return col, true
		}
	}
	return 0, false
}

func cell(row []string, col int) string {
	if col < 0 || col >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[col])
}

// ParseBRValue parses a monetary value in Brazilian format ("1.234,56")
// or plain decimal ("1234.56").
func ParseBRValue(s string) (float64, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "R$"))
	if s == "" {
		return 0, eris.New("pipeline: empty value cell")
	}

	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, eris.Errorf("pipeline: unparseable value %q", s)
	}
	return v, nil
}

func roundCents(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
