package model

import (
	"math"
	"time"

	"github.com/rotisserie/eris"
)

// POGroupTolerance is the maximum accepted drift between the sum of line
// item values and the recorded total for a purchase order group.
const POGroupTolerance = 0.01

// CTELineItem is a single freight invoice line extracted from a spreadsheet
// attachment, tied to a purchase order.
type CTELineItem struct {
	NFCTE             string  `json:"nf_cte"`
	Value             float64 `json:"value"`
	IssueDate         string  `json:"data_emissao,omitempty"`
	OriginDestination string  `json:"origem_destino,omitempty"`
	ClientCNPJ        string  `json:"cnpj_cliente,omitempty"`
}

// CTERecord is the persisted form of one extracted line item.
type CTERecord struct {
	ID                string           `json:"id"`
	BatchID           string           `json:"batch_id"`
	OriginDestination string           `json:"origem_destino"`
	Value             float64          `json:"valor"`
	IssueDate         string           `json:"data_emissao"`
	ClientCNPJ        string           `json:"cnpj_cliente"`
	Status            ProcessingStatus `json:"status"`
	InvoiceData       map[string]any   `json:"invoice_data,omitempty"`
	APIResponses      map[string]any   `json:"api_responses,omitempty"`
}

// POGroup aggregates the CTE line items for one purchase order.
type POGroup struct {
	PONumber   string        `json:"po_number"`
	Values     []CTELineItem `json:"values"`
	TotalValue float64       `json:"total_value"`
	CTECount   int           `json:"cte_count"`
}

// Validate checks the group invariants: the line values must sum to the
// recorded total within POGroupTolerance and the count must match.
func (g POGroup) Validate() error {
	var sum float64
	for _, v := range g.Values {
		sum += v.Value
	}
	if math.Abs(sum-g.TotalValue) > POGroupTolerance {
		return eris.Errorf("po %s: line values sum %.2f does not match total %.2f", g.PONumber, sum, g.TotalValue)
	}
	if len(g.Values) != g.CTECount {
		return eris.Errorf("po %s: %d line values but cte_count %d", g.PONumber, len(g.Values), g.CTECount)
	}
	return nil
}

// ClientData identifies the invoiced client on a generated document.
type ClientData struct {
	Name  string `json:"name" yaml:"name"`
	CNPJ  string `json:"cnpj" yaml:"cnpj"`
	City  string `json:"city,omitempty" yaml:"city,omitempty"`
	State string `json:"state,omitempty" yaml:"state,omitempty"`
}

// InvoiceDocument is the canonical per-PO JSON artifact produced by the
// generation step and consumed by the external flow sequence.
type InvoiceDocument struct {
	PONumber   string        `json:"po_number"`
	Values     []CTELineItem `json:"values"`
	ClientData ClientData    `json:"client_data"`
	Type       string        `json:"type"`   // always "CTE"
	Status     string        `json:"status"` // always "PENDING" at generation time
	StartDate  string        `json:"start_date"`
	EndDate    string        `json:"end_date"`
	TotalValue float64       `json:"total_value"`
}

// CNPJGroup is the MINUTA aggregate persisted alongside CTE data. MINUTA
// rows are excluded from the invoice pipeline itself; the type exists for
// the shared ingestion tables.
type CNPJGroup struct {
	CNPJClaro          string   `json:"cnpj_claro"`
	CNPJClaroFormatted string   `json:"cnpj_claro_formatted"`
	EmpresaOrigem      string   `json:"empresa_origem"`
	Status             string   `json:"status"`
	City               string   `json:"city"`
	State              string   `json:"state"`
	Municipio          string   `json:"municipio"`
	UF                 string   `json:"uf"`
	MinutaCount        int      `json:"minuta_count"`
	TotalValue         float64  `json:"total_value"`
	POList             []string `json:"po_list"`
	Minutas            []string `json:"minutas"`
	StartDate          string   `json:"start_date"`
	EndDate            string   `json:"end_date"`
	ProtocolNumber     string   `json:"protocol_number"`
	RequiresRegional   bool     `json:"requires_regional"`
	RegionalType       string   `json:"regional_type"`
	PDFFiles           []string `json:"pdf_files"`
}

// ConsolidatedCTE is one line item inside a consolidated daily drop.
type ConsolidatedCTE struct {
	NFCTE      string  `json:"NF_CTE"`
	ValorChave float64 `json:"valor_chave"`
}

// ConsolidatedOrder is one purchase order inside a consolidated daily drop.
type ConsolidatedOrder struct {
	PONumber     string            `json:"po_number"`
	Status       string            `json:"status"`
	CTEs         []ConsolidatedCTE `json:"ctes"`
	POTotalValue float64           `json:"po_total_value"`
	StartDate    string            `json:"start_date,omitempty"`
	EndDate      string            `json:"end_date,omitempty"`
}

// ConsolidatedFile mirrors consolidated_ctes_daily_*.json produced by the
// upstream collaborator.
type ConsolidatedFile struct {
	BatchInfo struct {
		BatchID   string `json:"batch_id"`
		TotalCTEs int    `json:"total_ctes"`
	} `json:"batch_info"`
	Orders  []ConsolidatedOrder `json:"orders"`
	Summary struct {
		TotalOrders int     `json:"total_orders"`
		TotalCTEs   int     `json:"total_ctes"`
		TotalValue  float64 `json:"total_value"`
	} `json:"summary"`
}

// Valid reports whether the file carries any orders. A payload without an
// "orders" key loads as an empty, invalid file rather than an error.
func (f *ConsolidatedFile) Valid() bool {
	return f != nil && len(f.Orders) > 0
}

// MinutasFile mirrors minutas_*.json produced by the upstream collaborator.
type MinutasFile struct {
	CNPJGroups []CNPJGroup `json:"cnpj_groups"`
}

// Attachment is a spreadsheet file discovered by the monitoring step.
type Attachment struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

// ParseIssueDate parses the dd/mm/yyyy format used in the spreadsheets.
func ParseIssueDate(s string) (time.Time, error) {
	t, err := time.Parse("02/01/2006", s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "model: parse issue date %q", s)
	}
	return t, nil
}
