package ledger

import (
	"strconv"
	"strings"

	"github.com/zombor/nfce-ledger/internal/receipt"
)

// Header names the ledger columns in append order
var Header = []string{
	"Emitente", "CNPJ", "NumeroRecibo", "Consumidor", "Codigo", "NomeCurto", "Categoria", "Descricao",
	"Quantidade", "Unidade", "VlUnitario", "VlTotal", "Data", "Hora", "IsSAT",
}

// Row is one (document, line item) pair. A document with N items is
// stored as N rows sharing the document-level columns.
type Row struct {
	Emitter       string  `json:"emitter"`
	TaxID         string  `json:"tax_id"`
	ReceiptNumber string  `json:"receipt_number"`
	Consumer      string  `json:"consumer"`
	ItemCode      string  `json:"item_code"`
	ShortName     string  `json:"short_name"`
	Category      string  `json:"category"`
	Description   string  `json:"description"`
	Quantity      float64 `json:"quantity"`
	Unit          string  `json:"unit"`
	UnitPrice     float64 `json:"unit_price"`
	TotalPrice    float64 `json:"total_price"`
	IssueDate     string  `json:"issue_date"`
	IssueTime     string  `json:"issue_time"`
	IsSAT         bool    `json:"is_sat"`
}

// KeyEntry maps an access key to the receipt number it resolved to
type KeyEntry struct {
	AccessKey     string `json:"access_key"`
	ReceiptNumber string `json:"receipt_number"`
}

// Ledger is the persistent store of line items plus the key index.
//
// Lookups compare trimmed strings. Appends of rows are all-or-nothing per
// call. AppendKey keeps the first mapping recorded for a key.
type Ledger interface {
	// FindByKey returns the receipt number recorded for an access key
	FindByKey(accessKey string) (receiptNumber string, found bool, err error)
	// FindByReceipt returns every row with the receipt number
	FindByReceipt(receiptNumber string) ([]Row, error)
	// FindByReceiptAndTaxID returns every row with both the receipt number and tax ID
	FindByReceiptAndTaxID(receiptNumber, taxID string) ([]Row, error)
	// Append persists the rows of one document
	Append(rows []Row) error
	// AppendKey records a key index entry
	AppendKey(accessKey, receiptNumber string) error
	// Rows returns all rows in append order
	Rows() ([]Row, error)
	// Close releases the underlying store
	Close() error
}

// RowsFor shapes a document into ledger rows, one per item
func RowsFor(doc *receipt.Document) []Row {
	rows := make([]Row, 0, len(doc.Items))
	for _, item := range doc.Items {
		rows = append(rows, Row{
			Emitter:       doc.EmitterName,
			TaxID:         doc.TaxID,
			ReceiptNumber: doc.ReceiptNumber,
			Consumer:      doc.ConsumerName,
			ItemCode:      item.Code,
			ShortName:     item.ShortName,
			Category:      item.Category,
			Description:   item.Description,
			Quantity:      item.Quantity,
			Unit:          strings.ToUpper(item.Unit),
			UnitPrice:     item.UnitPrice,
			TotalPrice:    item.TotalPrice,
			IssueDate:     doc.IssuedAt.Date,
			IssueTime:     doc.IssuedAt.Time,
			IsSAT:         doc.IsSAT(),
		})
	}
	return rows
}

// Reconstruct rebuilds a previously ingested document from its rows.
// Document-level fields come from the first row. It returns nil for no rows.
func Reconstruct(rows []Row) *receipt.Document {
	if len(rows) == 0 {
		return nil
	}
	first := rows[0]
	doc := &receipt.Document{
		Source:        receipt.SourceNFCe,
		EmitterName:   first.Emitter,
		TaxID:         first.TaxID,
		ReceiptNumber: strings.TrimSpace(first.ReceiptNumber),
		ConsumerName:  first.Consumer,
		IssuedAt:      receipt.IssuedAt{Date: first.IssueDate, Time: first.IssueTime},
		Items:         make([]receipt.LineItem, 0, len(rows)),
		Duplicate:     true,
	}
	if first.IsSAT {
		doc.Source = receipt.SourceSAT
	}
	for _, r := range rows {
		doc.Items = append(doc.Items, receipt.LineItem{
			Code:        r.ItemCode,
			Description: r.Description,
			ShortName:   r.ShortName,
			Category:    r.Category,
			Quantity:    r.Quantity,
			Unit:        r.Unit,
			UnitPrice:   r.UnitPrice,
			TotalPrice:  r.TotalPrice,
		})
	}
	return doc
}

// Values renders the row as cells in Header order
func (r Row) Values() []string {
	return []string{
		r.Emitter,
		r.TaxID,
		r.ReceiptNumber,
		r.Consumer,
		r.ItemCode,
		r.ShortName,
		r.Category,
		r.Description,
		formatNumber(r.Quantity),
		r.Unit,
		formatNumber(r.UnitPrice),
		formatNumber(r.TotalPrice),
		r.IssueDate,
		r.IssueTime,
		formatBool(r.IsSAT),
	}
}

// RowFromValues reads cells in Header order. Missing trailing cells are
// empty; numbers go through the locale-tolerant currency parser.
func RowFromValues(values []string) Row {
	cell := func(i int) string {
		if i < len(values) {
			return values[i]
		}
		return ""
	}
	return Row{
		Emitter:       cell(0),
		TaxID:         cell(1),
		ReceiptNumber: cell(2),
		Consumer:      cell(3),
		ItemCode:      cell(4),
		ShortName:     cell(5),
		Category:      cell(6),
		Description:   cell(7),
		Quantity:      receipt.ParseCurrency(cell(8)),
		Unit:          cell(9),
		UnitPrice:     receipt.ParseCurrency(cell(10)),
		TotalPrice:    receipt.ParseCurrency(cell(11)),
		IssueDate:     cell(12),
		IssueTime:     cell(13),
		IsSAT:         strings.EqualFold(strings.TrimSpace(cell(14)), "true"),
	}
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// formatBool writes booleans the way the spreadsheet has always held them
func formatBool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}

func matchesReceipt(r Row, receiptNumber string) bool {
	return strings.TrimSpace(r.ReceiptNumber) == strings.TrimSpace(receiptNumber)
}

func matchesReceiptAndTaxID(r Row, receiptNumber, taxID string) bool {
	return matchesReceipt(r, receiptNumber) && strings.TrimSpace(r.TaxID) == strings.TrimSpace(taxID)
}

func filterRows(rows []Row, keep func(Row) bool) []Row {
	var out []Row
	for _, r := range rows {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}
