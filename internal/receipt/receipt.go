package receipt

// Source identifies the fiscal authority that served a document
type Source string

const (
	SourceNFCe Source = "NFCe"
	SourceSAT  Source = "SAT"
)

// Markers written when the page does not carry a field
const (
	NotFound      = "Não encontrado"
	NotIdentified = "Não identificado"
	NotAvailable  = "N/A"
)

// LineItem is a single purchased item. ShortName and Category are derived
// from the description and never read from the source page.
type LineItem struct {
	Code        string  `json:"code"`
	Description string  `json:"description"`
	ShortName   string  `json:"short_name"`
	Category    string  `json:"category"`
	Quantity    float64 `json:"quantity"`
	Unit        string  `json:"unit"`
	UnitPrice   float64 `json:"unit_price"`
	TotalPrice  float64 `json:"total_price"`
}

// NewLineItem builds a LineItem and fills in the derived fields
func NewLineItem(code, description string, quantity float64, unit string, unitPrice, totalPrice float64) LineItem {
	return LineItem{
		Code:        code,
		Description: description,
		ShortName:   ShortName(description),
		Category:    Category(description),
		Quantity:    nonNegative(quantity),
		Unit:        normalizeUnit(unit),
		UnitPrice:   nonNegative(unitPrice),
		TotalPrice:  nonNegative(totalPrice),
	}
}

// IssuedAt holds the issuance timestamp as YYYY-MM-DD and HH:MM:SS
type IssuedAt struct {
	Date string `json:"date"`
	Time string `json:"time"`
}

// Document is a receipt as served by one of the lookup sources.
// Documents reconstructed from ledger history carry Duplicate = true.
type Document struct {
	Source        Source     `json:"source"`
	AccessKey     string     `json:"access_key,omitempty"`
	EmitterName   string     `json:"emitter_name"`
	TaxID         string     `json:"tax_id"`
	ConsumerName  string     `json:"consumer_name"`
	ReceiptNumber string     `json:"receipt_number"`
	IssuedAt      IssuedAt   `json:"issued_at"`
	Items         []LineItem `json:"items"`

	// Only the SAT page carries these
	Address       string  `json:"address,omitempty"`
	DeclaredTotal float64 `json:"declared_total,omitempty"`

	Duplicate bool `json:"duplicate"`
}

// IsSAT reports whether the document came from the SAT source
func (d *Document) IsSAT() bool {
	return d.Source == SourceSAT
}

// Total sums the line totals
func (d *Document) Total() float64 {
	var total float64
	for _, item := range d.Items {
		total += item.TotalPrice
	}
	return total
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
