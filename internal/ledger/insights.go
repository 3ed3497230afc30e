package ledger

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/zombor/nfce-ledger/internal/receipt"
)

// PriceComparison pairs an item of the current document with the same
// description on an earlier purchase at the same emitter
type PriceComparison struct {
	Description  string          `json:"description"`
	Today        decimal.Decimal `json:"today"`
	Previous     decimal.Decimal `json:"previous"`
	PreviousDate string          `json:"previous_date"`
}

// OtherEmitterPrice is the average line total paid for the same item code
// at other emitters
type OtherEmitterPrice struct {
	Description  string          `json:"description"`
	Paid         decimal.Decimal `json:"paid"`
	OtherAverage decimal.Decimal `json:"other_average"`
}

// CategoryTotal is the amount a document spent in one category
type CategoryTotal struct {
	Category string          `json:"category"`
	Total    decimal.Decimal `json:"total"`
}

// Insights summarizes a document against the ledger history
type Insights struct {
	Emitter        string              `json:"emitter"`
	Total          decimal.Decimal     `json:"total"`
	EmitterAverage decimal.Decimal     `json:"emitter_average"`
	Comparisons    []PriceComparison   `json:"comparisons"`
	OtherEmitters  []OtherEmitterPrice `json:"other_emitters"`
	Categories     []CategoryTotal     `json:"categories"`
}

// ComputeInsights compares doc with history.
//
// The emitter average is the mean line total of every history row at the
// emitter, or the document total when there is none. Comparisons look at
// the last two rows at the emitter dated differently from doc. Category
// totals keep first-seen order.
func ComputeInsights(history []Row, doc *receipt.Document) Insights {
	ins := Insights{
		Emitter: doc.EmitterName,
		Total:   documentTotal(doc),
	}

	var atEmitter []Row
	for _, r := range history {
		if r.Emitter == doc.EmitterName {
			atEmitter = append(atEmitter, r)
		}
	}
	ins.EmitterAverage = ins.Total
	if len(atEmitter) > 0 {
		sum := decimal.Zero
		for _, r := range atEmitter {
			sum = sum.Add(decimal.NewFromFloat(r.TotalPrice))
		}
		ins.EmitterAverage = sum.Div(decimal.NewFromInt(int64(len(atEmitter)))).Round(2)
	}

	var earlier []Row
	for _, r := range atEmitter {
		if r.IssueDate != doc.IssuedAt.Date {
			earlier = append(earlier, r)
		}
	}
	if len(earlier) > 2 {
		earlier = earlier[len(earlier)-2:]
	}
	for _, item := range doc.Items {
		for _, r := range earlier {
			if item.Description != r.Description {
				continue
			}
			ins.Comparisons = append(ins.Comparisons, PriceComparison{
				Description:  item.Description,
				Today:        decimal.NewFromFloat(item.TotalPrice),
				Previous:     decimal.NewFromFloat(r.TotalPrice),
				PreviousDate: r.IssueDate,
			})
		}
	}

	for _, item := range doc.Items {
		if item.Code == "" {
			continue
		}
		sum, n := decimal.Zero, 0
		for _, r := range history {
			if r.ItemCode == item.Code && r.Emitter != doc.EmitterName {
				sum = sum.Add(decimal.NewFromFloat(r.TotalPrice))
				n++
			}
		}
		if n == 0 {
			continue
		}
		ins.OtherEmitters = append(ins.OtherEmitters, OtherEmitterPrice{
			Description:  item.Description,
			Paid:         decimal.NewFromFloat(item.TotalPrice),
			OtherAverage: sum.Div(decimal.NewFromInt(int64(n))).Round(2),
		})
	}

	index := make(map[string]int)
	for _, item := range doc.Items {
		category := item.Category
		if category == "" {
			category = receipt.CategoryOther
		}
		i, ok := index[category]
		if !ok {
			i = len(ins.Categories)
			index[category] = i
			ins.Categories = append(ins.Categories, CategoryTotal{Category: category, Total: decimal.Zero})
		}
		ins.Categories[i].Total = ins.Categories[i].Total.Add(decimal.NewFromFloat(item.TotalPrice))
	}

	return ins
}

// documentTotal prefers the total declared on the page over the item sum
func documentTotal(doc *receipt.Document) decimal.Decimal {
	if doc.DeclaredTotal > 0 {
		return decimal.NewFromFloat(doc.DeclaredTotal)
	}
	total := decimal.Zero
	for _, item := range doc.Items {
		total = total.Add(decimal.NewFromFloat(item.TotalPrice))
	}
	return total
}

// EmitterHistory lists the distinct emitters in the ledger, sorted
func EmitterHistory(rows []Row) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range rows {
		if _, ok := seen[r.Emitter]; ok {
			continue
		}
		seen[r.Emitter] = struct{}{}
		out = append(out, r.Emitter)
	}
	sort.Strings(out)
	return out
}

// LatestDocument rebuilds the most recently appended document at emitter,
// or returns nil when the emitter has no rows
func LatestDocument(rows []Row, emitter string) *receipt.Document {
	var last *Row
	for i := range rows {
		if rows[i].Emitter == emitter {
			last = &rows[i]
		}
	}
	if last == nil {
		return nil
	}
	return Reconstruct(filterRows(rows, func(r Row) bool {
		return r.Emitter == emitter && matchesReceiptAndTaxID(r, last.ReceiptNumber, last.TaxID)
	}))
}
