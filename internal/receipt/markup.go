package receipt

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// InvalidNFCeBanner is the alert shown when a key does not belong to an NFC-e
const InvalidNFCeBanner = "Chave de Acesso Inválida [Não é referente a NFC-e - modelo 65]"

// fieldSpec locates a scalar field between two literal markers. The end
// marker is searched only after the start marker.
type fieldSpec struct {
	start    string
	end      string
	fallback string
}

type profile struct {
	source Source
	// foldAccents runs the search over accent-stripped markup and markers
	foldAccents bool
	fields      map[string]fieldSpec
}

const (
	fieldEmitter       = "emitter"
	fieldTaxID         = "tax_id"
	fieldReceiptNumber = "receipt_number"
	fieldIssued        = "issued"
	fieldConsumer      = "consumer"
	fieldStreet        = "street"
	fieldDistrict      = "district"
	fieldCity          = "city"
	fieldPostalCode    = "postal_code"
	fieldSerial        = "serial"
	fieldTotal         = "total"
)

var nfceProfile = profile{
	source:      SourceNFCe,
	foldAccents: true,
	fields: map[string]fieldSpec{
		fieldEmitter:       {start: `<div id="u20" class="txtTopo">`, end: `</div>`},
		fieldTaxID:         {start: `CNPJ:`, end: `</div>`},
		fieldReceiptNumber: {start: `<strong>Número: </strong>`, end: `<`, fallback: NotFound},
	},
}

var satProfile = profile{
	source: SourceSAT,
	fields: map[string]fieldSpec{
		fieldEmitter:       {start: `id="conteudo_lblNomeEmitente">`, end: `</span>`, fallback: NotAvailable},
		fieldTaxID:         {start: `id="conteudo_lblCnpjEmitente">`, end: `</span>`, fallback: NotAvailable},
		fieldStreet:        {start: `id="conteudo_lblEnderecoEmintente">`, end: `</span>`},
		fieldDistrict:      {start: `id="conteudo_lblBairroEmitente">`, end: `</span>`},
		fieldCity:          {start: `id="conteudo_lblMunicipioEmitente">`, end: `</span>`},
		fieldPostalCode:    {start: `id="conteudo_lblCepEmitente">`, end: `</span>`},
		fieldReceiptNumber: {start: `id="conteudo_lblNumeroCfe">`, end: `</span>`},
		fieldIssued:        {start: `id="conteudo_lblDataEmissao">`, end: `</span>`},
		fieldSerial:        {start: `id="conteudo_lblSatNumeroSerie">`, end: `</span>`},
		fieldTotal:         {start: `id="conteudo_lblTotal">`, end: `</span>`},
		fieldConsumer:      {start: `id="conteudo_lblRazaoSocial">`, end: `</span>`, fallback: NotAvailable},
	},
}

// extract resolves every field of the profile against the markup
func (p profile) extract(markup string) map[string]string {
	if p.foldAccents {
		markup = StripAccents(markup)
	}
	values := make(map[string]string, len(p.fields))
	for name, spec := range p.fields {
		start, end := spec.start, spec.end
		if p.foldAccents {
			start, end = StripAccents(start), StripAccents(end)
		}
		value := between(markup, start, end)
		if value == "" {
			value = spec.fallback
		}
		values[name] = value
	}
	return values
}

func between(markup, start, end string) string {
	i := strings.Index(markup, start)
	if i == -1 {
		return ""
	}
	i += len(start)
	j := strings.Index(markup[i:], end)
	if j == -1 {
		return ""
	}
	return strings.ReplaceAll(strings.TrimSpace(markup[i:i+j]), "\u00a0", "")
}

var (
	issuedPattern   = regexp.MustCompile(`(\d{2})/(\d{2})/(\d{4})\s(\d{2}:\d{2}:\d{2})`)
	brDatePattern   = regexp.MustCompile(`^(\d{2})/(\d{2})/(\d{4})$`)
	codeLabel       = regexp.MustCompile(`\(C[oó]digo:\s*`)
	quantityLabel   = regexp.MustCompile(`Qtde\.:`)
	unitLabel       = regexp.MustCompile(`UN:\s*`)
	unitPriceLabel  = regexp.MustCompile(`Vl\.\s*Unit\.:`)
	whitespaceRunes = regexp.MustCompile(`\s+`)
)

// CheckNFCeResponse inspects an NFCe page for authority alerts. It returns
// ErrSourceInvalidKey for invalid-key messages, ErrSourceRejected for any
// other alert and nil for a page without alerts.
func CheckNFCeResponse(markup string) error {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return fmt.Errorf("%w: parsing page: %w", ErrNoItems, err)
	}
	return checkNFCeAlerts(doc)
}

func checkNFCeAlerts(doc *goquery.Document) error {
	alert := strings.TrimSpace(doc.Find("#spnAlertaMaster").Text())
	if strings.Contains(alert, InvalidNFCeBanner) {
		return fmt.Errorf("%w: %s", ErrSourceInvalidKey, alert)
	}
	if alert != "" {
		return fmt.Errorf("%w: %s", ErrSourceRejected, alert)
	}
	msg := strings.TrimSpace(doc.Find("span.msgErro").Text())
	if strings.Contains(msg, "Chave de Acesso Inválida") {
		return fmt.Errorf("%w: %s", ErrSourceInvalidKey, msg)
	}
	return nil
}

// ExtractNFCe reads an NFCe query result page
func ExtractNFCe(markup string) (*Document, error) {
	page, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing page: %w", ErrNoItems, err)
	}
	if err := checkNFCeAlerts(page); err != nil {
		return nil, err
	}

	values := nfceProfile.extract(markup)
	doc := &Document{
		Source:        SourceNFCe,
		EmitterName:   values[fieldEmitter],
		TaxID:         values[fieldTaxID],
		ReceiptNumber: values[fieldReceiptNumber],
		ConsumerName:  nfceConsumer(page),
		IssuedAt:      IssuedAt{Date: NotFound, Time: NotFound},
		Items:         nfceItems(page),
	}
	if m := issuedPattern.FindStringSubmatch(markup); m != nil {
		doc.IssuedAt = IssuedAt{Date: m[3] + "-" + m[2] + "-" + m[1], Time: m[4]}
	}

	slog.Debug("Extracted NFCe page",
		"emitter", doc.EmitterName,
		"tax_id", doc.TaxID,
		"number", doc.ReceiptNumber,
		"items", len(doc.Items),
	)
	if len(doc.Items) == 0 {
		return nil, ErrNoItems
	}
	return doc, nil
}

func nfceConsumer(page *goquery.Document) string {
	sections := page.Find(`div[data-role="collapsible"]`)
	section := sections.FilterFunction(func(_ int, s *goquery.Selection) bool {
		return strings.Contains(s.Find("h4").Text(), "Consumidor")
	})
	if section.Length() == 0 {
		section = sections.FilterFunction(func(_ int, s *goquery.Selection) bool {
			return strings.Contains(s.Text(), "Consumidor")
		})
	}
	name := strings.TrimSpace(section.First().Find("strong").First().Text())
	if name == "" {
		return NotIdentified
	}
	return name
}

// nfceItems reads table#tabResult. Each item row has exactly two cells:
// labelled spans for description, code, quantity, unit and unit price, then
// the line total.
func nfceItems(page *goquery.Document) []LineItem {
	table := page.Find("table#tabResult").First()
	if table.Length() == 0 {
		slog.Debug("Item table not found on NFCe page")
		return nil
	}

	var items []LineItem
	table.Find("tr").Each(func(i int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() != 2 {
			slog.Debug("Skipping NFCe row", "row", i+1, "cells", cells.Length())
			return
		}
		first := cells.Eq(0)

		description := spanText(first, "span.txtTit")
		if description == "" {
			slog.Debug("Skipping NFCe row without description", "row", i+1)
			return
		}

		code := codeLabel.ReplaceAllString(spanText(first, "span.RCod"), "")
		code = whitespaceRunes.ReplaceAllString(strings.ReplaceAll(code, ")", ""), "")

		quantity := 1.0
		if v, ok := parseNumber(quantityLabel.ReplaceAllString(spanText(first, "span.Rqtd"), "")); ok {
			quantity = v
		}

		unit := strings.TrimSpace(unitLabel.ReplaceAllString(spanText(first, "span.RUN"), ""))

		unitPriceText := unitPriceLabel.ReplaceAllString(spanText(first, "span.RvlUnit"), "")
		unitPrice, _ := parseNumber(unitPriceText)

		totalText := spanText(cells.Eq(1), "span.valor")
		if totalText == "" {
			totalText = unitPriceText
		}
		total, _ := parseNumber(totalText)

		items = append(items, NewLineItem(code, description, quantity, unit, unitPrice, total))
	})
	return items
}

func spanText(s *goquery.Selection, selector string) string {
	return strings.TrimSpace(s.Find(selector).First().Text())
}

// ExtractSAT reads a SAT (CF-e) query result page
func ExtractSAT(markup string) (*Document, error) {
	values := satProfile.extract(markup)

	number := values[fieldReceiptNumber]
	if number == "" {
		return nil, ErrNoDocumentNumber
	}

	page, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing page: %w", ErrNoItems, err)
	}

	doc := &Document{
		Source:        SourceSAT,
		EmitterName:   values[fieldEmitter],
		TaxID:         values[fieldTaxID],
		ReceiptNumber: number,
		ConsumerName:  values[fieldConsumer],
		IssuedAt:      satIssuedAt(values[fieldIssued]),
		Address: fmt.Sprintf("%s, %s, %s, CEP %s",
			values[fieldStreet], values[fieldDistrict], values[fieldCity], values[fieldPostalCode]),
		DeclaredTotal: ParseCurrency(values[fieldTotal]),
		Items:         satItems(page),
	}

	slog.Debug("Extracted SAT page",
		"emitter", doc.EmitterName,
		"tax_id", doc.TaxID,
		"number", doc.ReceiptNumber,
		"serial", values[fieldSerial],
		"items", len(doc.Items),
	)
	if len(doc.Items) == 0 {
		return nil, ErrNoItems
	}
	return doc, nil
}

// satIssuedAt splits "DD/MM/YYYY - HH:MM:SS"
func satIssuedAt(raw string) IssuedAt {
	if raw == "" {
		return IssuedAt{Date: NotAvailable, Time: NotAvailable}
	}
	date, clock, found := strings.Cut(raw, " - ")
	if !found {
		clock = NotAvailable
	}
	date = strings.TrimSpace(date)
	if m := brDatePattern.FindStringSubmatch(date); m != nil {
		date = m[3] + "-" + m[2] + "-" + m[1]
	}
	return IssuedAt{Date: date, Time: strings.TrimSpace(clock)}
}

// satItems reads table#tableItens: a header row, then rows of at least
// eight cells (number, code, description, quantity, unit, unit price,
// unused, total).
func satItems(page *goquery.Document) []LineItem {
	table := page.Find("table#tableItens").First()
	if table.Length() == 0 {
		slog.Debug("Item table not found on SAT page")
		return nil
	}

	var items []LineItem
	table.Find("tr").Each(func(i int, row *goquery.Selection) {
		if i == 0 {
			return
		}
		cells := row.Find("td")
		if cells.Length() < 8 {
			slog.Debug("Skipping SAT row", "row", i+1, "cells", cells.Length())
			return
		}
		cell := func(n int) string {
			return strings.TrimSpace(cells.Eq(n).Text())
		}
		description := cell(2)
		if description == "" {
			return
		}
		items = append(items, NewLineItem(
			cell(1),
			description,
			ParseCurrency(cell(3)),
			cell(4),
			ParseCurrency(cell(5)),
			ParseCurrency(cell(7)),
		))
	})
	return items
}
