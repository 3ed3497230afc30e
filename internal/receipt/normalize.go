package receipt

import (
	"regexp"
	"strconv"
	"strings"
)

// CategoryOther is assigned when no keyword matches
const CategoryOther = "Outros"

var accentReplacer = strings.NewReplacer(
	"à", "a", "á", "a", "â", "a", "ã", "a", "ä", "a", "å", "a",
	"À", "A", "Á", "A", "Â", "A", "Ã", "A", "Ä", "A", "Å", "A",
	"è", "e", "é", "e", "ê", "e", "ë", "e",
	"È", "E", "É", "E", "Ê", "E", "Ë", "E",
	"ì", "i", "í", "i", "î", "i", "ï", "i",
	"Ì", "I", "Í", "I", "Î", "I", "Ï", "I",
	"ò", "o", "ó", "o", "ô", "o", "õ", "o", "ö", "o",
	"Ò", "O", "Ó", "O", "Ô", "O", "Õ", "O", "Ö", "O",
	"ù", "u", "ú", "u", "û", "u", "ü", "u",
	"Ù", "U", "Ú", "U", "Û", "U", "Ü", "U",
	"ç", "c", "Ç", "C",
	"ñ", "n", "Ñ", "N",
)

// StripAccents replaces accented Latin letters with their ASCII base letter.
// Characters outside the fixed table are left alone.
func StripAccents(s string) string {
	return accentReplacer.Replace(s)
}

var currencyNoise = strings.NewReplacer("\u00a0", "", "\n", "", "\t", "", "R$", "", "$", "")

// ParseCurrency parses a money or quantity cell such as "R$ 1.234,56".
// Anything that cannot be read as a number yields 0.
func ParseCurrency(s string) float64 {
	v, ok := parseNumber(currencyNoise.Replace(s))
	if !ok {
		return 0
	}
	return v
}

// parseNumber keeps digits and separators and reads the result as a float.
// When both separators appear the last one is the decimal mark; a lone comma
// is a decimal mark; several dots with no comma are thousands separators.
func parseNumber(s string) (float64, bool) {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return 0, false
	}

	lastComma := strings.LastIndex(cleaned, ",")
	lastDot := strings.LastIndex(cleaned, ".")
	switch {
	case lastComma > lastDot:
		whole := strings.NewReplacer(".", "", ",", "").Replace(cleaned[:lastComma])
		cleaned = whole + "." + cleaned[lastComma+1:]
	case lastComma >= 0:
		cleaned = strings.ReplaceAll(cleaned, ",", "")
		lastDot = strings.LastIndex(cleaned, ".")
		cleaned = strings.ReplaceAll(cleaned[:lastDot], ".", "") + cleaned[lastDot:]
	case strings.Count(cleaned, ".") > 1:
		cleaned = strings.ReplaceAll(cleaned, ".", "")
	}

	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

var shortNameStopWords = map[string]struct{}{
	"DE": {}, "DA": {}, "DO": {}, "E": {}, "COM": {}, "BARRA": {}, "MINI": {}, "PV": {},
}

// ShortName keeps the first two words of a description that are not
// connectives or packaging words, upper-cased.
func ShortName(description string) string {
	var kept []string
	for _, word := range strings.Fields(description) {
		word = strings.ToUpper(word)
		if _, skip := shortNameStopWords[word]; skip {
			continue
		}
		kept = append(kept, word)
		if len(kept) == 2 {
			break
		}
	}
	if len(kept) == 0 {
		return strings.ToUpper(strings.TrimSpace(description))
	}
	return strings.Join(kept, " ")
}

type categoryRule struct {
	pattern *regexp.Regexp
	name    string
}

// Evaluated in order, first match wins. Keywords overlap between
// categories (torta, panetone), so the order is significant.
var categoryRules = []categoryRule{
	{regexp.MustCompile(`pao|torrada|pizza|torta|panetone`), "Padaria"},
	{regexp.MustCompile(`chocolate|choc|biscoito|bombom|doce|gelatina|sorvete|torta|panetone|bis`), "Doces e Sobremesas"},
	{regexp.MustCompile(`batata|cenoura|tomate|alface|cebola|abobora|couve|brocolis|pepino`), "Legumes e Verduras"},
	{regexp.MustCompile(`acai|achocolatado|cha|cafe|suco|cerveja|coca|refrigerante`), "Bebidas"},
	{regexp.MustCompile(`frango|acem|alcatra|carne|bife|peixe|linguica|patinho|paleta`), "Carnes"},
	{regexp.MustCompile(`abacate|banana|laranja|limao|mamao|manga|morango|uva|abacaxi|melancia`), "Frutas"},
	{regexp.MustCompile(`arroz|feijao|macarrao|farinha|milho|aveia|sal|tempero|oleo|azeite|maionese`), "Graos e Cereais"},
	{regexp.MustCompile(`sabao|detergente|amaciante|desinfetante|alcool|toalha|sabonete|veja|esponja`), "Higiene e Limpeza"},
	{regexp.MustCompile(`leite|queijo|requeijao|ovo|manteiga|creme de leite|iogurte|yakult`), "Laticinios"},
}

// Category maps an item description to a spending category
func Category(description string) string {
	lower := strings.ToLower(description)
	for _, rule := range categoryRules {
		if rule.pattern.MatchString(lower) {
			return rule.name
		}
	}
	return CategoryOther
}

func normalizeUnit(unit string) string {
	unit = strings.ToUpper(strings.TrimSpace(unit))
	if unit == "" {
		return "UN"
	}
	return unit
}
