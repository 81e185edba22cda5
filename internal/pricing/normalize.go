// Package pricing converts scraped price text into decimal amounts.
package pricing

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	currencyRe = regexp.MustCompile(`(USD|EUR|GBP|CHF|CAD|AUD|JPY|INR|MXN|£|€|\$)`)
	// qualifier words that sit next to prices on product pages
	qualifierRe = regexp.MustCompile(`(?i)(ttc|iva|taxes|tax|incl\.?|inkl\.?|compr\.?|sped\.?|gratuit[aeo]?|vat|mwst\.?|zzgl\.?|versand|envío|livraison)`)
	spaceRe     = regexp.MustCompile(`[\s\x{00A0}\x{202F}\x{2009}]+`)
	keepRe      = regexp.MustCompile(`[^0-9.,]`)
)

var symbolCodes = map[string]string{
	"€": "EUR",
	"£": "GBP",
	"$": "USD",
}

// ParsePrice extracts an amount and a currency code from free text such as
// "1.234,56 €" or "$1,234.56". The amount is invalid when no number could be
// read; the currency is empty when no token was found.
func ParsePrice(text string) (decimal.NullDecimal, string) {
	currency := ""
	if m := currencyRe.FindString(text); m != "" {
		currency = m
		if code, ok := symbolCodes[m]; ok {
			currency = code
		}
	}

	cleaned := spaceRe.ReplaceAllString(text, "")
	cleaned = qualifierRe.ReplaceAllString(cleaned, "")
	cleaned = currencyRe.ReplaceAllString(cleaned, "")
	cleaned = keepRe.ReplaceAllString(cleaned, "")
	// separators left behind by stripped abbreviations
	cleaned = strings.Trim(cleaned, ".,")
	cleaned = normalizeSeparators(cleaned)

	if cleaned == "" {
		return decimal.NullDecimal{}, currency
	}
	amount, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.NullDecimal{}, currency
	}
	return decimal.NullDecimal{Decimal: amount, Valid: true}, currency
}

func normalizeSeparators(s string) string {
	hasComma := strings.Contains(s, ",")
	hasDot := strings.Contains(s, ".")

	switch {
	case hasComma && hasDot:
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
			return strings.Replace(s, ",", ".", 1)
		}
		return strings.ReplaceAll(s, ",", "")
	case hasComma:
		if strings.Count(s, ",") == 1 {
			tail := s[strings.LastIndex(s, ",")+1:]
			if len(tail) == 2 || len(tail) == 3 {
				return strings.Replace(s, ",", ".", 1)
			}
		}
		return strings.ReplaceAll(s, ",", "")
	default:
		return s
	}
}

// FormatPrice renders an amount with its currency symbol when one is known.
func FormatPrice(amount decimal.Decimal, currency string) string {
	value := amount.StringFixed(2)
	switch strings.ToUpper(currency) {
	case "EUR":
		return "€" + value
	case "USD":
		return "$" + value
	case "GBP":
		return "£" + value
	case "":
		return value
	default:
		return value + " " + strings.ToUpper(currency)
	}
}
