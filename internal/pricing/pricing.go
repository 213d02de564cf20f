// Package pricing parses price strings and tiered price lines as they appear
// on product pages and in OCR output.
package pricing

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultCurrency is assumed when a price carries no currency marker.
const DefaultCurrency = "EUR"

// ErrUnparseable is returned when no amount can be read from a price string.
var ErrUnparseable = errors.New("unparseable price")

// Amount is a parsed price.
type Amount struct {
	Value    float64
	Currency string
}

var (
	amountPattern = regexp.MustCompile(`\d[\d.,'\x{00A0} ]*`)
	onRequest     = []string{"auf anfrage", "preis auf anfrage", "price on request", "on request"}
)

var currencyMarkers = []struct {
	marker string
	code   string
}{
	{"€", "EUR"},
	{"eur", "EUR"},
	{"chf", "CHF"},
	{"£", "GBP"},
	{"gbp", "GBP"},
	{"us$", "USD"},
	{"usd", "USD"},
	{"$", "USD"},
}

var currencySymbols = map[string]string{
	"EUR": "€",
	"USD": "$",
	"GBP": "£",
	"CHF": "CHF",
}

// IsOnRequest reports whether s is a "price on request" marker such as
// "Auf Anfrage".
func IsOnRequest(s string) bool {
	lower := strings.ToLower(strings.TrimSpace(s))
	for _, marker := range onRequest {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// DetectCurrency returns the ISO code of the first currency marker in s, or
// DefaultCurrency.
func DetectCurrency(s string) string {
	lower := strings.ToLower(s)
	for _, c := range currencyMarkers {
		if strings.Contains(lower, c.marker) {
			return c.code
		}
	}
	return DefaultCurrency
}

// HasCurrency reports whether s carries any known currency marker.
func HasCurrency(s string) bool {
	lower := strings.ToLower(s)
	for _, c := range currencyMarkers {
		if strings.Contains(lower, c.marker) {
			return true
		}
	}
	return false
}

// Symbol returns the display symbol for an ISO currency code.
func Symbol(code string) string {
	if sym, ok := currencySymbols[strings.ToUpper(code)]; ok {
		return sym
	}
	return code
}

// ParsePrice reads a price in either decimal notation ("1.234,56 €",
// "EUR 12.50", "$1,234.56", "12,5") and returns its value and currency.
func ParsePrice(s string) (Amount, error) {
	raw := amountPattern.FindString(s)
	if raw == "" {
		return Amount{}, fmt.Errorf("%w: %q", ErrUnparseable, s)
	}
	value, err := parseNumber(raw)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrUnparseable, s)
	}
	return Amount{Value: value, Currency: DetectCurrency(s)}, nil
}

func parseNumber(raw string) (float64, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\'', '\u00a0':
			return -1
		}
		return r
	}, raw)
	cleaned = strings.TrimRight(cleaned, ".,")
	if cleaned == "" {
		return 0, ErrUnparseable
	}

	lastComma := strings.LastIndex(cleaned, ",")
	lastDot := strings.LastIndex(cleaned, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			cleaned = strings.ReplaceAll(cleaned, ".", "")
			cleaned = strings.Replace(cleaned, ",", ".", 1)
		} else {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		}
	case lastComma >= 0:
		cleaned = resolveSingleSeparator(cleaned, ",")
	case lastDot >= 0:
		cleaned = resolveSingleSeparator(cleaned, ".")
	}
	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	return value, nil
}

// resolveSingleSeparator handles numbers that contain only one kind of
// separator: repeated or followed by exactly three digits means grouping,
// anything else is the decimal point.
func resolveSingleSeparator(s, sep string) string {
	if strings.Count(s, sep) > 1 {
		return strings.ReplaceAll(s, sep, "")
	}
	idx := strings.Index(s, sep)
	if len(s)-idx-1 == 3 {
		return strings.Replace(s, sep, "", 1)
	}
	return strings.Replace(s, sep, ".", 1)
}
