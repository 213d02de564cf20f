package pricing

import (
	"regexp"
	"strings"

	"github.com/JakeFAU/product-capture/internal/product"
)

var tierPattern = regexp.MustCompile(
	`(?i)\b(ab|bis)\s*(\d+)\b.*?` +
		`(\d{1,3}(?:[.' ]\d{3})+(?:[.,]\d{1,2})?|\d+(?:[.,]\d{1,2})?)` +
		`\s*(€|eur(?:o)?\b|chf\b|£|gbp\b|\$|usd\b)`)

// Lines containing one of these markers are page chrome picked up by the
// scanner, never price rows.
var noiseLineMarkers = []string{
	"service",
	"warenkorb",
	"merkzettel",
	"newsletter",
	"cookie",
	"kundenkonto",
}

// Tokens stripped from a line before matching.
var noiseTokens = []string{
	"inkl. mwst.",
	"inkl. mwst",
	"zzgl. versand",
	"zzgl. mwst.",
	"*",
	"|",
	"•",
}

var noisePattern = func() *regexp.Regexp {
	quoted := make([]string, len(noiseTokens))
	for i, token := range noiseTokens {
		quoted[i] = regexp.QuoteMeta(token)
	}
	return regexp.MustCompile(`(?i)` + strings.Join(quoted, "|"))
}()

// ParseTiers returns one tier per matching line of text, in input order.
func ParseTiers(text string) []product.TieredPrice {
	return ParseTierLines(strings.Split(text, "\n"))
}

// ParseTierLines returns one tier per matching line, in input order.
func ParseTierLines(lines []string) []product.TieredPrice {
	var tiers []product.TieredPrice
	for _, line := range lines {
		if tier, ok := ParseTier(line); ok {
			tiers = append(tiers, tier)
		}
	}
	return tiers
}

// ParseTier matches a single "<ab|bis> <qty> ... <amount> <currency>" line,
// e.g. "ab 7 Stück: 190,92 EUR" -> {"Ab 7", "190,92 €"}.
func ParseTier(line string) (product.TieredPrice, bool) {
	cleaned := stripNoise(line)
	if cleaned == "" {
		return product.TieredPrice{}, false
	}
	m := tierPattern.FindStringSubmatch(cleaned)
	if m == nil {
		return product.TieredPrice{}, false
	}
	keyword := strings.ToUpper(m[1][:1]) + strings.ToLower(m[1][1:])
	currency := DetectCurrency(m[4])
	return product.TieredPrice{
		Quantity: keyword + " " + m[2],
		Price:    m[3] + " " + Symbol(currency),
	}, true
}

func stripNoise(line string) string {
	lower := strings.ToLower(line)
	for _, marker := range noiseLineMarkers {
		if strings.Contains(lower, marker) {
			return ""
		}
	}
	return strings.Join(strings.Fields(noisePattern.ReplaceAllString(line, " ")), " ")
}
