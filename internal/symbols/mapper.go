package symbols

import "strings"

// aliases lists currency codes that a venue spells differently from the
// rest of the market.
var aliases = map[string]map[string]string{
	"kucoin": {"XBT": "BTC", "BCHSV": "BSV"},
}

// Canonical returns the market wide code for a currency as listed on
// exchange. Codes are uppercased; unknown codes pass through.
func Canonical(exchange, currency string) string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if m, ok := aliases[strings.ToLower(exchange)]; ok {
		if c, ok := m[currency]; ok {
			return c
		}
	}
	return currency
}
