package parser

import (
	"strconv"
	"strings"
)

// multiplierPrefixes must stay ordered longest first: "1000" is a prefix of
// "1000000", so a shorter match checked first would mis-parse 1000000SHIB.
var multiplierPrefixes = []string{"1000000", "100000", "10000", "1000", "100", "10"}

// ParseBaseCurrency strips a known contract multiplier prefix from a raw
// base asset ("1000PEPE" -> "PEPE"). Assets without a prefix are returned
// unchanged.
func ParseBaseCurrency(raw string) string {
	base, _ := splitMultiplier(raw)
	return base
}

// ParseMultiplier returns the numeric multiplier prefix of a raw base asset,
// or 1 when there is none.
func ParseMultiplier(raw string) int {
	_, m := splitMultiplier(raw)
	return m
}

func splitMultiplier(raw string) (string, int) {
	for _, p := range multiplierPrefixes {
		rest, ok := strings.CutPrefix(raw, p)
		if !ok || rest == "" || isDigit(rest[0]) {
			continue
		}
		m, _ := strconv.Atoi(p)
		return rest, m
	}
	return raw, 1
}

// splitMultiplierSuffix handles the trailing form some venues use
// ("SHIB1000" -> "SHIB", 1000). The prefix form wins when both match.
func splitMultiplierSuffix(raw string) (string, int) {
	if base, m := splitMultiplier(raw); m != 1 {
		return base, m
	}
	for _, p := range multiplierPrefixes {
		rest, ok := strings.CutSuffix(raw, p)
		if !ok || rest == "" || isDigit(rest[len(rest)-1]) {
			continue
		}
		m, _ := strconv.Atoi(p)
		return rest, m
	}
	return raw, 1
}

// A multiplier must be followed by the asset name, so "10000000X" is not
// read as "1000000" plus "0X".
func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
