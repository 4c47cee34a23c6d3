package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseBaseCurrency(t *testing.T) {
	tests := []struct {
		raw  string
		base string
		mult int
	}{
		{"BTC", "BTC", 1},
		{"1000PEPE", "PEPE", 1000},
		{"1000000MOG", "MOG", 1000000},
		{"10000LADYS", "LADYS", 10000},
		{"100000SATS", "SATS", 100000},
		{"1INCH", "1INCH", 1},
		{"1000", "1000", 1},
		{"10000000X", "10000000X", 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.base, ParseBaseCurrency(tt.raw), tt.raw)
		assert.Equal(t, tt.mult, ParseMultiplier(tt.raw), tt.raw)
	}
}

func TestSplitMultiplierSuffix(t *testing.T) {
	tests := []struct {
		raw  string
		base string
		mult int
	}{
		{"SHIB1000", "SHIB", 1000},
		{"1000BONK", "BONK", 1000},
		{"BTC", "BTC", 1},
		{"X10000", "X", 10000},
		{"A110000", "A110000", 1},
	}
	for _, tt := range tests {
		base, m := splitMultiplierSuffix(tt.raw)
		if base != tt.base || m != tt.mult {
			t.Errorf("splitMultiplierSuffix(%s)=(%s,%d) want (%s,%d)", tt.raw, base, m, tt.base, tt.mult)
		}
	}
}
