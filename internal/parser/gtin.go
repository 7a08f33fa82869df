package parser

import "strings"

// validGTINLengths are the GS1 formats we accept: GTIN-8, UPC-A (12),
// EAN-13, and GTIN-14.
var validGTINLengths = map[int]bool{8: true, 12: true, 13: true, 14: true}

// normalizeGTIN keeps digits only (after Persian-digit folding).
func normalizeGTIN(s string) string {
	var b strings.Builder
	for _, r := range asciiDigits(s) {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// validGTIN checks length and the GS1 Mod-10 check digit.
func validGTIN(digits string) bool {
	if !validGTINLengths[len(digits)] {
		return false
	}
	// Weights alternate 3,1 from the position just left of the check digit.
	sum := 0
	weight := 3
	for i := len(digits) - 2; i >= 0; i-- {
		sum += int(digits[i]-'0') * weight
		if weight == 3 {
			weight = 1
		} else {
			weight = 3
		}
	}
	check := (10 - sum%10) % 10
	return int(digits[len(digits)-1]-'0') == check
}
