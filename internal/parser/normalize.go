package parser

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// persianDigits maps Persian (U+06F0..U+06F9) and Arabic-Indic
// (U+0660..U+0669) digits plus the Arabic decimal/thousands separators to
// their ASCII equivalents.
var persianDigits = map[rune]rune{
	'۰': '0', '۱': '1', '۲': '2', '۳': '3', '۴': '4',
	'۵': '5', '۶': '6', '۷': '7', '۸': '8', '۹': '9',
	'٠': '0', '١': '1', '٢': '2', '٣': '3', '٤': '4',
	'٥': '5', '٦': '6', '٧': '7', '٨': '8', '٩': '9',
	'٫': '.', // Arabic decimal separator
	'٬': 0,   // Arabic thousands separator: dropped
}

// currencyTokens are stripped before numeric parsing. Symbols are handled
// per-rune; word tokens are matched whole.
var currencyWords = []string{
	"ریال", "تومان", "rial", "toman", "irr", "usd", "eur", "gbp",
}

// asciiDigits converts Persian/Arabic-Indic digits in s to ASCII.
func asciiDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if repl, ok := persianDigits[r]; ok {
			if repl != 0 {
				b.WriteRune(repl)
			}
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// normalizeString trims, collapses internal whitespace (including the Farsi
// zero-width non-joiner), and preserves everything else.
func normalizeString(s string) string {
	s = strings.ReplaceAll(s, "‌", " ") // ZWNJ
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// normalizeSKU upper-cases and trims an SKU.
func normalizeSKU(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// normalizeHeader prepares a header cell for lexicon lookup: lower-case,
// digit-folded, whitespace-collapsed.
func normalizeHeader(s string) string {
	return strings.ToLower(normalizeString(asciiDigits(s)))
}

// parseNumber parses a spreadsheet cell into a float64. It strips currency
// symbols and words, folds Persian digits, and resolves the decimal
// separator by locale heuristics: with both '.' and ',' present the
// rightmost one is the decimal point; a lone separator followed by exactly
// three digits per group is a thousands separator.
func parseNumber(s string) (float64, error) {
	cleaned := asciiDigits(strings.TrimSpace(s))
	lower := strings.ToLower(cleaned)
	for _, w := range currencyWords {
		lower = strings.ReplaceAll(lower, w, "")
	}
	var b strings.Builder
	for _, r := range lower {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',', r == '-', r == '+':
			b.WriteRune(r)
		case r == ' ' || r == '\u00a0':
			// Space-grouped thousands: drop.
		case unicode.IsSymbol(r) || unicode.IsLetter(r):
			// Currency symbol or stray unit: drop.
		case r == '(' || r == ')':
			// Accounting negatives are out of scope; drop the parens.
		default:
			// Anything else is dropped too; validation catches garbage below.
		}
	}
	cleaned = b.String()
	if cleaned == "" {
		return 0, fmt.Errorf("parser: %q has no numeric content", s)
	}

	dot := strings.LastIndexByte(cleaned, '.')
	comma := strings.LastIndexByte(cleaned, ',')
	switch {
	case dot >= 0 && comma >= 0:
		if dot > comma {
			// 1,234.56 — comma groups thousands.
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		} else {
			// 1.234,56 — dot groups thousands, comma is decimal.
			cleaned = strings.ReplaceAll(cleaned, ".", "")
			cleaned = strings.Replace(cleaned, ",", ".", 1)
		}
	case comma >= 0:
		if isThousandsGrouped(cleaned, ',') {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		} else {
			cleaned = strings.Replace(cleaned, ",", ".", 1)
		}
	case dot >= 0:
		if isThousandsGrouped(cleaned, '.') {
			cleaned = strings.ReplaceAll(cleaned, ".", "")
		}
	}

	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("parser: parse %q: %w", s, err)
	}
	return f, nil
}

// isThousandsGrouped reports whether every separator-delimited group after
// the first has exactly three digits (e.g. 1.234.567 or 12,345).
func isThousandsGrouped(s string, sep byte) bool {
	s = strings.TrimLeft(s, "+-")
	groups := strings.Split(s, string(sep))
	if len(groups) < 2 {
		return false
	}
	if len(groups[0]) == 0 || len(groups[0]) > 3 {
		return false
	}
	for _, g := range groups[1:] {
		if len(g) != 3 {
			return false
		}
	}
	return true
}

// looksNumeric reports whether a cell plausibly holds a number after
// normalization. Used for column-body typing and sheet scoring. Unlike
// parseNumber it rejects mixed alphanumerics ("AB-100" is an SKU, not -100).
func looksNumeric(s string) bool {
	t := strings.ToLower(asciiDigits(strings.TrimSpace(s)))
	for _, w := range currencyWords {
		t = strings.ReplaceAll(t, w, "")
	}
	for _, r := range t {
		if unicode.IsLetter(r) {
			return false
		}
	}
	_, err := parseNumber(s)
	return err == nil
}

// sniffLanguage returns "fa" when Arabic-script code points dominate the
// collected strings, "en" when Latin letters are present, else "".
func sniffLanguage(samples []string) string {
	var arabic, latin int
	for _, s := range samples {
		for _, r := range s {
			switch {
			case r >= 0x0600 && r <= 0x06FF, r >= 0xFB50 && r <= 0xFDFF:
				arabic++
			case unicode.In(r, unicode.Latin):
				latin++
			}
		}
	}
	switch {
	case arabic > 0 && arabic >= latin:
		return "fa"
	case latin > 0:
		return "en"
	default:
		return ""
	}
}
