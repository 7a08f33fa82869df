package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"
)

// FingerprintLine is the normalized line content that feeds the order
// fingerprint. Rate is the unit price the draft will carry.
type FingerprintLine struct {
	ItemID   string
	Quantity float64
	Rate     float64
}

// FingerprintState tracks a draft attempt keyed by fingerprint.
type FingerprintState string

const (
	FingerprintInFlight FingerprintState = "in-flight"
	FingerprintCreated  FingerprintState = "created"
	FingerprintFailed   FingerprintState = "failed"
)

// DateBucket buckets a timestamp to its UTC calendar day for fingerprinting.
func DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// OrderFingerprint computes the deterministic hash identifying a semantically
// equivalent order: customer, the multiset of (item, qty, rate) lines, and
// the date bucket. Line order does not affect the result.
func OrderFingerprint(customerID string, lines []FingerprintLine, dateBucket string) string {
	parts := make([]string, 0, len(lines))
	for _, l := range lines {
		parts = append(parts, l.ItemID+":"+formatAmount(l.Quantity)+":"+formatAmount(l.Rate))
	}
	sort.Strings(parts)

	var b strings.Builder
	b.WriteString(customerID)
	b.WriteByte('|')
	b.WriteString(strings.Join(parts, ","))
	b.WriteByte('|')
	b.WriteString(dateBucket)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// formatAmount renders a float canonically (shortest round-trip form) so the
// fingerprint is stable across marshal/unmarshal cycles.
func formatAmount(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
