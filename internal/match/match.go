// Package match resolves extracted customer names and line items against
// catalog snapshots from the accounting system. Matching is pure and
// deterministic; the caller supplies the snapshot, so results are stable for
// a given catalog version.
package match

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/sahab-io/rasid/internal/model"
)

const (
	// resolveThreshold is the minimum score to auto-resolve a fuzzy match.
	resolveThreshold = 0.90
	// ambiguousThreshold is the minimum score to surface a candidate at all.
	ambiguousThreshold = 0.60
	// minGap is the required lead over the runner-up to auto-resolve.
	minGap = 0.10
	// maxCandidates caps the candidate list shown to the user.
	maxCandidates = 5
)

// CustomerEntry is one customer from the accounting catalog snapshot.
type CustomerEntry struct {
	ID       string
	Name     string
	AltNames []string
}

// ItemEntry is one item from the accounting catalog snapshot.
type ItemEntry struct {
	ID   string
	SKU  string
	GTIN string
	Name string
}

// Result is the outcome of resolving one extracted entity.
type Result struct {
	Status     model.ResolutionStatus
	ResolvedID string
	Candidates []model.MatchCandidate
}

// Customer resolves an extracted customer name against the snapshot.
// Exact normalized match scores 1.0; a match differing only in case or
// whitespace scores 0.95; everything else scores by token overlap and edit
// distance, capped at 0.9 so fuzzy hits never outrank exact ones.
func Customer(input string, snapshot []CustomerEntry) Result {
	norm := normalizeName(input)
	if norm == "" {
		return Result{Status: model.ResolutionNotFound}
	}

	var cands []model.MatchCandidate
	for _, e := range snapshot {
		score := bestNameScore(input, norm, append([]string{e.Name}, e.AltNames...))
		if score >= ambiguousThreshold {
			cands = append(cands, model.MatchCandidate{ID: e.ID, Name: e.Name, Score: score})
		}
	}
	return decide(cands)
}

// Item resolves one line item. GTIN wins over SKU, SKU over fuzzy name;
// identifier matches resolve outright, name similarity only ever produces
// candidates for the user to pick from.
func Item(li *model.LineItem, snapshot []ItemEntry) Result {
	if li.GTIN != nil {
		if r, ok := byIdentifier(li.GTIN.Value, snapshot, func(e ItemEntry) string { return e.GTIN }); ok {
			return r
		}
	}
	if li.SKU != nil {
		if r, ok := byIdentifier(li.SKU.Value, snapshot, func(e ItemEntry) string { return e.SKU }); ok {
			return r
		}
	}
	if li.ProductName != nil {
		norm := normalizeName(li.ProductName.Value)
		var cands []model.MatchCandidate
		for _, e := range snapshot {
			score := nameScore(norm, normalizeName(e.Name))
			if score >= ambiguousThreshold {
				cands = append(cands, model.MatchCandidate{ID: e.ID, Name: e.Name, Score: score})
			}
		}
		if len(cands) > 0 {
			sortCandidates(cands)
			return Result{Status: model.ResolutionAmbiguous, Candidates: trim(cands)}
		}
	}
	return Result{Status: model.ResolutionNotFound}
}

// byIdentifier matches a normalized identifier exactly. Multiple hits come
// back ambiguous with score 1.0 each.
func byIdentifier(value string, snapshot []ItemEntry, key func(ItemEntry) string) (Result, bool) {
	want := normalizeID(value)
	if want == "" {
		return Result{}, false
	}
	var hits []model.MatchCandidate
	for _, e := range snapshot {
		if normalizeID(key(e)) == want {
			hits = append(hits, model.MatchCandidate{ID: e.ID, Name: e.Name, Score: 1.0})
		}
	}
	switch len(hits) {
	case 0:
		return Result{}, false
	case 1:
		return Result{Status: model.ResolutionResolved, ResolvedID: hits[0].ID, Candidates: hits}, true
	default:
		return Result{Status: model.ResolutionAmbiguous, Candidates: trim(hits)}, true
	}
}

// decide applies the resolve threshold and ambiguity gap to a candidate set.
func decide(cands []model.MatchCandidate) Result {
	if len(cands) == 0 {
		return Result{Status: model.ResolutionNotFound}
	}
	sortCandidates(cands)
	top := cands[0]
	gap := top.Score
	if len(cands) > 1 {
		gap = top.Score - cands[1].Score
	}
	if top.Score >= resolveThreshold && gap >= minGap {
		return Result{Status: model.ResolutionResolved, ResolvedID: top.ID, Candidates: trim(cands)}
	}
	return Result{Status: model.ResolutionAmbiguous, Candidates: trim(cands)}
}

func sortCandidates(cands []model.MatchCandidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].ID < cands[j].ID
	})
}

func trim(cands []model.MatchCandidate) []model.MatchCandidate {
	if len(cands) > maxCandidates {
		return cands[:maxCandidates]
	}
	return cands
}

// bestNameScore scores the input against a customer's primary and alternate
// names and keeps the best.
func bestNameScore(raw, norm string, names []string) float64 {
	best := 0.0
	for _, n := range names {
		var score float64
		switch {
		case n == raw:
			score = 1.0
		case normalizeName(n) == norm:
			score = 0.95
		default:
			score = nameScore(norm, normalizeName(n))
		}
		if score > best {
			best = score
		}
	}
	return best
}

// nameScore blends token-set Jaccard overlap with whole-string edit
// similarity, capped below the exact-match band.
func nameScore(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	score := 0.5*jaccard(a, b) + 0.5*editSimilarity(a, b)
	if score > 0.9 {
		score = 0.9
	}
	return score
}

func jaccard(a, b string) float64 {
	as := tokenSet(a)
	bs := tokenSet(b)
	if len(as) == 0 || len(bs) == 0 {
		return 0
	}
	inter := 0
	for t := range as {
		if bs[t] {
			inter++
		}
	}
	union := len(as) + len(bs) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, t := range strings.Fields(s) {
		set[t] = true
	}
	return set
}

func editSimilarity(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	max := la
	if lb > max {
		max = lb
	}
	if max == 0 {
		return 0
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(max)
}

// normalizeName lowercases, collapses whitespace, and folds the Farsi
// zero-width non-joiner so "گل‌فروشی" and "گل فروشی" compare equal.
func normalizeName(s string) string {
	s = strings.ReplaceAll(s, "‌", " ")
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// normalizeID uppercases and strips internal whitespace and dashes.
func normalizeID(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "")
	return strings.ReplaceAll(s, "-", "")
}
