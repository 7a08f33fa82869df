package parser

import (
	"regexp"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/sahab-io/rasid/internal/model"
)

// lineFields are the canonical fields mapped onto body columns; order-level
// fields (subtotal/tax/total) are recovered from totals rows instead.
var lineFields = []model.CanonicalField{
	model.FieldSKU, model.FieldGTIN, model.FieldProductName,
	model.FieldQuantity, model.FieldUnitPrice, model.FieldLineTotal,
	model.FieldCustomer,
}

var gtinBodyRe = regexp.MustCompile(`^\d{8,14}$`)

// fieldCandidate is a scored (field, method) pair for one source column.
type fieldCandidate struct {
	field      model.CanonicalField
	confidence float64
	method     model.MappingMethod
}

// inferSchema maps each source column under the header row to its best
// canonical field using the synonym dictionary, edit-distance fuzzy match,
// column-body typing, and relative position, in that order of strength.
// The assignment is greedy by confidence and unique per canonical field.
func inferSchema(g *grid, headerRow int) []model.ColumnMapping {
	type colCands struct {
		col    int
		header string
		cands  []fieldCandidate
	}

	var columns []colCands
	for col := 0; col < g.width; col++ {
		header := strings.TrimSpace(g.cell(headerRow, col))
		cands := candidatesFor(g, headerRow, col, header)
		if len(cands) == 0 {
			continue
		}
		sort.SliceStable(cands, func(i, j int) bool { return cands[i].confidence > cands[j].confidence })
		columns = append(columns, colCands{col: col, header: header, cands: cands})
	}

	// Greedy unique assignment: strongest candidate wins its field, losers
	// fall through to their runner-ups.
	type pick struct {
		col    int
		header string
		cand   fieldCandidate
		rest   []fieldCandidate
	}
	taken := map[model.CanonicalField]bool{}
	var picks []pick

	// Flatten all (column, candidate) pairs, strongest first; tie-break by
	// column order to keep inference deterministic.
	type pair struct {
		colIdx int
		cand   fieldCandidate
	}
	var pairs []pair
	for i, c := range columns {
		for _, cd := range c.cands {
			pairs = append(pairs, pair{colIdx: i, cand: cd})
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		if pairs[i].cand.confidence != pairs[j].cand.confidence {
			return pairs[i].cand.confidence > pairs[j].cand.confidence
		}
		return columns[pairs[i].colIdx].col < columns[pairs[j].colIdx].col
	})

	assigned := map[int]bool{} // column index -> already mapped
	for _, p := range pairs {
		c := columns[p.colIdx]
		if assigned[p.colIdx] || taken[p.cand.field] {
			continue
		}
		assigned[p.colIdx] = true
		taken[p.cand.field] = true
		var rest []fieldCandidate
		for _, cd := range c.cands {
			if cd.field != p.cand.field {
				rest = append(rest, cd)
			}
		}
		picks = append(picks, pick{col: c.col, header: c.header, cand: p.cand, rest: rest})
	}

	sort.SliceStable(picks, func(i, j int) bool { return picks[i].col < picks[j].col })

	mappings := make([]model.ColumnMapping, 0, len(picks))
	for _, p := range picks {
		m := model.ColumnMapping{
			CanonicalField: p.cand.field,
			SourceHeader:   p.header,
			SourceColumn:   columnName(p.col),
			Confidence:     p.cand.confidence,
			Method:         p.cand.method,
		}
		for _, r := range p.rest {
			m.Candidates = append(m.Candidates, model.MappingCandidate{
				CanonicalField: r.field,
				Confidence:     r.confidence,
			})
		}
		mappings = append(mappings, m)
	}
	return mappings
}

// candidatesFor scores every canonical field against one source column.
func candidatesFor(g *grid, headerRow, col int, header string) []fieldCandidate {
	norm := normalizeHeader(header)
	bodyNumeric, bodyGTIN, bodyEmpty := columnBody(g, headerRow, col)
	if norm == "" && bodyEmpty {
		return nil
	}

	best := map[model.CanonicalField]fieldCandidate{}
	consider := func(c fieldCandidate) {
		if cur, ok := best[c.field]; !ok || c.confidence > cur.confidence {
			best[c.field] = c
		}
	}

	for _, field := range lineFields {
		for _, syn := range fieldLexicon[field] {
			synNorm := normalizeHeader(syn)
			if norm == synNorm {
				consider(fieldCandidate{field, 0.95, model.MethodDictionary})
				continue
			}
			if norm == "" {
				continue
			}
			if sim := editSimilarity(norm, synNorm); sim >= 0.75 {
				conf := 0.6 + 0.3*(sim-0.75)/0.25
				consider(fieldCandidate{field, conf, model.MethodFuzzy})
			}
		}
	}

	// Column-body typing: weak evidence, only useful when the header gave
	// nothing or to corroborate numeric fields.
	if bodyGTIN {
		consider(fieldCandidate{model.FieldGTIN, 0.8, model.MethodFuzzy})
	}
	if bodyNumeric {
		for _, f := range []model.CanonicalField{model.FieldQuantity, model.FieldUnitPrice, model.FieldLineTotal} {
			consider(fieldCandidate{f, 0.25, model.MethodFuzzy})
		}
	} else if !bodyEmpty {
		consider(fieldCandidate{model.FieldProductName, 0.2, model.MethodFuzzy})
	}

	// Relative position nudges: identifiers lead, totals trail.
	out := make([]fieldCandidate, 0, len(best))
	for _, c := range best {
		c.confidence += positionBias(c.field, col, g.width)
		if c.confidence > 1 {
			c.confidence = 1
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].confidence != out[j].confidence {
			return out[i].confidence > out[j].confidence
		}
		return out[i].field < out[j].field
	})
	return out
}

// positionBias encodes the usual column order of order sheets: identifiers
// on the left, money on the right.
func positionBias(f model.CanonicalField, col, width int) float64 {
	if width <= 1 {
		return 0
	}
	rel := float64(col) / float64(width-1)
	switch f {
	case model.FieldSKU, model.FieldGTIN, model.FieldProductName:
		if rel < 0.5 {
			return 0.05
		}
	case model.FieldLineTotal:
		if rel > 0.5 {
			return 0.05
		}
	}
	return 0
}

// columnBody classifies the cells under the header in one column.
func columnBody(g *grid, headerRow, col int) (numeric, gtin, empty bool) {
	var num, txt, gtinLike, total int
	for row := headerRow + 1; row < len(g.rows); row++ {
		v := strings.TrimSpace(g.cell(row, col))
		if v == "" {
			continue
		}
		total++
		folded := asciiDigits(v)
		if gtinBodyRe.MatchString(folded) {
			gtinLike++
		}
		if looksNumeric(v) {
			num++
		} else {
			txt++
		}
	}
	if total == 0 {
		return false, false, true
	}
	numeric = num > txt
	gtin = gtinLike*2 > total && gtinLike >= 2
	return numeric, gtin, false
}

// editSimilarity is 1 - normalized Levenshtein distance.
func editSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
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
