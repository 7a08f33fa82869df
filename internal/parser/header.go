package parser

import "strings"

// headerCandidate is one scored candidate header row.
type headerCandidate struct {
	row   int // 0-based grid row
	score float64
}

// detectHeader scans the first scanRows rows of the grid and scores each
// non-empty row on position, token variety, text-cell count, the numeric
// shape of the following row, and lexicon keyword hits. Returns the best
// candidate with score >= threshold, or row -1.
func detectHeader(g *grid, scanRows int, threshold float64) headerCandidate {
	best := headerCandidate{row: -1}
	limit := scanRows
	if limit > len(g.rows) {
		limit = len(g.rows)
	}

	for row := 0; row < limit; row++ {
		if g.rowEmpty(row) {
			continue
		}
		score := scoreHeaderRow(g, row)
		if score > best.score && score >= threshold {
			best = headerCandidate{row: row, score: score}
		}
	}
	return best
}

func scoreHeaderRow(g *grid, row int) float64 {
	var score float64
	switch row {
	case 0:
		score += 0.3
	case 1, 2:
		score += 0.2
	}

	var nonEmpty, textCells, numericCells int
	tokens := map[string]bool{}
	keywordHits := 0
	for col := 0; col < g.width; col++ {
		v := strings.TrimSpace(g.cell(row, col))
		if v == "" {
			continue
		}
		nonEmpty++
		if looksNumeric(v) {
			numericCells++
			continue
		}
		textCells++
		norm := normalizeHeader(v)
		tokens[norm] = true
		if headerKeywords[norm] {
			keywordHits++
		}
	}
	if nonEmpty == 0 {
		return 0
	}

	if float64(len(tokens))/float64(nonEmpty) > 0.8 {
		score += 0.3
	}
	if textCells >= 3 {
		score += 0.2
	}
	if numericCells == 0 && nextRowNumeric(g, row) {
		score += 0.2
	}
	switch {
	case keywordHits >= 2:
		score += 0.2
	case keywordHits == 1:
		score += 0.1
	}
	return score
}

// nextRowNumeric reports whether the row after the candidate header carries
// at least one numeric cell — the usual shape of a data row under headers.
func nextRowNumeric(g *grid, row int) bool {
	next := row + 1
	if next >= len(g.rows) {
		return false
	}
	for col := 0; col < g.width; col++ {
		v := strings.TrimSpace(g.cell(next, col))
		if v != "" && looksNumeric(v) {
			return true
		}
	}
	return false
}
