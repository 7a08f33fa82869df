package parser

import (
	"sort"
	"strings"

	"github.com/sahab-io/rasid/internal/model"
)

// sheetScore is one sheet's composite viability score in [0,1].
type sheetScore struct {
	name  string
	score float64
}

// scoreSheet composes the viability score: has-data base, gated density,
// row/column sweet spots, and the presence of numeric and text columns.
func scoreSheet(g *grid) float64 {
	rows := len(g.rows)
	if rows == 0 || g.width == 0 {
		return 0
	}

	nonEmpty := 0
	for _, r := range g.rows {
		for _, c := range r {
			if strings.TrimSpace(c) != "" {
				nonEmpty++
			}
		}
	}
	if nonEmpty == 0 {
		return 0
	}

	score := 0.1 // base: has data

	density := float64(nonEmpty) / float64(rows*g.width)
	if density >= 0.5 {
		score += 0.3 * density
	}
	if rows >= 5 && rows <= 1000 {
		score += 0.2
	}
	if g.width >= 3 && g.width <= 20 {
		score += 0.1
	}

	hasNumeric, hasText := columnKinds(g)
	if hasNumeric {
		score += 0.2
	}
	if hasText {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}

// columnKinds reports whether the sheet has at least one mostly-numeric and
// one mostly-text column, judged over non-empty body cells.
func columnKinds(g *grid) (numeric, text bool) {
	for col := 0; col < g.width; col++ {
		var num, txt int
		for row := 0; row < len(g.rows); row++ {
			v := strings.TrimSpace(g.cell(row, col))
			if v == "" {
				continue
			}
			if looksNumeric(v) {
				num++
			} else {
				txt++
			}
		}
		if num > 0 && num >= txt {
			numeric = true
		}
		if txt > 0 && txt > num {
			text = true
		}
		if numeric && text {
			return
		}
	}
	return
}

// selectSheet scores every visible sheet and applies the viability threshold
// and ambiguity gap. The returned grid is nil when status is SheetNone.
func selectSheet(grids []*grid, threshold, minGap float64) (*grid, model.SheetStatus, map[string]float64) {
	scores := make(map[string]float64, len(grids))
	var viable []sheetScore
	for _, g := range grids {
		s := scoreSheet(g)
		scores[g.name] = s
		if s >= threshold {
			viable = append(viable, sheetScore{name: g.name, score: s})
		}
	}
	if len(viable) == 0 {
		return nil, model.SheetNone, scores
	}

	// Stable order: score descending, then workbook order for ties.
	order := make(map[string]int, len(grids))
	for i, g := range grids {
		order[g.name] = i
	}
	sort.SliceStable(viable, func(i, j int) bool {
		if viable[i].score != viable[j].score {
			return viable[i].score > viable[j].score
		}
		return order[viable[i].name] < order[viable[j].name]
	})

	top := viable[0]
	var selected *grid
	for _, g := range grids {
		if g.name == top.name {
			selected = g
			break
		}
	}

	if len(viable) > 1 && top.score-viable[1].score < minGap {
		return selected, model.SheetAmbiguous, scores
	}
	return selected, model.SheetSelected, scores
}
