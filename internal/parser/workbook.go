package parser

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/sahab-io/rasid/internal/model"
)

// grid is one sheet's raw cell values, read through the streaming row
// iterator and capped at maxRows so a pathological workbook cannot blow up
// worker memory.
type grid struct {
	name      string
	rows      [][]string // raw cell values, 0-based [row][col]
	width     int        // widest row seen
	truncated bool
}

// workbook wraps the open excelize file plus the bounded grids of every
// visible sheet. The file handle stays open for on-demand evidence lookups
// (display value, number format, formulas).
type workbook struct {
	f       *excelize.File
	grids   []*grid
	allNames []string // every sheet, hidden included, in workbook order
}

func openWorkbook(blob []byte, maxRows int) (*workbook, error) {
	f, err := excelize.OpenReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("parser: open workbook: %w", err)
	}

	wb := &workbook{f: f}
	for _, name := range f.GetSheetList() {
		wb.allNames = append(wb.allNames, name)
		visible, err := f.GetSheetVisible(name)
		if err != nil || !visible {
			continue
		}
		g, err := readSheet(f, name, maxRows)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("parser: read sheet %q: %w", name, err)
		}
		wb.grids = append(wb.grids, g)
	}
	return wb, nil
}

func (wb *workbook) Close() error {
	return wb.f.Close()
}

// readSheet streams raw rows into a bounded grid.
func readSheet(f *excelize.File, name string, maxRows int) (*grid, error) {
	it, err := f.Rows(name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	g := &grid{name: name}
	for it.Next() {
		if len(g.rows) >= maxRows {
			g.truncated = true
			break
		}
		cols, err := it.Columns(excelize.Options{RawCellValue: true})
		if err != nil {
			return nil, err
		}
		if len(cols) > g.width {
			g.width = len(cols)
		}
		g.rows = append(g.rows, cols)
	}
	return g, it.Error()
}

// cell returns the raw value at (row, col), both 0-based; out-of-range reads
// return "" so ragged rows behave like blanks.
func (g *grid) cell(row, col int) string {
	if row < 0 || row >= len(g.rows) {
		return ""
	}
	r := g.rows[row]
	if col < 0 || col >= len(r) {
		return ""
	}
	return r[col]
}

func (g *grid) rowEmpty(row int) bool {
	if row < 0 || row >= len(g.rows) {
		return true
	}
	for _, c := range g.rows[row] {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// scanFormulas walks every cell of every sheet (hidden included) looking for
// a stored formula or a raw string starting with '='. The walk is bounded by
// the same row cap as extraction.
func (wb *workbook) scanFormulas(maxRows int) (bool, []model.Evidence, error) {
	var hits []model.Evidence
	for _, name := range wb.allNames {
		it, err := wb.f.Rows(name)
		if err != nil {
			return false, nil, fmt.Errorf("parser: formula scan %q: %w", name, err)
		}
		row := 0
		for it.Next() {
			if row >= maxRows {
				break
			}
			cols, err := it.Columns(excelize.Options{RawCellValue: true})
			if err != nil {
				_ = it.Close()
				return false, nil, err
			}
			for col, raw := range cols {
				axis, _ := excelize.CoordinatesToCellName(col+1, row+1)
				formula, _ := wb.f.GetCellFormula(name, axis)
				if formula == "" && !strings.HasPrefix(strings.TrimSpace(raw), "=") {
					continue
				}
				rawVal := raw
				if rawVal == "" {
					rawVal = "=" + formula
				}
				hits = append(hits, model.Evidence{Sheet: name, Cell: axis, RawValue: rawVal})
				if len(hits) >= 20 {
					// Enough evidence to report; no need to walk the rest.
					_ = it.Close()
					return true, hits, nil
				}
			}
			row++
		}
		_ = it.Close()
	}
	return len(hits) > 0, hits, nil
}

// builtinNumFmt covers the OOXML built-in number format ids we care to show
// in evidence; custom formats come through verbatim.
var builtinNumFmt = map[int]string{
	1:  "0",
	2:  "0.00",
	3:  "#,##0",
	4:  "#,##0.00",
	9:  "0%",
	10: "0.00%",
	14: "m/d/yy",
	44: `_("$"* #,##0.00_)`,
}

// evidence builds the evidence record for a cell, attaching the formatted
// display value and number format when they add information.
func (wb *workbook) evidence(sheet string, row, col int, raw string) model.Evidence {
	axis, _ := excelize.CoordinatesToCellName(col+1, row+1)
	ev := model.Evidence{Sheet: sheet, Cell: axis, RawValue: raw}

	if disp, err := wb.f.GetCellValue(sheet, axis); err == nil && disp != raw {
		ev.DisplayValue = disp
	}
	if styleID, err := wb.f.GetCellStyle(sheet, axis); err == nil && styleID != 0 {
		if style, err := wb.f.GetStyle(styleID); err == nil && style != nil {
			switch {
			case style.CustomNumFmt != nil:
				ev.NumberFormat = *style.CustomNumFmt
			case style.NumFmt > 0:
				ev.NumberFormat = builtinNumFmt[style.NumFmt]
			}
		}
	}
	return ev
}

// columnName converts a 0-based column index to its letter form.
func columnName(col int) string {
	name, _ := excelize.ColumnNumberToName(col + 1)
	return name
}
