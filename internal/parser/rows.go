package parser

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/sahab-io/rasid/internal/model"
)

type rowKind int

const (
	rowEmpty rowKind = iota
	rowData
	rowTotals
)

// colIndex resolves a mapping's column letter back to a 0-based index.
func colIndex(m *model.ColumnMapping) int {
	if m == nil {
		return -1
	}
	col := 0
	for _, r := range m.SourceColumn {
		col = col*26 + int(r-'A') + 1
	}
	return col - 1
}

// classifyRow tags a body row as data, totals, or empty. The totals-keyword
// check runs before the identifier check because totals labels often sit in
// the identifier column.
func classifyRow(g *grid, row int, idCols []int) rowKind {
	if g.rowEmpty(row) {
		return rowEmpty
	}
	for col := 0; col < g.width; col++ {
		v := normalizeHeader(g.cell(row, col))
		if v == "" {
			continue
		}
		for _, kw := range totalsKeywords {
			if v == kw || strings.HasPrefix(v, kw+" ") || strings.HasSuffix(v, " "+kw) {
				return rowTotals
			}
		}
	}
	for _, c := range idCols {
		if c >= 0 && strings.TrimSpace(g.cell(row, c)) != "" {
			return rowData
		}
	}
	// No identifiers and no totals keyword: treat as data only if it has a
	// numeric cell, otherwise it is decoration (notes, signatures).
	for col := 0; col < g.width; col++ {
		if v := strings.TrimSpace(g.cell(row, col)); v != "" && looksNumeric(v) {
			return rowData
		}
	}
	return rowEmpty
}

// extraction is the result of walking the body rows under the header.
type extraction struct {
	items     []model.LineItem
	totals    *model.Totals
	customer  *model.StringField
	issues    []model.Issue
	lastRow   int // last 0-based grid row consumed, for the table region
	samples   []string
}

// extractRows walks the rows below the header, building line items from data
// rows and totals from trailing totals rows. Extraction stops permanently at
// the first totals row; blank rows inside the table are skipped.
func extractRows(wb *workbook, g *grid, headerRow int, si *model.SchemaInference) extraction {
	var ex extraction
	ex.lastRow = headerRow

	cols := map[model.CanonicalField]int{}
	for _, f := range lineFields {
		cols[f] = colIndex(si.Mapping(f))
	}
	idCols := []int{cols[model.FieldSKU], cols[model.FieldGTIN], cols[model.FieldProductName]}

	inTotals := false
	for row := headerRow + 1; row < len(g.rows); row++ {
		switch classifyRow(g, row, idCols) {
		case rowEmpty:
			continue
		case rowTotals:
			inTotals = true
			ex.readTotalsRow(wb, g, row)
			ex.lastRow = row
			continue
		case rowData:
			if inTotals {
				// Data after the totals block is outside the table.
				continue
			}
		}

		item := model.LineItem{RowIndex: len(ex.items), SourceRow: row + 1}
		ex.readString(wb, g, row, cols[model.FieldSKU], &item.SKU, normalizeSKU)
		ex.readString(wb, g, row, cols[model.FieldProductName], &item.ProductName, normalizeString)
		ex.readGTIN(wb, g, row, cols[model.FieldGTIN], &item)
		ex.readNumber(wb, g, row, cols[model.FieldQuantity], &item.Quantity)
		ex.readNumber(wb, g, row, cols[model.FieldUnitPrice], &item.UnitPrice)
		ex.readNumber(wb, g, row, cols[model.FieldLineTotal], &item.LineTotal)

		if c := cols[model.FieldCustomer]; c >= 0 && ex.customer == nil {
			ex.readCell(wb, g, row, c, &ex.customer, normalizeString)
		}

		item.ItemResolution = model.ResolutionUnresolved
		ex.items = append(ex.items, item)
		ex.lastRow = row
	}

	if ex.customer == nil {
		ex.customer = findLabeledCustomer(wb, g, headerRow)
	}
	return ex
}

// readString extracts a normalized string cell into a field pointer.
func (ex *extraction) readString(wb *workbook, g *grid, row, col int, dst **model.StringField, norm func(string) string) {
	ex.readCell(wb, g, row, col, dst, norm)
}

func (ex *extraction) readCell(wb *workbook, g *grid, row, col int, dst **model.StringField, norm func(string) string) {
	if col < 0 {
		return
	}
	raw := g.cell(row, col)
	v := norm(raw)
	if v == "" {
		return
	}
	ex.samples = append(ex.samples, raw)
	*dst = &model.StringField{
		Value:    v,
		Evidence: []model.Evidence{wb.evidence(g.name, row, col, raw)},
	}
}

// readGTIN extracts and check-digit-validates a GTIN cell. Invalid check
// digits keep the value but attach a warning.
func (ex *extraction) readGTIN(wb *workbook, g *grid, row, col int, item *model.LineItem) {
	if col < 0 {
		return
	}
	raw := g.cell(row, col)
	v := normalizeGTIN(raw)
	if v == "" {
		return
	}
	ev := wb.evidence(g.name, row, col, raw)
	item.GTIN = &model.StringField{Value: v, Evidence: []model.Evidence{ev}}
	if !validGTIN(v) {
		ex.issues = append(ex.issues,
			model.NewIssue(model.IssueGTINInvalid, "GTIN "+v+" fails its check digit").
				WithFields(lineField(item.RowIndex, "gtin")).
				WithEvidence(ev))
	}
}

// readNumber extracts a numeric cell, folding digits and locale separators.
func (ex *extraction) readNumber(wb *workbook, g *grid, row, col int, dst **model.NumberField) {
	if col < 0 {
		return
	}
	raw := g.cell(row, col)
	if strings.TrimSpace(raw) == "" {
		return
	}
	ex.samples = append(ex.samples, raw)
	f, err := parseNumber(raw)
	if err != nil {
		return
	}
	*dst = &model.NumberField{
		Value:    f,
		Raw:      raw,
		Evidence: []model.Evidence{wb.evidence(g.name, row, col, raw)},
	}
}

// readTotalsRow folds a label/value totals row into ex.totals. The label cell
// decides which bucket the rightmost numeric cell lands in.
func (ex *extraction) readTotalsRow(wb *workbook, g *grid, row int) {
	var label string
	var valCol = -1
	var valRaw string
	for col := 0; col < g.width; col++ {
		v := strings.TrimSpace(g.cell(row, col))
		if v == "" {
			continue
		}
		if looksNumeric(v) {
			valCol, valRaw = col, v
		} else if label == "" {
			label = normalizeHeader(v)
		}
	}
	if valCol < 0 {
		return
	}
	f, err := parseNumber(valRaw)
	if err != nil {
		return
	}
	nf := &model.NumberField{
		Value:    f,
		Raw:      valRaw,
		Evidence: []model.Evidence{wb.evidence(g.name, row, valCol, valRaw)},
	}

	if ex.totals == nil {
		ex.totals = &model.Totals{}
	}
	switch {
	case matchesField(label, model.FieldTax):
		if ex.totals.Tax == nil {
			ex.totals.Tax = nf
		}
	case matchesField(label, model.FieldSubtotal):
		if ex.totals.Subtotal == nil {
			ex.totals.Subtotal = nf
		}
	case matchesField(label, model.FieldTotal):
		// Later grand-total rows win: the last "total" line is the amount due.
		ex.totals.Grand = nf
	default:
		if ex.totals.Grand == nil {
			ex.totals.Grand = nf
		}
	}
}

// matchesField reports whether a normalized totals label matches one of the
// field's lexicon synonyms, by equality or containment.
func matchesField(label string, f model.CanonicalField) bool {
	for _, syn := range fieldLexicon[f] {
		n := normalizeHeader(syn)
		if label == n || strings.Contains(label, n) {
			return true
		}
	}
	return false
}

// findLabeledCustomer looks above the header row for a "customer: <name>"
// pair, either label and value side by side or joined in one cell.
func findLabeledCustomer(wb *workbook, g *grid, headerRow int) *model.StringField {
	labels := map[string]bool{}
	for _, syn := range fieldLexicon[model.FieldCustomer] {
		labels[normalizeHeader(syn)] = true
	}
	for row := 0; row < headerRow; row++ {
		for col := 0; col < g.width; col++ {
			raw := g.cell(row, col)
			v := normalizeHeader(raw)
			if v == "" {
				continue
			}
			label, inline := splitLabel(v)
			if !labels[label] {
				continue
			}
			if inline != "" {
				// Joined form: "Customer: Acme Retail". Re-split the raw cell
				// so the name keeps its original casing.
				name := normalizeString(raw)
				if _, after := splitLabel(name); after != "" {
					name = after
				}
				return &model.StringField{
					Value:    name,
					Evidence: []model.Evidence{wb.evidence(g.name, row, col, raw)},
				}
			}
			// Label-only cell: the value is the next non-empty cell.
			for nc := col + 1; nc < g.width; nc++ {
				nraw := g.cell(row, nc)
				if nv := normalizeString(nraw); nv != "" {
					return &model.StringField{
						Value:    nv,
						Evidence: []model.Evidence{wb.evidence(g.name, row, nc, nraw)},
					}
				}
			}
		}
	}
	return nil
}

// splitLabel cuts "customer: acme" into ("customer", "acme") and trims a
// bare trailing colon, so "customer:" yields ("customer", "").
func splitLabel(s string) (label, rest string) {
	idx := strings.IndexAny(s, ":：")
	if idx < 0 {
		return strings.TrimSpace(s), ""
	}
	sep := s[idx:]
	_, size := utf8.DecodeRuneInString(sep)
	return strings.TrimSpace(s[:idx]), strings.TrimSpace(s[idx+size:])
}

// lineField builds the canonical field path for an issue on one line item.
func lineField(rowIndex int, field string) string {
	return "/lineItems/" + strconv.Itoa(rowIndex) + "/" + field
}
