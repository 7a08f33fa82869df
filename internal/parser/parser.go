// Package parser turns an uploaded .xlsx workbook into an evidence-tracked
// canonical order. The pipeline is deterministic: same bytes, same output.
// Stages: formula scan, sheet selection, header detection, schema inference,
// row extraction, normalization, validation.
package parser

import (
	"fmt"
	"strconv"
	"time"

	"github.com/sahab-io/rasid/internal/model"
)

// Version identifies the extraction pipeline; it is stamped into every
// order's meta so stored orders can be traced to the code that produced them.
const Version = "rasid-parser/1"

// FormulaPolicy controls what happens when the workbook contains formulas.
type FormulaPolicy string

const (
	// FormulaStrict rejects the workbook with a blocker issue.
	FormulaStrict FormulaPolicy = "strict"
	// FormulaWarn extracts cached values and attaches a warning.
	FormulaWarn FormulaPolicy = "warn"
	// FormulaAllow extracts cached values silently.
	FormulaAllow FormulaPolicy = "allow"
)

// Options tunes the pipeline. The zero value is not usable; call
// DefaultOptions and override fields as needed.
type Options struct {
	FormulaPolicy      FormulaPolicy
	SelectionThreshold float64 // minimum sheet score to be viable
	MinGap             float64 // score gap below which selection is ambiguous
	HeaderScanRows     int     // rows inspected for the header
	HeaderThreshold    float64 // minimum header-row score
	MaxRows            int     // per-sheet row cap
	SheetOverride      string  // force a sheet by name, e.g. after ambiguity
}

func DefaultOptions() Options {
	return Options{
		FormulaPolicy:      FormulaStrict,
		SelectionThreshold: 0.5,
		MinGap:             0.15,
		HeaderScanRows:     10,
		HeaderThreshold:    0.3,
		MaxRows:            10000,
	}
}

// Input carries the workbook bytes plus the provenance the caller knows.
type Input struct {
	Blob       []byte
	CaseID     string
	TenantID   string
	Filename   string
	SHA256     string
	ReceivedAt time.Time
}

// Parser runs the extraction pipeline.
type Parser struct {
	opts Options
}

func New(opts Options) *Parser {
	if opts.MaxRows <= 0 {
		opts.MaxRows = DefaultOptions().MaxRows
	}
	if opts.HeaderScanRows <= 0 {
		opts.HeaderScanRows = DefaultOptions().HeaderScanRows
	}
	return &Parser{opts: opts}
}

// Parse extracts a canonical order from workbook bytes. A non-nil error means
// the bytes are not a readable workbook; extraction problems inside a
// readable workbook come back as issues on the order instead. On a blocker
// the returned order carries meta plus the single blocker issue and nothing
// else, so downstream stages short-circuit.
func (p *Parser) Parse(in Input) (*model.CanonicalOrder, error) {
	wb, err := openWorkbook(in.Blob, p.opts.MaxRows)
	if err != nil {
		return nil, err
	}
	defer func() { _ = wb.Close() }()

	order := &model.CanonicalOrder{
		Meta: model.OrderMeta{
			CaseID:        in.CaseID,
			TenantID:      in.TenantID,
			ReceivedAt:    in.ReceivedAt.UTC(),
			Filename:      in.Filename,
			SHA256:        in.SHA256,
			ParserVersion: Version,
		},
		Customer: model.Customer{ResolutionStatus: model.ResolutionUnresolved},
		Issues:   []model.Issue{},
	}

	// Stage 1: formula scan, every sheet, hidden included.
	hasFormulas, hits, err := wb.scanFormulas(p.opts.MaxRows)
	if err != nil {
		return nil, err
	}
	order.Meta.ContainsFormulas = hasFormulas
	if hasFormulas {
		switch p.opts.FormulaPolicy {
		case FormulaStrict:
			order.Issues = append(order.Issues,
				model.NewIssue(model.IssueFormulasBlocked,
					fmt.Sprintf("workbook contains formulas in %d cell(s)", len(hits))).
					WithEvidence(hits...))
			return order, nil
		case FormulaWarn:
			order.Issues = append(order.Issues,
				model.NewIssue(model.IssueFormulasWarning,
					fmt.Sprintf("workbook contains formulas in %d cell(s); cached values used", len(hits))).
					WithEvidence(hits...))
		}
	}

	// Stage 2: sheet selection.
	for _, g := range wb.grids {
		order.Meta.SheetsProcessed = append(order.Meta.SheetsProcessed, g.name)
	}
	g, status, scores := p.pickSheet(wb, order)
	order.SchemaInference.SheetStatus = status
	order.SchemaInference.SheetScores = scores
	if g == nil {
		if p.opts.SheetOverride == "" {
			order.Issues = append(order.Issues,
				model.NewIssue(model.IssueNoSuitableSheet, "no sheet scores as an order table"))
		}
		return order, nil
	}
	order.SchemaInference.SelectedSheet = g.name
	if status == model.SheetAmbiguous {
		order.Issues = append(order.Issues,
			model.NewIssue(model.IssueMultipleSheetCandidates,
				fmt.Sprintf("sheet %q selected but others score within the ambiguity gap", g.name)))
	}
	if g.truncated {
		order.Issues = append(order.Issues,
			model.NewIssue(model.IssueRowLimitExceeded,
				fmt.Sprintf("sheet %q has more than %d rows; the rest were skipped", g.name, p.opts.MaxRows)))
	}

	// Stage 3: header detection.
	header := detectHeader(g, p.opts.HeaderScanRows, p.opts.HeaderThreshold)
	if header.row < 0 {
		order.Issues = append(order.Issues,
			model.NewIssue(model.IssueNoHeaderRow,
				fmt.Sprintf("no header row found in the first %d rows of %q", p.opts.HeaderScanRows, g.name)))
		order.Confidence = confidence(scores[g.name], 0, 0)
		return order, nil
	}
	order.SchemaInference.HeaderRow = header.row + 1

	// Stage 4: schema inference.
	mappings := inferSchema(g, header.row)
	order.SchemaInference.ColumnMappings = mappings
	if order.SchemaInference.Mapping(model.FieldQuantity) == nil {
		order.Issues = append(order.Issues,
			model.NewIssue(model.IssueMissingQuantityColumn,
				fmt.Sprintf("no column of %q maps to quantity", g.name)).
				WithFields("/schemaInference/columnMappings"))
	}

	// Stages 5-6: row extraction and normalization.
	ex := extractRows(wb, g, header.row, &order.SchemaInference)
	order.LineItems = ex.items
	order.Totals = ex.totals
	order.Issues = append(order.Issues, ex.issues...)
	if ex.customer != nil {
		order.Customer.InputName = ex.customer
	}
	order.SchemaInference.TableRegion = tableRegion(g, header.row, ex.lastRow)
	order.Meta.LanguageHint = languageHint(g, header.row, ex.samples)

	// Stage 7: validation.
	order.Issues = append(order.Issues, ValidateOrder(order)...)

	order.Confidence = confidence(scores[g.name], header.score, mappingConfidence(mappings))
	return order, nil
}

// pickSheet applies the override when set, else scores and selects.
func (p *Parser) pickSheet(wb *workbook, order *model.CanonicalOrder) (*grid, model.SheetStatus, map[string]float64) {
	if p.opts.SheetOverride != "" {
		for _, g := range wb.grids {
			if g.name == p.opts.SheetOverride {
				return g, model.SheetSelected, map[string]float64{g.name: 1}
			}
		}
		order.Issues = append(order.Issues,
			model.NewIssue(model.IssueSheetNotFound,
				fmt.Sprintf("sheet %q is not in the workbook", p.opts.SheetOverride)))
		return nil, model.SheetNone, nil
	}
	return selectSheet(wb.grids, p.opts.SelectionThreshold, p.opts.MinGap)
}

// tableRegion is the A1 span from the header's first column to the last
// consumed row and the grid's widest column.
func tableRegion(g *grid, headerRow, lastRow int) string {
	if lastRow < headerRow {
		lastRow = headerRow
	}
	return fmt.Sprintf("A%d:%s%d", headerRow+1, columnName(g.width-1), lastRow+1)
}

// languageHint sniffs the dominant script from headers plus extracted cells.
func languageHint(g *grid, headerRow int, samples []string) model.LanguageHint {
	all := make([]string, 0, g.width+len(samples))
	for col := 0; col < g.width; col++ {
		all = append(all, g.cell(headerRow, col))
	}
	all = append(all, samples...)
	return model.LanguageHint(sniffLanguage(all))
}

// mappingConfidence is the mean confidence of the assigned mappings, zero
// when nothing mapped.
func mappingConfidence(ms []model.ColumnMapping) float64 {
	if len(ms) == 0 {
		return 0
	}
	var sum float64
	for _, m := range ms {
		sum += m.Confidence
	}
	return sum / float64(len(ms))
}

// confidence composes the per-stage scores. Overall is the weighted mean:
// sheet 0.3, header 0.3, mapping 0.4, truncated to three decimals so the
// value is stable across formatting round trips.
func confidence(sheet, header, mapping float64) model.Confidence {
	clamp := func(f float64) float64 {
		if f > 1 {
			return 1
		}
		if f < 0 {
			return 0
		}
		return f
	}
	sheet, header, mapping = clamp(sheet), clamp(header), clamp(mapping)
	overall := 0.3*sheet + 0.3*header + 0.4*mapping
	round := func(f float64) float64 {
		v, _ := strconv.ParseFloat(strconv.FormatFloat(f, 'f', 3, 64), 64)
		return v
	}
	return model.Confidence{
		Overall:         round(overall),
		SheetSelection:  round(sheet),
		HeaderDetection: round(header),
		ColumnMapping:   round(mapping),
	}
}
