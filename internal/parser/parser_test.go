package parser

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/sahab-io/rasid/internal/model"
)

type sheetDef struct {
	name string
	rows [][]any
}

func buildWorkbook(t *testing.T, sheets ...sheetDef) *excelize.File {
	t.Helper()
	f := excelize.NewFile()
	for i, s := range sheets {
		if i == 0 {
			require.NoError(t, f.SetSheetName("Sheet1", s.name))
		} else {
			_, err := f.NewSheet(s.name)
			require.NoError(t, err)
		}
		for r, row := range s.rows {
			for c, v := range row {
				if v == nil {
					continue
				}
				cell, err := excelize.CoordinatesToCellName(c+1, r+1)
				require.NoError(t, err)
				require.NoError(t, f.SetCellValue(s.name, cell, v))
			}
		}
	}
	return f
}

func workbookBytes(t *testing.T, f *excelize.File) []byte {
	t.Helper()
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return buf.Bytes()
}

// englishOrder is the reference happy-path sheet: labeled customer above the
// header, three mapped money columns, and a totals block.
func englishOrder(t *testing.T) []byte {
	return workbookBytes(t, buildWorkbook(t, sheetDef{
		name: "Orders",
		rows: [][]any{
			{"Customer:", "Acme Retail"},
			{"SKU", "Product", "Qty", "Unit Price", "Line Total"},
			{"A-1", "Blue Widget", 2, 10.5, 21.0},
			{"B-2", "Red Widget", 3, 10.5, 31.5},
			{"Subtotal", nil, nil, nil, 52.5},
			{"Total", nil, nil, nil, 52.5},
		},
	}))
}

func testInput(blob []byte) Input {
	return Input{
		Blob:       blob,
		CaseID:     "case-123",
		TenantID:   "tenant-1",
		Filename:   "orders.xlsx",
		SHA256:     "deadbeef",
		ReceivedAt: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
	}
}

func TestParse_EnglishHappyPath(t *testing.T) {
	p := New(DefaultOptions())
	order, err := p.Parse(testInput(englishOrder(t)))
	require.NoError(t, err)

	assert.Empty(t, order.Issues)
	assert.Equal(t, model.SheetSelected, order.SchemaInference.SheetStatus)
	assert.Equal(t, "Orders", order.SchemaInference.SelectedSheet)
	assert.Equal(t, 2, order.SchemaInference.HeaderRow)
	assert.Equal(t, "A2:E6", order.SchemaInference.TableRegion)
	assert.Equal(t, model.LangEnglish, order.Meta.LanguageHint)
	assert.Equal(t, Version, order.Meta.ParserVersion)
	assert.False(t, order.Meta.ContainsFormulas)

	require.NotNil(t, order.Customer.InputName)
	assert.Equal(t, "Acme Retail", order.Customer.InputName.Value)
	assert.Equal(t, model.ResolutionUnresolved, order.Customer.ResolutionStatus)

	require.Len(t, order.LineItems, 2)
	first := order.LineItems[0]
	require.NotNil(t, first.SKU)
	assert.Equal(t, "A-1", first.SKU.Value)
	require.NotEmpty(t, first.SKU.Evidence)
	assert.Equal(t, "Orders", first.SKU.Evidence[0].Sheet)
	assert.Equal(t, "A3", first.SKU.Evidence[0].Cell)
	require.NotNil(t, first.Quantity)
	assert.Equal(t, 2.0, first.Quantity.Value)
	require.NotNil(t, first.LineTotal)
	assert.Equal(t, 21.0, first.LineTotal.Value)
	assert.Equal(t, 3, first.SourceRow)

	require.NotNil(t, order.Totals)
	require.NotNil(t, order.Totals.Subtotal)
	assert.Equal(t, 52.5, order.Totals.Subtotal.Value)
	require.NotNil(t, order.Totals.Grand)
	assert.Equal(t, 52.5, order.Totals.Grand.Value)

	assert.Greater(t, order.Confidence.Overall, 0.5)
}

func TestParse_FarsiHeadersAndDigits(t *testing.T) {
	blob := workbookBytes(t, buildWorkbook(t, sheetDef{
		name: "سفارش",
		rows: [][]any{
			{"کد کالا", "نام کالا", "تعداد", "قیمت واحد", "جمع"},
			{"K-9", "پنیر سفید", "۲", "۱۰٫۵", "۲۱"},
			{"K-10", "ماست", "۳", "۱۰", "۳۰"},
		},
	}))

	p := New(DefaultOptions())
	order, err := p.Parse(testInput(blob))
	require.NoError(t, err)

	assert.Equal(t, model.LangFarsi, order.Meta.LanguageHint)
	require.Len(t, order.LineItems, 2)
	require.NotNil(t, order.LineItems[0].Quantity)
	assert.Equal(t, 2.0, order.LineItems[0].Quantity.Value)
	require.NotNil(t, order.LineItems[0].UnitPrice)
	assert.Equal(t, 10.5, order.LineItems[0].UnitPrice.Value)
	assert.Equal(t, "۲", order.LineItems[0].Quantity.Raw)

	// No customer anywhere in the sheet.
	codes := issueCodes(order.Issues)
	assert.Contains(t, codes, model.IssueMissingCustomer)
	assert.False(t, model.HasBlocker(order.Issues))
}

func TestParse_FormulaStrictBlocks(t *testing.T) {
	f := buildWorkbook(t, sheetDef{
		name: "Orders",
		rows: [][]any{
			{"SKU", "Product", "Qty", "Unit Price", "Line Total"},
			{"A-1", "Blue Widget", 2, 10.5, nil},
		},
	})
	require.NoError(t, f.SetCellFormula("Orders", "E2", "C2*D2"))
	blob := workbookBytes(t, f)

	p := New(DefaultOptions())
	order, err := p.Parse(testInput(blob))
	require.NoError(t, err)

	require.Len(t, order.Issues, 1)
	assert.Equal(t, model.IssueFormulasBlocked, order.Issues[0].Code)
	assert.Equal(t, model.SeverityBlocker, order.Issues[0].Severity)
	assert.NotEmpty(t, order.Issues[0].Evidence)
	assert.True(t, order.Meta.ContainsFormulas)
	assert.Empty(t, order.LineItems)
}

func TestParse_FormulaWarnExtractsCachedValues(t *testing.T) {
	f := buildWorkbook(t, sheetDef{
		name: "Orders",
		rows: [][]any{
			{"SKU", "Product", "Qty", "Unit Price", "Line Total"},
			{"A-1", "Blue Widget", 2, 10.5, nil},
		},
	})
	require.NoError(t, f.SetCellFormula("Orders", "E2", "C2*D2"))
	blob := workbookBytes(t, f)

	opts := DefaultOptions()
	opts.FormulaPolicy = FormulaWarn
	order, err := New(opts).Parse(testInput(blob))
	require.NoError(t, err)

	codes := issueCodes(order.Issues)
	assert.Contains(t, codes, model.IssueFormulasWarning)
	require.Len(t, order.LineItems, 1)
	assert.Equal(t, 2.0, order.LineItems[0].Quantity.Value)
}

func TestParse_NoSuitableSheet(t *testing.T) {
	blob := workbookBytes(t, buildWorkbook(t, sheetDef{
		name: "Notes",
		rows: [][]any{{"hello"}, {}, {"world"}},
	}))

	order, err := New(DefaultOptions()).Parse(testInput(blob))
	require.NoError(t, err)

	require.Len(t, order.Issues, 1)
	assert.Equal(t, model.IssueNoSuitableSheet, order.Issues[0].Code)
	assert.Equal(t, model.SheetNone, order.SchemaInference.SheetStatus)
	assert.True(t, model.HasBlocker(order.Issues))
}

func TestParse_AmbiguousSheets(t *testing.T) {
	rows := [][]any{
		{"SKU", "Product", "Qty", "Unit Price", "Line Total"},
		{"A-1", "Blue Widget", 2, 10.5, 21.0},
		{"B-2", "Red Widget", 3, 10.5, 31.5},
		{"C-3", "Green Widget", 1, 5.0, 5.0},
		{"D-4", "Black Widget", 4, 2.5, 10.0},
	}
	blob := workbookBytes(t, buildWorkbook(t,
		sheetDef{name: "Orders1", rows: rows},
		sheetDef{name: "Orders2", rows: rows},
	))

	order, err := New(DefaultOptions()).Parse(testInput(blob))
	require.NoError(t, err)

	assert.Equal(t, model.SheetAmbiguous, order.SchemaInference.SheetStatus)
	assert.Equal(t, "Orders1", order.SchemaInference.SelectedSheet)
	assert.Contains(t, issueCodes(order.Issues), model.IssueMultipleSheetCandidates)
	assert.Len(t, order.LineItems, 4)
}

func TestParse_SheetOverride(t *testing.T) {
	rows := [][]any{
		{"SKU", "Product", "Qty", "Unit Price", "Line Total"},
		{"A-1", "Blue Widget", 2, 10.5, 21.0},
		{"B-2", "Red Widget", 3, 10.5, 31.5},
		{"C-3", "Green Widget", 1, 5.0, 5.0},
		{"D-4", "Black Widget", 4, 2.5, 10.0},
	}
	blob := workbookBytes(t, buildWorkbook(t,
		sheetDef{name: "Orders1", rows: rows},
		sheetDef{name: "Orders2", rows: rows},
	))

	opts := DefaultOptions()
	opts.SheetOverride = "Orders2"
	order, err := New(opts).Parse(testInput(blob))
	require.NoError(t, err)
	assert.Equal(t, "Orders2", order.SchemaInference.SelectedSheet)
	assert.Equal(t, model.SheetSelected, order.SchemaInference.SheetStatus)

	opts.SheetOverride = "Missing"
	order, err = New(opts).Parse(testInput(blob))
	require.NoError(t, err)
	assert.Contains(t, issueCodes(order.Issues), model.IssueSheetNotFound)
	assert.Empty(t, order.LineItems)
}

func TestParse_MissingQuantityColumn(t *testing.T) {
	blob := workbookBytes(t, buildWorkbook(t, sheetDef{
		name: "Orders",
		rows: [][]any{
			{"SKU", "Product", "Price"},
			{"A-1", "Blue Widget", 10.5},
			{"B-2", "Red Widget", 12.0},
		},
	}))

	order, err := New(DefaultOptions()).Parse(testInput(blob))
	require.NoError(t, err)

	codes := issueCodes(order.Issues)
	assert.Contains(t, codes, model.IssueMissingQuantityColumn)
	assert.Contains(t, codes, model.IssueMissingQuantity)
	assert.Nil(t, order.SchemaInference.Mapping(model.FieldQuantity))
}

func TestParse_GTINCheckDigit(t *testing.T) {
	blob := workbookBytes(t, buildWorkbook(t, sheetDef{
		name: "Orders",
		rows: [][]any{
			{"Barcode", "Product", "Qty"},
			{"12345678", "Bad Widget", 2},
			{"96385074", "Good Widget", 1},
		},
	}))

	order, err := New(DefaultOptions()).Parse(testInput(blob))
	require.NoError(t, err)

	require.Len(t, order.LineItems, 2)
	require.NotNil(t, order.LineItems[0].GTIN)
	assert.Equal(t, "12345678", order.LineItems[0].GTIN.Value)

	var gtinIssues []model.Issue
	for _, is := range order.Issues {
		if is.Code == model.IssueGTINInvalid {
			gtinIssues = append(gtinIssues, is)
		}
	}
	require.Len(t, gtinIssues, 1)
	assert.Contains(t, gtinIssues[0].Fields, "/lineItems/0/gtin")
	assert.Equal(t, model.SeverityWarning, gtinIssues[0].Severity)
}

func TestParse_ArithmeticMismatch(t *testing.T) {
	blob := workbookBytes(t, buildWorkbook(t, sheetDef{
		name: "Orders",
		rows: [][]any{
			{"SKU", "Product", "Qty", "Unit Price", "Line Total"},
			{"A-1", "Blue Widget", 2, 10.0, 25.0},
		},
	}))

	order, err := New(DefaultOptions()).Parse(testInput(blob))
	require.NoError(t, err)
	assert.Contains(t, issueCodes(order.Issues), model.IssueArithmeticMismatch)
}

func TestParse_NegativeQuantity(t *testing.T) {
	blob := workbookBytes(t, buildWorkbook(t, sheetDef{
		name: "Orders",
		rows: [][]any{
			{"SKU", "Product", "Qty", "Unit Price", "Line Total"},
			{"A-1", "Blue Widget", -2, 10.0, -20.0},
		},
	}))

	order, err := New(DefaultOptions()).Parse(testInput(blob))
	require.NoError(t, err)
	assert.Contains(t, issueCodes(order.Issues), model.IssueNegativeQuantity)
	assert.False(t, model.HasBlocker(order.Issues))
}

func TestParse_SubtotalMismatch(t *testing.T) {
	blob := workbookBytes(t, buildWorkbook(t, sheetDef{
		name: "Orders",
		rows: [][]any{
			{"SKU", "Product", "Qty", "Unit Price", "Line Total"},
			{"A-1", "Blue Widget", 2, 10.0, 20.0},
			{"Subtotal", nil, nil, nil, 99.0},
		},
	}))

	order, err := New(DefaultOptions()).Parse(testInput(blob))
	require.NoError(t, err)
	assert.Contains(t, issueCodes(order.Issues), model.IssueSubtotalMismatch)
}

func TestParse_Deterministic(t *testing.T) {
	blob := englishOrder(t)
	p := New(DefaultOptions())

	first, err := p.Parse(testInput(blob))
	require.NoError(t, err)
	second, err := p.Parse(testInput(blob))
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))
}

func TestParse_RowLimit(t *testing.T) {
	rows := [][]any{{"SKU", "Product", "Qty", "Unit Price", "Line Total"}}
	for i := 0; i < 12; i++ {
		rows = append(rows, []any{"A-1", "Blue Widget", 2, 10.5, 21.0})
	}
	blob := workbookBytes(t, buildWorkbook(t, sheetDef{name: "Orders", rows: rows}))

	opts := DefaultOptions()
	opts.MaxRows = 8
	order, err := New(opts).Parse(testInput(blob))
	require.NoError(t, err)

	assert.Contains(t, issueCodes(order.Issues), model.IssueRowLimitExceeded)
	assert.Len(t, order.LineItems, 7) // 8 rows minus the header
}

func TestParse_UnreadableWorkbook(t *testing.T) {
	_, err := New(DefaultOptions()).Parse(testInput([]byte("not a zip archive")))
	assert.Error(t, err)
}

func issueCodes(issues []model.Issue) []model.IssueCode {
	codes := make([]model.IssueCode, 0, len(issues))
	for _, is := range issues {
		codes = append(codes, is.Code)
	}
	return codes
}
