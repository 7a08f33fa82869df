// Package model defines the core domain types for rasid: cases, canonical
// orders with cell-level evidence, issues, signals, and API envelopes.
package model

import "time"

// LanguageHint is the sniffed dominant language of the source workbook.
type LanguageHint string

const (
	LangEnglish LanguageHint = "en"
	LangFarsi   LanguageHint = "fa"
	LangUnknown LanguageHint = ""
)

// Evidence points at the source cell that justifies an extracted value.
// Every non-null extracted value MUST carry at least one evidence cell;
// a value without evidence is a parser defect.
type Evidence struct {
	Sheet        string `json:"sheet"`
	Cell         string `json:"cell"` // A1 notation
	RawValue     string `json:"rawValue"`
	DisplayValue string `json:"displayValue,omitempty"`
	NumberFormat string `json:"numberFormat,omitempty"`
}

// StringField is an extracted string value with its evidence.
type StringField struct {
	Value    string     `json:"value"`
	Evidence []Evidence `json:"evidence"`
}

// NumberField is an extracted numeric value with its evidence.
// Raw holds the pre-normalization cell text (currency symbols, Persian
// digits, locale separators intact) so evidence stays verifiable.
type NumberField struct {
	Value    float64    `json:"value"`
	Raw      string     `json:"raw,omitempty"`
	Evidence []Evidence `json:"evidence"`
}

// ResolutionStatus describes how an extracted entity maps to the accounting
// system's catalog.
type ResolutionStatus string

const (
	ResolutionUnresolved ResolutionStatus = "unresolved"
	ResolutionResolved   ResolutionStatus = "resolved"
	ResolutionAmbiguous  ResolutionStatus = "ambiguous"
	ResolutionNotFound   ResolutionStatus = "not-found"
)

// MatchCandidate is one scored catalog candidate for an extracted entity.
type MatchCandidate struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// Customer is the order's customer reference with its resolution state.
type Customer struct {
	InputName        *StringField     `json:"inputName,omitempty"`
	ResolutionStatus ResolutionStatus `json:"resolutionStatus"`
	ResolvedID       string           `json:"resolvedId,omitempty"`
	Candidates       []MatchCandidate `json:"candidates,omitempty"`
}

// LineItem is one extracted order line. RowIndex is the 0-based position in
// the extracted item list; SourceRow is the 1-based sheet row it came from.
type LineItem struct {
	RowIndex  int `json:"rowIndex"`
	SourceRow int `json:"sourceRow"`

	SKU         *StringField `json:"sku,omitempty"`
	GTIN        *StringField `json:"gtin,omitempty"`
	ProductName *StringField `json:"productName,omitempty"`
	Quantity    *NumberField `json:"quantity,omitempty"`
	UnitPrice   *NumberField `json:"unitPriceSource,omitempty"`
	LineTotal   *NumberField `json:"lineTotalSource,omitempty"`
	Currency    *StringField `json:"currency,omitempty"`

	ItemResolution ResolutionStatus `json:"itemResolution,omitempty"`
	ResolvedItemID string           `json:"resolvedItemId,omitempty"`
	ItemCandidates []MatchCandidate `json:"itemCandidates,omitempty"`
}

// Totals holds the order-level figures when the sheet carries a totals block.
type Totals struct {
	Subtotal *NumberField `json:"subtotal,omitempty"`
	Tax      *NumberField `json:"tax,omitempty"`
	Grand    *NumberField `json:"grand,omitempty"`
	Currency *StringField `json:"currency,omitempty"`
}

// CanonicalField enumerates the canonical columns schema inference maps to.
type CanonicalField string

const (
	FieldSKU         CanonicalField = "sku"
	FieldGTIN        CanonicalField = "gtin"
	FieldProductName CanonicalField = "productName"
	FieldQuantity    CanonicalField = "quantity"
	FieldUnitPrice   CanonicalField = "unitPrice"
	FieldLineTotal   CanonicalField = "lineTotal"
	FieldCustomer    CanonicalField = "customer"
	FieldSubtotal    CanonicalField = "subtotal"
	FieldTax         CanonicalField = "tax"
	FieldTotal       CanonicalField = "total"
)

// MappingMethod records how a column mapping was decided.
type MappingMethod string

const (
	MethodDictionary MappingMethod = "dictionary"
	MethodFuzzy      MappingMethod = "fuzzy"
	MethodEmbedding  MappingMethod = "embedding"
	MethodLLM        MappingMethod = "llm"
	MethodManual     MappingMethod = "manual"
)

// MappingCandidate is a runner-up canonical field for a source column.
type MappingCandidate struct {
	CanonicalField CanonicalField `json:"canonicalField"`
	Confidence     float64        `json:"confidence"`
}

// ColumnMapping binds one source column to a canonical field.
type ColumnMapping struct {
	CanonicalField CanonicalField     `json:"canonicalField"`
	SourceHeader   string             `json:"sourceHeader"`
	SourceColumn   string             `json:"sourceColumn"` // column letter, e.g. "C"
	Confidence     float64            `json:"confidence"`
	Method         MappingMethod      `json:"method"`
	Candidates     []MappingCandidate `json:"candidates,omitempty"`
}

// SheetStatus describes the outcome of sheet selection.
type SheetStatus string

const (
	SheetSelected  SheetStatus = "selected"
	SheetAmbiguous SheetStatus = "ambiguous"
	SheetNone      SheetStatus = "none"
)

// SchemaInference records which sheet/region/header was chosen and how each
// column maps to the canonical schema.
type SchemaInference struct {
	SelectedSheet  string          `json:"selectedSheet,omitempty"`
	SheetStatus    SheetStatus     `json:"sheetStatus"`
	SheetScores    map[string]float64 `json:"sheetScores,omitempty"`
	TableRegion    string          `json:"tableRegion,omitempty"` // e.g. "A2:F14"
	HeaderRow      int             `json:"headerRow,omitempty"`   // 1-based
	ColumnMappings []ColumnMapping `json:"columnMappings,omitempty"`
}

// Confidence carries the overall and per-stage extraction confidence.
type Confidence struct {
	Overall         float64 `json:"overall"`
	SheetSelection  float64 `json:"sheetSelection"`
	HeaderDetection float64 `json:"headerDetection"`
	ColumnMapping   float64 `json:"columnMapping"`
}

// OrderMeta is the provenance block of a canonical order.
type OrderMeta struct {
	CaseID           string       `json:"caseId"`
	TenantID         string       `json:"tenantId"`
	ReceivedAt       time.Time    `json:"receivedAt"`
	Filename         string       `json:"filename"`
	SHA256           string       `json:"sha256"`
	LanguageHint     LanguageHint `json:"languageHint,omitempty"`
	ParserVersion    string       `json:"parserVersion"`
	ContainsFormulas bool         `json:"containsFormulas"`
	SheetsProcessed  []string     `json:"sheetsProcessed,omitempty"`
}

// CanonicalOrder is the parser's evidence-tracked representation of one
// submitted order. It is produced once per parse; later changes apply as
// structured patches constrained to the editable-path whitelist.
type CanonicalOrder struct {
	Meta            OrderMeta       `json:"meta"`
	Customer        Customer        `json:"customer"`
	LineItems       []LineItem      `json:"lineItems"`
	Totals          *Totals         `json:"totals,omitempty"`
	SchemaInference SchemaInference `json:"schemaInference"`
	Confidence      Confidence      `json:"confidence"`
	Issues          []Issue         `json:"issues"`
}

// Mapping returns the column mapping for a canonical field, or nil.
func (si *SchemaInference) Mapping(f CanonicalField) *ColumnMapping {
	for i := range si.ColumnMappings {
		if si.ColumnMappings[i].CanonicalField == f {
			return &si.ColumnMappings[i]
		}
	}
	return nil
}
