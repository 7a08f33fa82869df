package model

// Severity ranks how much an issue blocks draft creation. Only the absence
// of blockers permits creating a draft; errors require resolution or an
// explicit override; warnings and infos are advisory.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityBlocker Severity = "blocker"
)

// IssueCode is a member of the closed issue-code set.
type IssueCode string

const (
	IssueFormulasBlocked         IssueCode = "FORMULAS_BLOCKED"
	IssueFormulasWarning         IssueCode = "FORMULAS_WARNING"
	IssueNoSuitableSheet         IssueCode = "NO_SUITABLE_SHEET"
	IssueMultipleSheetCandidates IssueCode = "MULTIPLE_SHEET_CANDIDATES"
	IssueSheetNotFound           IssueCode = "SHEET_NOT_FOUND"
	IssueNoHeaderRow             IssueCode = "NO_HEADER_ROW"
	IssueMissingQuantityColumn   IssueCode = "MISSING_QUANTITY_COLUMN"
	IssueMissingCustomer         IssueCode = "MISSING_CUSTOMER"
	IssueMissingQuantity         IssueCode = "MISSING_QUANTITY"
	IssueMissingItemIdentifier   IssueCode = "MISSING_ITEM_IDENTIFIER"
	IssueGTINInvalid             IssueCode = "GTIN_INVALID"
	IssueArithmeticMismatch      IssueCode = "ARITHMETIC_MISMATCH"
	IssueSubtotalMismatch        IssueCode = "SUBTOTAL_MISMATCH"
	IssueNegativeQuantity        IssueCode = "NEGATIVE_QUANTITY"
	IssueAmbiguousCustomer       IssueCode = "AMBIGUOUS_CUSTOMER"
	IssueCustomerNotFound        IssueCode = "CUSTOMER_NOT_FOUND"
	IssueAmbiguousItem           IssueCode = "AMBIGUOUS_ITEM"
	IssueItemNotFound            IssueCode = "ITEM_NOT_FOUND"
	IssueCommitteeDisagreement   IssueCode = "COMMITTEE_DISAGREEMENT"
	IssueHumanResponseTimeout    IssueCode = "HUMAN_RESPONSE_TIMEOUT"
	IssueRowLimitExceeded        IssueCode = "ROW_LIMIT_EXCEEDED"
)

// Issue is one extraction or resolution problem attached to a canonical
// order. Severity and the default suggested action are table-driven off the
// code so callers can't invent inconsistent combinations.
type Issue struct {
	Code                IssueCode  `json:"code"`
	Severity            Severity   `json:"severity"`
	Message             string     `json:"message"`
	Fields              []string   `json:"fields,omitempty"`
	Evidence            []Evidence `json:"evidence,omitempty"`
	SuggestedUserAction string     `json:"suggestedUserAction,omitempty"`
}

type issueSpec struct {
	severity Severity
	action   string
}

// issueCatalog maps every code in the closed set to its severity and the
// default user action. New codes must be added here, never ad hoc.
var issueCatalog = map[IssueCode]issueSpec{
	IssueFormulasBlocked:         {SeverityBlocker, "Remove all formulas from the workbook and upload it again."},
	IssueFormulasWarning:         {SeverityWarning, "Formulas were found; verify the computed values are correct."},
	IssueNoSuitableSheet:         {SeverityBlocker, "No sheet looks like an order table. Check the file and upload again."},
	IssueMultipleSheetCandidates: {SeverityWarning, "Several sheets look like order tables. Confirm which sheet to use."},
	IssueSheetNotFound:           {SeverityError, "The requested sheet does not exist in the workbook."},
	IssueNoHeaderRow:             {SeverityError, "No header row was detected. Add column headers and upload again."},
	IssueMissingQuantityColumn:   {SeverityError, "No quantity column was found. Confirm which column holds quantities."},
	IssueMissingCustomer:         {SeverityError, "No customer name was found. Provide the customer for this order."},
	IssueMissingQuantity:         {SeverityError, "A line is missing its quantity. Provide the quantity for this row."},
	IssueMissingItemIdentifier:   {SeverityError, "A line has neither SKU nor GTIN. Provide an item identifier for this row."},
	IssueGTINInvalid:             {SeverityWarning, "A GTIN failed its check digit. Verify the barcode value."},
	IssueArithmeticMismatch:      {SeverityWarning, "Quantity times unit price does not match the line total. Verify the figures."},
	IssueSubtotalMismatch:        {SeverityWarning, "The subtotal does not match the sum of the lines. Verify the totals."},
	IssueNegativeQuantity:        {SeverityWarning, "A quantity is negative. Verify whether this is a return line."},
	IssueAmbiguousCustomer:       {SeverityError, "More than one customer matches. Select the intended customer."},
	IssueCustomerNotFound:        {SeverityError, "No customer in the accounting system matches. Select or correct the customer."},
	IssueAmbiguousItem:           {SeverityError, "More than one catalog item matches. Select the intended item."},
	IssueItemNotFound:            {SeverityError, "No catalog item matches this line. Select or correct the item."},
	IssueCommitteeDisagreement:   {SeverityWarning, "Column mapping needs confirmation. Review the suggested corrections."},
	IssueHumanResponseTimeout:    {SeverityError, "The request timed out waiting for a response. Start over when ready."},
	IssueRowLimitExceeded:        {SeverityWarning, "The sheet exceeds the row limit; rows past the limit were skipped."},
}

// NewIssue builds an issue for code with its catalog severity and default
// suggested action.
func NewIssue(code IssueCode, message string) Issue {
	spec := issueCatalog[code]
	return Issue{
		Code:                code,
		Severity:            spec.severity,
		Message:             message,
		SuggestedUserAction: spec.action,
	}
}

// WithFields attaches the affected field paths.
func (i Issue) WithFields(fields ...string) Issue {
	i.Fields = append(i.Fields, fields...)
	return i
}

// WithEvidence attaches the supporting cells.
func (i Issue) WithEvidence(ev ...Evidence) Issue {
	i.Evidence = append(i.Evidence, ev...)
	return i
}

// SeverityFor returns the catalog severity for a code.
func SeverityFor(code IssueCode) Severity {
	return issueCatalog[code].severity
}

// HasBlocker reports whether any issue is a blocker.
func HasBlocker(issues []Issue) bool {
	for _, is := range issues {
		if is.Severity == SeverityBlocker {
			return true
		}
	}
	return false
}

// HasErrors reports whether any issue is error severity or worse.
func HasErrors(issues []Issue) bool {
	for _, is := range issues {
		if is.Severity == SeverityError || is.Severity == SeverityBlocker {
			return true
		}
	}
	return false
}
