package parser

import (
	"fmt"
	"math"

	"github.com/sahab-io/rasid/internal/model"
)

// amountTolerance is the allowed absolute difference when cross-checking
// qty*price against a stated amount: two cents or 1% of the stated amount,
// whichever is larger, to absorb per-line rounding.
func amountTolerance(stated float64) float64 {
	return math.Max(0.02, 0.01*math.Abs(stated))
}

// ValidateOrder runs the arithmetic and completeness checks over an extracted
// order and returns the resulting issues. It is called once at the end of a
// parse and again after user corrections, so it must be pure: no mutation of
// the order, deterministic output order (customer first, then lines in order,
// then totals).
func ValidateOrder(o *model.CanonicalOrder) []model.Issue {
	var issues []model.Issue

	if o.Customer.InputName == nil && o.Customer.ResolvedID == "" {
		issues = append(issues, model.NewIssue(model.IssueMissingCustomer,
			"no customer name found in the sheet").WithFields("/customer"))
	}

	for i := range o.LineItems {
		issues = append(issues, validateLine(&o.LineItems[i])...)
	}

	if o.Totals != nil && o.Totals.Subtotal != nil {
		issues = append(issues, checkSubtotal(o)...)
	}
	return issues
}

func validateLine(li *model.LineItem) []model.Issue {
	var issues []model.Issue

	if li.SKU == nil && li.GTIN == nil {
		is := model.NewIssue(model.IssueMissingItemIdentifier,
			fmt.Sprintf("row %d has neither SKU nor GTIN", li.SourceRow)).
			WithFields(lineField(li.RowIndex, "sku"), lineField(li.RowIndex, "gtin"))
		if li.ProductName != nil {
			is = is.WithEvidence(li.ProductName.Evidence...)
		}
		issues = append(issues, is)
	}

	switch {
	case li.Quantity == nil:
		issues = append(issues, model.NewIssue(model.IssueMissingQuantity,
			fmt.Sprintf("row %d has no quantity", li.SourceRow)).
			WithFields(lineField(li.RowIndex, "quantity")))
	case li.Quantity.Value < 0:
		issues = append(issues, model.NewIssue(model.IssueNegativeQuantity,
			fmt.Sprintf("row %d has quantity %v", li.SourceRow, li.Quantity.Value)).
			WithFields(lineField(li.RowIndex, "quantity")).
			WithEvidence(li.Quantity.Evidence...))
	}

	if li.Quantity != nil && li.UnitPrice != nil && li.LineTotal != nil {
		want := li.Quantity.Value * li.UnitPrice.Value
		got := li.LineTotal.Value
		if math.Abs(want-got) > amountTolerance(got) {
			issues = append(issues, model.NewIssue(model.IssueArithmeticMismatch,
				fmt.Sprintf("row %d: %v x %v = %v, sheet says %v",
					li.SourceRow, li.Quantity.Value, li.UnitPrice.Value, want, got)).
				WithFields(lineField(li.RowIndex, "lineTotalSource")).
				WithEvidence(li.LineTotal.Evidence...))
		}
	}
	return issues
}

// checkSubtotal compares the stated subtotal against the sum of the lines,
// preferring stated line totals and falling back to qty*price.
func checkSubtotal(o *model.CanonicalOrder) []model.Issue {
	var sum float64
	counted := 0
	for i := range o.LineItems {
		li := &o.LineItems[i]
		switch {
		case li.LineTotal != nil:
			sum += li.LineTotal.Value
			counted++
		case li.Quantity != nil && li.UnitPrice != nil:
			sum += li.Quantity.Value * li.UnitPrice.Value
			counted++
		}
	}
	if counted == 0 || counted < len(o.LineItems) {
		// Not every line contributes a figure; a mismatch would be noise.
		return nil
	}

	stated := o.Totals.Subtotal.Value
	if math.Abs(sum-stated) > amountTolerance(stated) {
		return []model.Issue{model.NewIssue(model.IssueSubtotalMismatch,
			fmt.Sprintf("lines sum to %v, sheet subtotal is %v", sum, stated)).
			WithFields("/totals/subtotal").
			WithEvidence(o.Totals.Subtotal.Evidence...)}
	}
	return nil
}
