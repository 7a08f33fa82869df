package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sahab-io/rasid/internal/model"
)

var customers = []CustomerEntry{
	{ID: "cus-1", Name: "Acme Retail"},
	{ID: "cus-2", Name: "Acme Retail Group"},
	{ID: "cus-3", Name: "Bolt Hardware", AltNames: []string{"Bolt HW"}},
	{ID: "cus-4", Name: "فروشگاه گل‌سرخ"},
}

func TestCustomer_ExactMatch(t *testing.T) {
	r := Customer("Acme Retail", customers)
	assert.Equal(t, model.ResolutionResolved, r.Status)
	assert.Equal(t, "cus-1", r.ResolvedID)
	require.NotEmpty(t, r.Candidates)
	assert.Equal(t, 1.0, r.Candidates[0].Score)
}

func TestCustomer_CaseAndWhitespaceInsensitive(t *testing.T) {
	r := Customer("  acme   retail ", customers)
	assert.Equal(t, model.ResolutionResolved, r.Status)
	assert.Equal(t, "cus-1", r.ResolvedID)
}

func TestCustomer_ZWNJFolded(t *testing.T) {
	// The catalog name uses a zero-width non-joiner; the sheet a plain space.
	r := Customer("فروشگاه گل سرخ", customers)
	assert.Equal(t, model.ResolutionResolved, r.Status)
	assert.Equal(t, "cus-4", r.ResolvedID)
}

func TestCustomer_AltName(t *testing.T) {
	r := Customer("Bolt HW", customers)
	assert.Equal(t, model.ResolutionResolved, r.Status)
	assert.Equal(t, "cus-3", r.ResolvedID)
}

func TestCustomer_AmbiguousWithinGap(t *testing.T) {
	// "Acme Retail Grp" scores close on both Acme entries; neither wins.
	r := Customer("Acme Retail Grp", customers)
	assert.Equal(t, model.ResolutionAmbiguous, r.Status)
	assert.Empty(t, r.ResolvedID)
	require.NotEmpty(t, r.Candidates)
	ids := make([]string, 0, len(r.Candidates))
	for _, c := range r.Candidates {
		ids = append(ids, c.ID)
	}
	assert.Contains(t, ids, "cus-1")
	assert.Contains(t, ids, "cus-2")
}

func TestCustomer_NotFound(t *testing.T) {
	r := Customer("Zebra Logistics", customers)
	assert.Equal(t, model.ResolutionNotFound, r.Status)
	assert.Empty(t, r.Candidates)

	r = Customer("", customers)
	assert.Equal(t, model.ResolutionNotFound, r.Status)
}

func TestCustomer_Deterministic(t *testing.T) {
	a := Customer("Acme Retail Grp", customers)
	b := Customer("Acme Retail Grp", customers)
	assert.Equal(t, a, b)
}

var items = []ItemEntry{
	{ID: "itm-1", SKU: "A-1", GTIN: "96385074", Name: "Blue Widget"},
	{ID: "itm-2", SKU: "B-2", GTIN: "4006381333931", Name: "Red Widget"},
	{ID: "itm-3", SKU: "B-2X", Name: "Red Widget XL"},
	{ID: "itm-4", SKU: "DUP", Name: "Dup One"},
	{ID: "itm-5", SKU: "DUP", Name: "Dup Two"},
}

func field(v string) *model.StringField {
	return &model.StringField{Value: v}
}

func TestItem_GTINWinsOverSKU(t *testing.T) {
	li := &model.LineItem{
		GTIN: field("4006381333931"),
		SKU:  field("A-1"), // points at a different item
	}
	r := Item(li, items)
	assert.Equal(t, model.ResolutionResolved, r.Status)
	assert.Equal(t, "itm-2", r.ResolvedID)
}

func TestItem_SKUExact(t *testing.T) {
	r := Item(&model.LineItem{SKU: field("a-1")}, items)
	assert.Equal(t, model.ResolutionResolved, r.Status)
	assert.Equal(t, "itm-1", r.ResolvedID)
}

func TestItem_DuplicateSKUIsAmbiguous(t *testing.T) {
	r := Item(&model.LineItem{SKU: field("DUP")}, items)
	assert.Equal(t, model.ResolutionAmbiguous, r.Status)
	assert.Empty(t, r.ResolvedID)
	assert.Len(t, r.Candidates, 2)
}

func TestItem_NameFuzzyNeverAutoResolves(t *testing.T) {
	r := Item(&model.LineItem{ProductName: field("Red Widget")}, items)
	assert.Equal(t, model.ResolutionAmbiguous, r.Status)
	assert.Empty(t, r.ResolvedID)
	require.NotEmpty(t, r.Candidates)
	assert.Equal(t, "itm-2", r.Candidates[0].ID)
}

func TestItem_NotFound(t *testing.T) {
	r := Item(&model.LineItem{SKU: field("NOPE")}, items)
	assert.Equal(t, model.ResolutionNotFound, r.Status)
}

func TestItem_UnknownGTINFallsThroughToSKU(t *testing.T) {
	li := &model.LineItem{GTIN: field("00000000"), SKU: field("B-2X")}
	r := Item(li, items)
	assert.Equal(t, model.ResolutionResolved, r.Status)
	assert.Equal(t, "itm-3", r.ResolvedID)
}
