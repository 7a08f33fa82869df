package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleOrder() *CanonicalOrder {
	return &CanonicalOrder{
		Meta: OrderMeta{CaseID: "case-1", TenantID: "t1", ParserVersion: "1"},
		Customer: Customer{
			InputName:        &StringField{Value: "Acme", Evidence: []Evidence{{Sheet: "Orders", Cell: "B1", RawValue: "Acme"}}},
			ResolutionStatus: ResolutionAmbiguous,
			Candidates: []MatchCandidate{
				{ID: "c1", Name: "Acme Co.", Score: 0.84},
				{ID: "c2", Name: "Acme LLC", Score: 0.81},
			},
		},
		LineItems: []LineItem{
			{
				RowIndex:  0,
				SourceRow: 3,
				SKU:       &StringField{Value: "AB-100", Evidence: []Evidence{{Sheet: "Orders", Cell: "A3", RawValue: "ab-100"}}},
				Quantity:  &NumberField{Value: 5, Raw: "5", Evidence: []Evidence{{Sheet: "Orders", Cell: "B3", RawValue: "5"}}},
			},
		},
	}
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestApplyPatchReplaceEditable(t *testing.T) {
	o := sampleOrder()
	ops := []PatchOp{
		{Op: "replace", Path: "/customer/resolvedId", Value: rawJSON(t, "c1")},
		{Op: "replace", Path: "/customer/resolutionStatus", Value: rawJSON(t, "resolved")},
		{Op: "replace", Path: "/lineItems/0/quantity/value", Value: rawJSON(t, 7)},
	}
	require.NoError(t, ApplyPatch(o, ops))

	assert.Equal(t, "c1", o.Customer.ResolvedID)
	assert.Equal(t, ResolutionResolved, o.Customer.ResolutionStatus)
	assert.Equal(t, 7.0, o.LineItems[0].Quantity.Value)
	// Evidence must survive a value patch untouched.
	assert.Equal(t, "B3", o.LineItems[0].Quantity.Evidence[0].Cell)
}

func TestApplyPatchRejectsNonEditablePaths(t *testing.T) {
	o := sampleOrder()
	for _, path := range []string{
		"/meta/sha256",
		"/lineItems/0/quantity/evidence",
		"/confidence/overall",
		"/issues/0/severity",
	} {
		err := ApplyPatch(o, []PatchOp{{Op: "replace", Path: path, Value: rawJSON(t, "x")}})
		assert.ErrorIs(t, err, ErrPathNotEditable, path)
	}
}

func TestApplyPatchTestOp(t *testing.T) {
	o := sampleOrder()
	ok := []PatchOp{{Op: "test", Path: "/customer/inputName/value", Value: rawJSON(t, "Acme")}}
	require.NoError(t, ApplyPatch(o, ok))

	bad := []PatchOp{{Op: "test", Path: "/customer/inputName/value", Value: rawJSON(t, "Globex")}}
	assert.ErrorIs(t, ApplyPatch(o, bad), ErrPatchTestFailed)
}

func TestApplyPatchRoundTrip(t *testing.T) {
	o := sampleOrder()
	path := "/lineItems/0/sku/value"

	orig, err := PointerValue(o, path)
	require.NoError(t, err)

	require.NoError(t, ApplyPatch(o, []PatchOp{{Op: "replace", Path: path, Value: rawJSON(t, "ZZ-999")}}))
	assert.Equal(t, "ZZ-999", o.LineItems[0].SKU.Value)

	require.NoError(t, ApplyPatch(o, []PatchOp{{Op: "replace", Path: path, Value: rawJSON(t, orig)}}))
	assert.Equal(t, "AB-100", o.LineItems[0].SKU.Value)
}

func TestApplyPatchAtomicOnFailure(t *testing.T) {
	o := sampleOrder()
	ops := []PatchOp{
		{Op: "replace", Path: "/customer/resolvedId", Value: rawJSON(t, "c1")},
		{Op: "replace", Path: "/meta/sha256", Value: rawJSON(t, "tampered")},
	}
	require.Error(t, ApplyPatch(o, ops))
	assert.Empty(t, o.Customer.ResolvedID, "failed patch must not partially apply")
}

func TestIssueCatalogSeverities(t *testing.T) {
	assert.Equal(t, SeverityBlocker, SeverityFor(IssueFormulasBlocked))
	assert.Equal(t, SeverityBlocker, SeverityFor(IssueNoSuitableSheet))
	assert.Equal(t, SeverityError, SeverityFor(IssueMissingQuantityColumn))
	assert.Equal(t, SeverityWarning, SeverityFor(IssueGTINInvalid))

	is := NewIssue(IssueAmbiguousCustomer, "two candidates within 0.05")
	assert.Equal(t, SeverityError, is.Severity)
	assert.NotEmpty(t, is.SuggestedUserAction)
	assert.True(t, HasErrors([]Issue{is}))
	assert.False(t, HasBlocker([]Issue{is}))
}
