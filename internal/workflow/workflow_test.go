package workflow

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"github.com/sahab-io/rasid/internal/model"
	"github.com/sahab-io/rasid/internal/storage"
)

func testInput() Input {
	return Input{
		Request: model.StartWorkflowRequest{
			CaseID:   "case-1",
			BlobURL:  "https://bot.example/attachments/1",
			TenantID: "t1",
			UserID:   "user-1",
			Filename: "order.xlsx",
			Teams:    model.ChatRef{ChatID: "chat-1", MessageID: "m1"},
		},
	}
}

func cleanOrder() *model.CanonicalOrder {
	return &model.CanonicalOrder{
		Meta: model.OrderMeta{CaseID: "case-1", TenantID: "t1"},
	}
}

func blockedOrder() *model.CanonicalOrder {
	o := cleanOrder()
	o.Issues = []model.Issue{model.NewIssue(model.IssueFormulasBlocked, "Formulas found.")}
	return o
}

// newEnv wires the baseline mocks every scenario shares: storage, parse of a
// clean workbook, an agreeing committee, and silent notifications.
func newEnv(t *testing.T) (*testsuite.TestWorkflowEnvironment, *Activities) {
	t.Helper()
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.RegisterWorkflowWithOptions(OrderWorkflow, workflow.RegisterOptions{Name: Name})

	var a *Activities
	env.OnActivity(a.StoreWorkbook, mock.Anything, mock.Anything).
		Return(&StoredFile{BlobURL: "file:///tmp/incoming/case-1.xlsx", SHA256: "abc"}, nil).Maybe()
	env.OnActivity(a.StoreAuditBundle, mock.Anything, mock.Anything).Return(nil).Maybe()
	return env, a
}

// stubNotify swallows every notification the scenario emits. Tests that
// assert on notification kinds install their own matcher instead.
func stubNotify(env *testsuite.TestWorkflowEnvironment, a *Activities) {
	env.OnActivity(a.Notify, mock.Anything, mock.Anything).Return(nil).Maybe()
}

func TestOrderWorkflow_HappyPath(t *testing.T) {
	env, a := newEnv(t)
	stubNotify(env, a)

	env.OnActivity(a.ParseWorkbook, mock.Anything, "case-1").Return(cleanOrder(), nil).Once()
	env.OnActivity(a.RunCommittee, mock.Anything, "case-1").
		Return(&CommitteeOutcome{Agreed: true}, nil).Once()
	env.OnActivity(a.ResolveCustomer, mock.Anything, "case-1").
		Return(&Resolution{Status: model.ResolutionResolved}, nil).Once()
	env.OnActivity(a.ResolveItems, mock.Anything, "case-1").
		Return(&Resolution{Status: model.ResolutionResolved}, nil).Once()
	env.OnActivity(a.RecordApproval, mock.Anything, "case-1", mock.Anything).Return(nil).Once()
	env.OnActivity(a.CreateDraft, mock.Anything, "case-1").
		Return(&model.DraftResult{OrderID: "so-99", OrderNumber: "SO-99"}, nil).Once()

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(model.SignalApprovalReceived,
			model.ApprovalReceivedSignal{Approved: true, Approver: "manager"})
	}, time.Minute)

	env.ExecuteWorkflow(OrderWorkflow, testInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result model.DraftResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, "so-99", result.OrderID)
	env.AssertExpectations(t)
}

func TestOrderWorkflow_ParserBlockerRestartsOnReupload(t *testing.T) {
	env, a := newEnv(t)
	stubNotify(env, a)

	env.OnActivity(a.ParseWorkbook, mock.Anything, "case-1").Return(blockedOrder(), nil).Once()
	env.OnActivity(a.RecordReupload, mock.Anything, "case-1", mock.Anything).Return(nil).Once()

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(model.SignalFileReuploaded,
			model.FileReuploadedSignal{BlobURL: "https://bot.example/attachments/2"})
	}, time.Minute)

	env.ExecuteWorkflow(OrderWorkflow, testInput())

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	assert.True(t, workflow.IsContinueAsNewError(err), "expected continue-as-new, got %v", err)
	env.AssertExpectations(t)
}

func TestOrderWorkflow_AmbiguousCustomerResolvedBySelection(t *testing.T) {
	env, a := newEnv(t)
	stubNotify(env, a)

	env.OnActivity(a.ParseWorkbook, mock.Anything, "case-1").Return(cleanOrder(), nil).Once()
	env.OnActivity(a.RunCommittee, mock.Anything, "case-1").
		Return(&CommitteeOutcome{Agreed: true}, nil).Once()
	env.OnActivity(a.ResolveCustomer, mock.Anything, "case-1").
		Return(&Resolution{Status: model.ResolutionAmbiguous, Unresolved: 1}, nil).Once()
	env.OnActivity(a.ApplySelections, mock.Anything, "case-1", mock.Anything).Return(nil).Once()
	env.OnActivity(a.ResolveCustomer, mock.Anything, "case-1").
		Return(&Resolution{Status: model.ResolutionResolved}, nil).Once()
	env.OnActivity(a.ResolveItems, mock.Anything, "case-1").
		Return(&Resolution{Status: model.ResolutionResolved}, nil).Once()
	env.OnActivity(a.RecordApproval, mock.Anything, "case-1", mock.Anything).Return(nil).Once()
	env.OnActivity(a.CreateDraft, mock.Anything, "case-1").
		Return(&model.DraftResult{OrderID: "so-1"}, nil).Once()

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(model.SignalSelectionsSubmitted,
			model.SelectionsSubmittedSignal{Customer: &model.SelectionRef{ID: "cus-1"}})
	}, time.Minute)
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(model.SignalApprovalReceived,
			model.ApprovalReceivedSignal{Approved: true, Approver: "manager"})
	}, 2*time.Minute)

	env.ExecuteWorkflow(OrderWorkflow, testInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	env.AssertExpectations(t)
}

func TestOrderWorkflow_CommitteeDisagreementThenCorrections(t *testing.T) {
	env, a := newEnv(t)
	stubNotify(env, a)

	env.OnActivity(a.ParseWorkbook, mock.Anything, "case-1").Return(cleanOrder(), nil).Once()
	env.OnActivity(a.RunCommittee, mock.Anything, "case-1").
		Return(&CommitteeOutcome{Agreed: false, Verdict: "split"}, nil).Once()
	env.OnActivity(a.ApplyCorrections, mock.Anything, "case-1", mock.Anything).Return(nil).Once()
	env.OnActivity(a.RunCommittee, mock.Anything, "case-1").
		Return(&CommitteeOutcome{Agreed: true}, nil).Once()
	env.OnActivity(a.ResolveCustomer, mock.Anything, "case-1").
		Return(&Resolution{Status: model.ResolutionResolved}, nil).Once()
	env.OnActivity(a.ResolveItems, mock.Anything, "case-1").
		Return(&Resolution{Status: model.ResolutionResolved}, nil).Once()
	env.OnActivity(a.RecordApproval, mock.Anything, "case-1", mock.Anything).Return(nil).Once()
	env.OnActivity(a.CreateDraft, mock.Anything, "case-1").
		Return(&model.DraftResult{OrderID: "so-1"}, nil).Once()

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(model.SignalCorrectionsSubmitted,
			model.CorrectionsSubmittedSignal{Ops: []model.PatchOp{{Op: "replace", Path: "/customer/inputName/value"}}})
	}, time.Minute)
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(model.SignalApprovalReceived,
			model.ApprovalReceivedSignal{Approved: true, Approver: "manager"})
	}, 2*time.Minute)

	env.ExecuteWorkflow(OrderWorkflow, testInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	env.AssertExpectations(t)
}

func TestOrderWorkflow_RejectionCancelsCase(t *testing.T) {
	env, a := newEnv(t)
	stubNotify(env, a)

	env.OnActivity(a.ParseWorkbook, mock.Anything, "case-1").Return(cleanOrder(), nil).Once()
	env.OnActivity(a.RunCommittee, mock.Anything, "case-1").
		Return(&CommitteeOutcome{Agreed: true}, nil).Once()
	env.OnActivity(a.ResolveCustomer, mock.Anything, "case-1").
		Return(&Resolution{Status: model.ResolutionResolved}, nil).Once()
	env.OnActivity(a.ResolveItems, mock.Anything, "case-1").
		Return(&Resolution{Status: model.ResolutionResolved}, nil).Once()
	env.OnActivity(a.CancelCase, mock.Anything, "case-1", "rejected by manager").Return(nil).Once()

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(model.SignalApprovalReceived,
			model.ApprovalReceivedSignal{Approved: false, Approver: "manager"})
	}, time.Minute)

	env.ExecuteWorkflow(OrderWorkflow, testInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	env.AssertExpectations(t)
}

func TestOrderWorkflow_HumanTimeoutFails(t *testing.T) {
	env, a := newEnv(t)
	stubNotify(env, a)

	env.OnActivity(a.ParseWorkbook, mock.Anything, "case-1").Return(cleanOrder(), nil).Once()
	env.OnActivity(a.RunCommittee, mock.Anything, "case-1").
		Return(&CommitteeOutcome{Agreed: true}, nil).Once()
	env.OnActivity(a.ResolveCustomer, mock.Anything, "case-1").
		Return(&Resolution{Status: model.ResolutionResolved}, nil).Once()
	env.OnActivity(a.ResolveItems, mock.Anything, "case-1").
		Return(&Resolution{Status: model.ResolutionResolved}, nil).Once()
	env.OnActivity(a.MarkFailed, mock.Anything, "case-1",
		model.IssueHumanResponseTimeout, mock.Anything).Return(nil).Once()

	// No approval ever arrives; the test environment skips through the
	// reminder, escalation, and max-wait timers.
	env.ExecuteWorkflow(OrderWorkflow, testInput())

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, string(model.IssueHumanResponseTimeout), appErr.Type())
	env.AssertExpectations(t)
}

func TestOrderWorkflow_DuplicateDraftNotifies(t *testing.T) {
	env, a := newEnv(t)

	env.OnActivity(a.ParseWorkbook, mock.Anything, "case-1").Return(cleanOrder(), nil).Once()
	env.OnActivity(a.RunCommittee, mock.Anything, "case-1").
		Return(&CommitteeOutcome{Agreed: true}, nil).Once()
	env.OnActivity(a.ResolveCustomer, mock.Anything, "case-1").
		Return(&Resolution{Status: model.ResolutionResolved}, nil).Once()
	env.OnActivity(a.ResolveItems, mock.Anything, "case-1").
		Return(&Resolution{Status: model.ResolutionResolved}, nil).Once()
	env.OnActivity(a.RecordApproval, mock.Anything, "case-1", mock.Anything).Return(nil).Once()
	env.OnActivity(a.CreateDraft, mock.Anything, "case-1").
		Return(&model.DraftResult{OrderID: "so-1", Duplicate: true}, nil).Once()

	var duplicateEvent bool
	env.OnActivity(a.Notify, mock.Anything, mock.MatchedBy(func(n Notification) bool {
		if n.Kind == storage.OutboxDraftDuplicate {
			duplicateEvent = true
		}
		return true
	})).Return(nil)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(model.SignalApprovalReceived,
			model.ApprovalReceivedSignal{Approved: true, Approver: "manager"})
	}, time.Minute)

	env.ExecuteWorkflow(OrderWorkflow, testInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	assert.True(t, duplicateEvent, "duplicate outcome must notify the uploader")
}

func TestOrderWorkflow_QueryStateWhileAwaitingApproval(t *testing.T) {
	env, a := newEnv(t)
	stubNotify(env, a)

	env.OnActivity(a.ParseWorkbook, mock.Anything, "case-1").Return(cleanOrder(), nil).Once()
	env.OnActivity(a.RunCommittee, mock.Anything, "case-1").
		Return(&CommitteeOutcome{Agreed: true}, nil).Once()
	env.OnActivity(a.ResolveCustomer, mock.Anything, "case-1").
		Return(&Resolution{Status: model.ResolutionResolved}, nil).Once()
	env.OnActivity(a.ResolveItems, mock.Anything, "case-1").
		Return(&Resolution{Status: model.ResolutionResolved}, nil).Once()
	env.OnActivity(a.RecordApproval, mock.Anything, "case-1", mock.Anything).Return(nil).Once()
	env.OnActivity(a.CreateDraft, mock.Anything, "case-1").
		Return(&model.DraftResult{OrderID: "so-1"}, nil).Once()

	var snapshot State
	env.RegisterDelayedCallback(func() {
		val, err := env.QueryWorkflow(QueryState)
		require.NoError(t, err)
		require.NoError(t, val.Get(&snapshot))
		env.SignalWorkflow(model.SignalApprovalReceived,
			model.ApprovalReceivedSignal{Approved: true, Approver: "manager"})
	}, time.Minute)

	env.ExecuteWorkflow(OrderWorkflow, testInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, stepAwaitingApproval, snapshot.Step)
	assert.Equal(t, model.SignalApprovalReceived, snapshot.Awaiting)
	assert.Equal(t, "case-1", snapshot.CaseID)
}

func TestOrderWorkflow_MalformedSignalDropped(t *testing.T) {
	env, a := newEnv(t)
	stubNotify(env, a)

	env.OnActivity(a.ParseWorkbook, mock.Anything, "case-1").Return(cleanOrder(), nil).Once()
	env.OnActivity(a.RunCommittee, mock.Anything, "case-1").
		Return(&CommitteeOutcome{Agreed: true}, nil).Once()
	env.OnActivity(a.ResolveCustomer, mock.Anything, "case-1").
		Return(&Resolution{Status: model.ResolutionResolved}, nil).Once()
	env.OnActivity(a.ResolveItems, mock.Anything, "case-1").
		Return(&Resolution{Status: model.ResolutionResolved}, nil).Once()
	env.OnActivity(a.RecordApproval, mock.Anything, "case-1", mock.Anything).Return(nil).Once()
	env.OnActivity(a.CreateDraft, mock.Anything, "case-1").
		Return(&model.DraftResult{OrderID: "so-1"}, nil).Once()

	// An approval without an approver is malformed and must not advance the
	// workflow; the valid one after it does.
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(model.SignalApprovalReceived, model.ApprovalReceivedSignal{Approved: true})
	}, time.Minute)
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(model.SignalApprovalReceived,
			model.ApprovalReceivedSignal{Approved: true, Approver: "manager"})
	}, 2*time.Minute)

	env.ExecuteWorkflow(OrderWorkflow, testInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	env.AssertExpectations(t)
}

func TestOrderWorkflow_CancellationRunsCompensation(t *testing.T) {
	env, a := newEnv(t)
	stubNotify(env, a)

	env.OnActivity(a.ParseWorkbook, mock.Anything, "case-1").Return(cleanOrder(), nil).Once()
	env.OnActivity(a.RunCommittee, mock.Anything, "case-1").
		Return(&CommitteeOutcome{Agreed: true}, nil).Once()
	env.OnActivity(a.ResolveCustomer, mock.Anything, "case-1").
		Return(&Resolution{Status: model.ResolutionResolved}, nil).Once()
	env.OnActivity(a.ResolveItems, mock.Anything, "case-1").
		Return(&Resolution{Status: model.ResolutionResolved}, nil).Once()
	env.OnActivity(a.CancelCase, mock.Anything, "case-1", "user cancellation").Return(nil).Once()

	env.RegisterDelayedCallback(func() {
		env.CancelWorkflow()
	}, time.Minute)

	env.ExecuteWorkflow(OrderWorkflow, testInput())

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	var canceled *temporal.CanceledError
	assert.True(t, errors.As(err, &canceled))
	env.AssertExpectations(t)
}
