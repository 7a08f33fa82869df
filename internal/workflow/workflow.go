// Package workflow hosts the order-processing saga: parse the uploaded
// workbook, settle the column mapping, resolve entities against the
// accounting catalog, collect human approval through signals, and create the
// draft sales order. The workflow id equals the case id.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/sahab-io/rasid/internal/model"
	"github.com/sahab-io/rasid/internal/storage"
)

// Name is the registered workflow type.
const Name = "rasid.order"

// QueryState is the public-state query handler name.
const QueryState = "getState"

// Timeouts configures the human-response escalation ladder for every
// awaiting state.
type Timeouts struct {
	Reminder   time.Duration `json:"reminder"`
	Escalation time.Duration `json:"escalation"`
	MaxWait    time.Duration `json:"maxWait"`
}

func (t *Timeouts) defaults() {
	if t.Reminder <= 0 {
		t.Reminder = 24 * time.Hour
	}
	if t.Escalation <= 0 {
		t.Escalation = 48 * time.Hour
	}
	if t.MaxWait <= 0 {
		t.MaxWait = 7 * 24 * time.Hour
	}
}

// Input is the workflow's start payload.
type Input struct {
	Request  model.StartWorkflowRequest `json:"request"`
	Timeouts Timeouts                   `json:"timeouts"`
}

// State is the snapshot served by the getState query.
type State struct {
	CaseID   string             `json:"caseId"`
	Step     string             `json:"currentStep"`
	Awaiting string             `json:"awaiting,omitempty"`
	Issues   []model.IssueCode  `json:"issues,omitempty"`
	Draft    *model.DraftResult `json:"draft,omitempty"`
}

// Workflow steps, also exposed through getState.
const (
	stepStored             = "stored"
	stepParsed             = "parsed"
	stepAwaitingReupload   = "awaiting-reupload"
	stepCommitteeMapped    = "committee-mapped"
	stepAwaitingCorrection = "awaiting-corrections"
	stepCustomerResolved   = "customer-resolved"
	stepAwaitingSelections = "awaiting-selections"
	stepItemsResolved      = "items-resolved"
	stepAwaitingApproval   = "awaiting-approval"
	stepDraftCreated       = "draft-created"
	stepNotified           = "notified"
	stepCompleted          = "completed"
	stepCancelled          = "cancelled"
	stepFailed             = "failed"
)

// Per-activity options. Draft creation gets exactly one engine attempt; the
// accounting layer owns its retries and the fallback queue.
var (
	storeOpts = workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3, InitialInterval: 5 * time.Second,
			BackoffCoefficient: 2, MaximumInterval: time.Minute,
		},
	}
	parseOpts = workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3, InitialInterval: 5 * time.Second,
			BackoffCoefficient: 2, MaximumInterval: time.Minute,
		},
	}
	committeeOpts = workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		HeartbeatTimeout:    5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 5, InitialInterval: 5 * time.Second,
			BackoffCoefficient: 2,
		},
	}
	resolveOpts = workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3, InitialInterval: 5 * time.Second,
			BackoffCoefficient: 2, MaximumInterval: time.Minute,
		},
	}
	draftOpts = workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	}
	notifyOpts = workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 10, InitialInterval: 10 * time.Second,
			BackoffCoefficient: 1.5, MaximumInterval: 5 * time.Minute,
		},
	}
)

// OrderWorkflow drives one case from upload to draft creation.
func OrderWorkflow(ctx workflow.Context, input Input) (*model.DraftResult, error) {
	input.Timeouts.defaults()
	logger := workflow.GetLogger(ctx)
	caseID := input.Request.CaseID

	st := &State{CaseID: caseID, Step: stepStored}
	if err := workflow.SetQueryHandler(ctx, QueryState, func() (State, error) {
		return *st, nil
	}); err != nil {
		return nil, err
	}

	var a *Activities
	w := runner{ctx: ctx, a: a, st: st, caseID: caseID, timeouts: input.Timeouts}

	// Cancellation compensation runs on a disconnected context so it still
	// executes after ctx is dead.
	defer func() {
		if !errors.Is(ctx.Err(), workflow.ErrCanceled) {
			return
		}
		st.Step = stepCancelled
		dctx, cancel := workflow.NewDisconnectedContext(ctx)
		defer cancel()
		dctx = workflow.WithActivityOptions(dctx, notifyOpts)
		if err := workflow.ExecuteActivity(dctx, a.CancelCase, caseID, "user cancellation").Get(dctx, nil); err != nil {
			logger.Error("cancellation compensation failed", "error", err)
		}
		_ = workflow.ExecuteActivity(dctx, a.StoreAuditBundle, caseID).Get(dctx, nil)
	}()

	// stored
	if err := w.exec(storeOpts, nil, a.StoreWorkbook, input.Request); err != nil {
		return nil, err
	}

	// parsed; a blocker routes to awaiting-reupload and a fresh run.
	st.Step = stepParsed
	var order model.CanonicalOrder
	if err := w.exec(parseOpts, &order, a.ParseWorkbook, caseID); err != nil {
		return nil, err
	}
	st.Issues = issueCodes(order.Issues)

	if model.HasBlocker(order.Issues) {
		restart, err := w.awaitReupload(input)
		if err != nil {
			return nil, err
		}
		return nil, restart
	}

	// committee-mapped; disagreements loop through corrections.
	for {
		st.Step, st.Awaiting = stepCommitteeMapped, ""
		var outcome CommitteeOutcome
		if err := w.exec(committeeOpts, &outcome, a.RunCommittee, caseID); err != nil {
			return nil, err
		}
		if outcome.Agreed {
			break
		}
		st.Issues = append(st.Issues, model.IssueCommitteeDisagreement)

		var corrections model.CorrectionsSubmittedSignal
		ok, err := w.awaitSignal(stepAwaitingCorrection, model.SignalCorrectionsSubmitted, &corrections,
			func() bool { return len(corrections.Ops) > 0 })
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, w.failTimeout()
		}
		if err := w.exec(resolveOpts, nil, a.ApplyCorrections, caseID, corrections.Ops); err != nil {
			return nil, err
		}
	}

	// customer-resolved; ambiguity loops through selections.
	for {
		st.Step, st.Awaiting = stepCustomerResolved, ""
		var res Resolution
		if err := w.exec(resolveOpts, &res, a.ResolveCustomer, caseID); err != nil {
			return nil, err
		}
		if res.Status == model.ResolutionResolved {
			break
		}
		if err := w.selectionsRound(); err != nil {
			return nil, err
		}
	}

	// items-resolved; same selections loop.
	for {
		st.Step, st.Awaiting = stepItemsResolved, ""
		var res Resolution
		if err := w.exec(resolveOpts, &res, a.ResolveItems, caseID); err != nil {
			return nil, err
		}
		if res.Unresolved == 0 {
			break
		}
		if err := w.selectionsRound(); err != nil {
			return nil, err
		}
	}

	// awaiting-approval
	if err := w.notify("awaiting-approval"); err != nil {
		return nil, err
	}
	var approval model.ApprovalReceivedSignal
	ok, err := w.awaitSignal(stepAwaitingApproval, model.SignalApprovalReceived, &approval,
		func() bool { return approval.Approver != "" })
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, w.failTimeout()
	}
	if !approval.Approved {
		st.Step = stepCancelled
		dctx := workflow.WithActivityOptions(ctx, notifyOpts)
		if err := workflow.ExecuteActivity(dctx, a.CancelCase, caseID,
			"rejected by "+approval.Approver).Get(dctx, nil); err != nil {
			return nil, err
		}
		_ = workflow.ExecuteActivity(dctx, a.StoreAuditBundle, caseID).Get(dctx, nil)
		return nil, nil
	}
	if err := w.exec(resolveOpts, nil, a.RecordApproval, caseID, approval); err != nil {
		return nil, err
	}

	// draft-created
	st.Step = stepDraftCreated
	var draft model.DraftResult
	if err := w.exec(draftOpts, &draft, a.CreateDraft, caseID); err != nil {
		return nil, err
	}
	st.Draft = &draft

	// notified; created/queued events are written by the accounting layer,
	// so only the duplicate outcome needs an extra event here.
	st.Step = stepNotified
	if draft.Duplicate {
		if err := w.notifyKind(storage.OutboxDraftDuplicate, draft); err != nil {
			return nil, err
		}
	}
	if err := w.exec(notifyOpts, nil, a.StoreAuditBundle, caseID); err != nil {
		logger.Warn("audit bundle export failed", "error", err)
	}

	st.Step = stepCompleted
	return &draft, nil
}

// runner bundles the workflow context and query state so the step helpers
// stay terse.
type runner struct {
	ctx      workflow.Context
	a        *Activities
	st       *State
	caseID   string
	timeouts Timeouts
}

func (w *runner) exec(opts workflow.ActivityOptions, out any, fn any, args ...any) error {
	ctx := workflow.WithActivityOptions(w.ctx, opts)
	if out == nil {
		return workflow.ExecuteActivity(ctx, fn, args...).Get(ctx, nil)
	}
	return workflow.ExecuteActivity(ctx, fn, args...).Get(ctx, out)
}

func (w *runner) notify(message string) error {
	return w.notifyKind(storage.OutboxCaseUpdate, map[string]any{
		"step":    w.st.Step,
		"message": message,
	})
}

func (w *runner) notifyKind(kind string, payload any) error {
	raw, err := jsonMarshal(payload)
	if err != nil {
		return err
	}
	return w.exec(notifyOpts, nil, w.a.Notify, Notification{
		CaseID: w.caseID, Kind: kind, Payload: raw,
	})
}

// awaitSignal waits in one awaiting-* state with the reminder/escalation/
// max-wait ladder. It returns false when the max wait elapsed. Signals whose
// payload fails the valid check are dropped with a log and the wait
// continues; duplicate signals left over from earlier states are consumed by
// the same rule.
func (w *runner) awaitSignal(step, signal string, payload any, valid func() bool) (bool, error) {
	w.st.Step, w.st.Awaiting = step, signal
	defer func() { w.st.Awaiting = "" }()

	logger := workflow.GetLogger(w.ctx)
	ch := workflow.GetSignalChannel(w.ctx, signal)

	start := workflow.Now(w.ctx)
	deadline := start.Add(w.timeouts.MaxWait)
	remindAt := start.Add(w.timeouts.Reminder)
	escalateAt := start.Add(w.timeouts.Escalation)
	reminded, escalated := false, false

	for {
		now := workflow.Now(w.ctx)
		if !now.Before(deadline) {
			return false, nil
		}
		if !reminded && !now.Before(remindAt) {
			reminded = true
			if err := w.notify("reminder"); err != nil {
				logger.Warn("reminder notification failed", "error", err)
			}
			continue
		}
		if !escalated && !now.Before(escalateAt) {
			escalated = true
			if err := w.notify("escalation"); err != nil {
				logger.Warn("escalation notification failed", "error", err)
			}
			continue
		}

		next := deadline
		if !reminded && remindAt.Before(next) {
			next = remindAt
		}
		if !escalated && escalateAt.Before(next) {
			next = escalateAt
		}

		received, cancelled := false, false
		sel := workflow.NewSelector(w.ctx)
		sel.AddReceive(ch, func(c workflow.ReceiveChannel, _ bool) {
			c.Receive(w.ctx, payload)
			received = true
		})
		sel.AddFuture(workflow.NewTimer(w.ctx, next.Sub(now)), func(workflow.Future) {})
		sel.AddReceive(w.ctx.Done(), func(workflow.ReceiveChannel, bool) {
			cancelled = true
		})
		sel.Select(w.ctx)

		if cancelled {
			return false, workflow.ErrCanceled
		}
		if received {
			if !valid() {
				logger.Warn("malformed signal dropped", "signal", signal)
				continue
			}
			return true, nil
		}
		// Timer fired; the top of the loop decides which rung it was.
	}
}

// selectionsRound waits for one SelectionsSubmitted signal and applies it.
func (w *runner) selectionsRound() error {
	if err := w.notify("awaiting-selections"); err != nil {
		return err
	}
	var sel model.SelectionsSubmittedSignal
	ok, err := w.awaitSignal(stepAwaitingSelections, model.SignalSelectionsSubmitted, &sel,
		func() bool { return sel.Customer != nil || len(sel.Items) > 0 })
	if err != nil {
		return err
	}
	if !ok {
		return w.failTimeout()
	}
	return w.exec(resolveOpts, nil, w.a.ApplySelections, w.caseID, sel)
}

// awaitReupload parks a blocked case until the user uploads a corrected
// workbook, then restarts the run with the same workflow id.
func (w *runner) awaitReupload(input Input) (error, error) {
	if err := w.notify("awaiting-reupload"); err != nil {
		return nil, err
	}
	var sig model.FileReuploadedSignal
	ok, err := w.awaitSignal(stepAwaitingReupload, model.SignalFileReuploaded, &sig,
		func() bool { return sig.BlobURL != "" })
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, w.failTimeout()
	}
	if err := w.exec(resolveOpts, nil, w.a.RecordReupload, w.caseID, sig); err != nil {
		return nil, err
	}

	next := input
	next.Request.BlobURL = sig.BlobURL
	if sig.Filename != "" {
		next.Request.Filename = sig.Filename
	}
	return workflow.NewContinueAsNewError(w.ctx, OrderWorkflow, next), nil
}

// failTimeout marks the case failed with HUMAN_RESPONSE_TIMEOUT and returns
// the terminal workflow error.
func (w *runner) failTimeout() error {
	w.st.Step = stepFailed
	if err := w.exec(notifyOpts, nil, w.a.MarkFailed, w.caseID,
		model.IssueHumanResponseTimeout, "No human response within the maximum wait."); err != nil {
		workflow.GetLogger(w.ctx).Error("timeout bookkeeping failed", "error", err)
	}
	_ = w.exec(notifyOpts, nil, w.a.StoreAuditBundle, w.caseID)
	return temporal.NewApplicationError("human response timeout", string(model.IssueHumanResponseTimeout))
}

func issueCodes(issues []model.Issue) []model.IssueCode {
	out := make([]model.IssueCode, len(issues))
	for i, is := range issues {
		out[i] = is.Code
	}
	return out
}

func jsonMarshal(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("workflow: marshal notification payload: %w", err)
	}
	return raw, nil
}
