package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/sahab-io/rasid/internal/accounting"
	"github.com/sahab-io/rasid/internal/blob"
	"github.com/sahab-io/rasid/internal/committee"
	"github.com/sahab-io/rasid/internal/match"
	"github.com/sahab-io/rasid/internal/model"
	"github.com/sahab-io/rasid/internal/parser"
	"github.com/sahab-io/rasid/internal/storage"
)

// Activities hosts the order workflow's activity implementations. Every
// activity is idempotent: effects key off the case id or the draft
// fingerprint, so engine-level retries and replays are safe.
type Activities struct {
	DB        *storage.DB
	Blobs     blob.Store
	Parser    *parser.Parser
	Catalog   *accounting.Catalog
	Lookup    *accounting.Lookup // optional; validates user selections by id
	Drafter   *accounting.Drafter
	Committee *committee.Client
	Fetcher   *http.Client // downloads the bot's attachment URL
	Logger    *slog.Logger
}

// StoredFile reports where the uploaded workbook landed.
type StoredFile struct {
	BlobURL string `json:"blobUrl"`
	SHA256  string `json:"sha256"`
	Size    int64  `json:"size"`
}

// StoreWorkbook downloads the attachment, stores it under the case's blob
// key, and creates the case row. Re-running overwrites the same key and hits
// the case insert's conflict clause, so it is safe to retry.
func (a *Activities) StoreWorkbook(ctx context.Context, req model.StartWorkflowRequest) (*StoredFile, error) {
	data, err := a.fetchAttachment(ctx, req.BlobURL)
	if err != nil {
		return nil, err
	}
	if len(data) > model.MaxWorkbookBytes {
		return nil, temporalPermanent(fmt.Errorf("workbook exceeds %d bytes", model.MaxWorkbookBytes))
	}

	digest := sha256.Sum256(data)
	sum := hex.EncodeToString(digest[:])
	key := blob.WorkbookKey(req.CaseID)
	url, err := a.Blobs.Put(ctx, key, data, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	if err != nil {
		return nil, err
	}

	if _, err := a.DB.CreateCase(ctx, &model.Case{
		ID:       req.CaseID,
		TenantID: req.TenantID,
		Status:   model.CaseProcessing,
		Source: model.SourceMeta{
			Filename:   req.Filename,
			SHA256:     sum,
			Uploader:   req.UserID,
			Locale:     req.Locale,
			Chat:       req.Teams,
			BlobURL:    url,
			ReceivedAt: time.Now().UTC(),
		},
		WorkflowID: req.CaseID,
	}); err != nil {
		return nil, err
	}
	return &StoredFile{BlobURL: url, SHA256: sum, Size: int64(len(data))}, nil
}

func (a *Activities) fetchAttachment(ctx context.Context, url string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("workflow: build attachment request: %w", err)
	}
	resp, err := a.Fetcher.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("workflow: fetch attachment: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("workflow: attachment fetch returned %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, temporalPermanent(err)
		}
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, model.MaxWorkbookBytes+1))
	if err != nil {
		return nil, fmt.Errorf("workflow: read attachment: %w", err)
	}
	return data, nil
}

// ParseWorkbook runs the deterministic parser over the stored workbook and
// saves the canonical order on the case.
func (a *Activities) ParseWorkbook(ctx context.Context, caseID string) (*model.CanonicalOrder, error) {
	c, err := a.DB.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	data, err := a.Blobs.Get(ctx, blob.WorkbookKey(caseID))
	if err != nil {
		return nil, err
	}

	order, err := a.Parser.Parse(parser.Input{
		Blob:       data,
		CaseID:     caseID,
		TenantID:   c.TenantID,
		Filename:   c.Source.Filename,
		SHA256:     c.Source.SHA256,
		ReceivedAt: c.Source.ReceivedAt,
	})
	if err != nil {
		return nil, err
	}

	if err := a.updateCase(ctx, caseID, func(c *model.Case) error {
		c.Order = order
		c.Status = model.CaseProcessing
		if model.HasBlocker(order.Issues) {
			c.Status = model.CaseAwaitingInput
		}
		return nil
	}); err != nil {
		return nil, err
	}
	a.audit(ctx, c, storage.AuditParsed, map[string]any{
		"issues":     len(order.Issues),
		"lines":      len(order.LineItems),
		"confidence": order.Confidence.Overall,
	})
	return order, nil
}

// CommitteeOutcome is the adjudication result handed back to the workflow.
type CommitteeOutcome struct {
	Agreed        bool                     `json:"agreed"`
	Verdict       committee.Verdict        `json:"verdict"`
	Disagreements []committee.Disagreement `json:"disagreements,omitempty"`
}

// RunCommittee sends the inferred mapping plus body samples out for
// adjudication. The call is long, so the activity heartbeats while waiting;
// an agreed verdict overwrites the case's column mappings, a split one lands
// as a COMMITTEE_DISAGREEMENT issue.
func (a *Activities) RunCommittee(ctx context.Context, caseID string) (*CommitteeOutcome, error) {
	c, err := a.DB.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.Order == nil || len(c.Order.SchemaInference.ColumnMappings) == 0 {
		// Nothing to adjudicate.
		return &CommitteeOutcome{Agreed: true, Verdict: committee.VerdictUnanimous}, nil
	}

	req := committee.Request{
		CaseID:   caseID,
		Language: c.Order.Meta.LanguageHint,
		Columns:  c.Order.SchemaInference.ColumnMappings,
		Samples:  columnSamples(c.Order),
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	resp, err := a.Committee.Consensus(ctx, req)
	close(done)
	if err != nil {
		return nil, err
	}

	outcome := &CommitteeOutcome{
		Agreed:        resp.Verdict.Agreed(),
		Verdict:       resp.Verdict,
		Disagreements: resp.Disagreements,
	}
	if err := a.updateCase(ctx, caseID, func(c *model.Case) error {
		dropIssues(c.Order, model.IssueCommitteeDisagreement)
		if outcome.Agreed {
			if len(resp.Columns) > 0 {
				c.Order.SchemaInference.ColumnMappings = resp.Columns
			}
			return nil
		}
		fields := make([]string, 0, len(resp.Disagreements))
		for _, d := range resp.Disagreements {
			fields = append(fields, "/schemaInference/column/"+d.SourceColumn)
		}
		c.Order.Issues = append(c.Order.Issues,
			model.NewIssue(model.IssueCommitteeDisagreement,
				fmt.Sprintf("Column mapping could not be settled (%s verdict).", resp.Verdict)).
				WithFields(fields...))
		c.Status = model.CaseAwaitingInput
		return nil
	}); err != nil {
		return nil, err
	}
	return outcome, nil
}

// columnSamples collects up to three raw body values per mapped column for
// the committee to inspect.
func columnSamples(order *model.CanonicalOrder) map[string][]string {
	samples := make(map[string][]string)
	add := func(col, raw string) {
		if col == "" || raw == "" || len(samples[col]) >= 3 {
			return
		}
		samples[col] = append(samples[col], raw)
	}
	colFor := func(f model.CanonicalField) string {
		if m := order.SchemaInference.Mapping(f); m != nil {
			return m.SourceColumn
		}
		return ""
	}
	for _, li := range order.LineItems {
		if li.SKU != nil {
			add(colFor(model.FieldSKU), li.SKU.Value)
		}
		if li.GTIN != nil {
			add(colFor(model.FieldGTIN), li.GTIN.Value)
		}
		if li.ProductName != nil {
			add(colFor(model.FieldProductName), li.ProductName.Value)
		}
		if li.Quantity != nil {
			add(colFor(model.FieldQuantity), li.Quantity.Raw)
		}
		if li.UnitPrice != nil {
			add(colFor(model.FieldUnitPrice), li.UnitPrice.Raw)
		}
		if li.LineTotal != nil {
			add(colFor(model.FieldLineTotal), li.LineTotal.Raw)
		}
	}
	return samples
}

// ApplyCorrections applies the user's whitelisted patch operations to the
// canonical order and clears the committee disagreement they answer.
func (a *Activities) ApplyCorrections(ctx context.Context, caseID string, ops []model.PatchOp) error {
	c, err := a.DB.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	if err := a.updateCase(ctx, caseID, func(c *model.Case) error {
		if c.Order == nil {
			return fmt.Errorf("workflow: case %s has no order to correct", caseID)
		}
		if err := model.ApplyPatch(c.Order, ops); err != nil {
			return temporalPermanent(err)
		}
		dropIssues(c.Order, model.IssueCommitteeDisagreement)
		c.Status = model.CaseProcessing
		return nil
	}); err != nil {
		return err
	}
	detail, _ := json.Marshal(map[string]any{"ops": len(ops)})
	a.auditRaw(ctx, c, storage.AuditCorrected, detail)
	return nil
}

// Resolution is the entity-resolution outcome for one workflow step.
type Resolution struct {
	Status     model.ResolutionStatus `json:"status"`
	Unresolved int                    `json:"unresolved"` // lines still ambiguous or not found
}

// ResolveCustomer matches the extracted customer name against the catalog
// snapshot and records the outcome, including ambiguity candidates, on the
// case.
func (a *Activities) ResolveCustomer(ctx context.Context, caseID string) (*Resolution, error) {
	if err := a.ensureCatalog(ctx); err != nil {
		return nil, err
	}
	snapshot := customerEntries(a.Catalog.Customers())

	var res match.Result
	if err := a.updateCase(ctx, caseID, func(c *model.Case) error {
		if c.Order == nil {
			return fmt.Errorf("workflow: case %s has no order", caseID)
		}
		dropIssues(c.Order, model.IssueAmbiguousCustomer, model.IssueCustomerNotFound)

		input := ""
		if c.Order.Customer.InputName != nil {
			input = c.Order.Customer.InputName.Value
		}
		if c.Order.Customer.ResolutionStatus == model.ResolutionResolved {
			// A prior selection holds; nothing to redo.
			res = match.Result{Status: model.ResolutionResolved, ResolvedID: c.Order.Customer.ResolvedID}
			return nil
		}

		res = match.Customer(input, snapshot)
		c.Order.Customer.ResolutionStatus = res.Status
		c.Order.Customer.ResolvedID = res.ResolvedID
		c.Order.Customer.Candidates = res.Candidates

		switch res.Status {
		case model.ResolutionAmbiguous:
			c.Order.Issues = append(c.Order.Issues,
				model.NewIssue(model.IssueAmbiguousCustomer,
					fmt.Sprintf("%q matches %d customers.", input, len(res.Candidates))).
					WithFields("/customer"))
			c.Status = model.CaseAwaitingInput
		case model.ResolutionNotFound:
			c.Order.Issues = append(c.Order.Issues,
				model.NewIssue(model.IssueCustomerNotFound,
					fmt.Sprintf("No customer matches %q.", input)).
					WithFields("/customer"))
			c.Status = model.CaseAwaitingInput
		}
		return nil
	}); err != nil {
		return nil, err
	}

	out := &Resolution{Status: res.Status}
	if res.Status != model.ResolutionResolved {
		out.Unresolved = 1
	}
	return out, nil
}

// ResolveItems matches every line item against the catalog snapshot.
func (a *Activities) ResolveItems(ctx context.Context, caseID string) (*Resolution, error) {
	if err := a.ensureCatalog(ctx); err != nil {
		return nil, err
	}
	snapshot := itemEntries(a.Catalog.Items())

	unresolved := 0
	if err := a.updateCase(ctx, caseID, func(c *model.Case) error {
		if c.Order == nil {
			return fmt.Errorf("workflow: case %s has no order", caseID)
		}
		dropIssues(c.Order, model.IssueAmbiguousItem, model.IssueItemNotFound)
		unresolved = 0

		for i := range c.Order.LineItems {
			li := &c.Order.LineItems[i]
			if li.ItemResolution == model.ResolutionResolved {
				continue
			}
			res := match.Item(li, snapshot)
			li.ItemResolution = res.Status
			li.ResolvedItemID = res.ResolvedID
			li.ItemCandidates = res.Candidates

			path := fmt.Sprintf("/lineItems/%d", li.RowIndex)
			switch res.Status {
			case model.ResolutionAmbiguous:
				unresolved++
				c.Order.Issues = append(c.Order.Issues,
					model.NewIssue(model.IssueAmbiguousItem,
						fmt.Sprintf("Line %d matches %d catalog items.", li.RowIndex+1, len(res.Candidates))).
						WithFields(path))
			case model.ResolutionNotFound:
				unresolved++
				c.Order.Issues = append(c.Order.Issues,
					model.NewIssue(model.IssueItemNotFound,
						fmt.Sprintf("Line %d has no catalog match.", li.RowIndex+1)).
						WithFields(path))
			}
		}
		if unresolved > 0 {
			c.Status = model.CaseAwaitingInput
		}
		return nil
	}); err != nil {
		return nil, err
	}

	status := model.ResolutionResolved
	if unresolved > 0 {
		status = model.ResolutionAmbiguous
	}
	return &Resolution{Status: status, Unresolved: unresolved}, nil
}

// ApplySelections records the user's catalog choices for the customer and
// for any ambiguous lines, keyed by row index.
func (a *Activities) ApplySelections(ctx context.Context, caseID string, sel model.SelectionsSubmittedSignal) error {
	c, err := a.DB.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	if err := a.validateSelections(ctx, sel); err != nil {
		return err
	}
	if err := a.updateCase(ctx, caseID, func(c *model.Case) error {
		if c.Order == nil {
			return fmt.Errorf("workflow: case %s has no order", caseID)
		}
		if sel.Customer != nil && sel.Customer.ID != "" {
			c.Order.Customer.ResolutionStatus = model.ResolutionResolved
			c.Order.Customer.ResolvedID = sel.Customer.ID
			c.Order.Customer.Candidates = nil
			dropIssues(c.Order, model.IssueAmbiguousCustomer, model.IssueCustomerNotFound)
		}
		for i := range c.Order.LineItems {
			li := &c.Order.LineItems[i]
			ref, ok := sel.Items[li.RowIndex]
			if !ok || ref.ID == "" {
				continue
			}
			li.ItemResolution = model.ResolutionResolved
			li.ResolvedItemID = ref.ID
			li.ItemCandidates = nil
		}
		c.Status = model.CaseProcessing
		return nil
	}); err != nil {
		return err
	}
	detail, _ := json.Marshal(sel)
	a.auditRaw(ctx, c, storage.AuditSelected, detail)
	return nil
}

// validateSelections confirms the chosen ids exist in the accounting system
// before they are written into the order. The bot presented candidates, so
// an unknown id is a malformed selection, not a transient condition.
func (a *Activities) validateSelections(ctx context.Context, sel model.SelectionsSubmittedSignal) error {
	if a.Lookup == nil {
		return nil
	}
	if sel.Customer != nil && sel.Customer.ID != "" {
		if _, err := a.Lookup.CustomerByID(ctx, sel.Customer.ID); err != nil {
			if errors.Is(err, accounting.ErrNotFound) {
				return temporalPermanent(fmt.Errorf("workflow: selected customer %s not found", sel.Customer.ID))
			}
			return err
		}
	}
	for row, ref := range sel.Items {
		if ref.ID == "" {
			continue
		}
		if _, err := a.Lookup.ItemByID(ctx, ref.ID); err != nil {
			if errors.Is(err, accounting.ErrNotFound) {
				return temporalPermanent(fmt.Errorf("workflow: selected item %s for row %d not found", ref.ID, row))
			}
			return err
		}
	}
	return nil
}

// RecordApproval writes the human decision to the audit log and moves the
// case to ready.
func (a *Activities) RecordApproval(ctx context.Context, caseID string, sig model.ApprovalReceivedSignal) error {
	c, err := a.DB.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	if err := a.updateCase(ctx, caseID, func(c *model.Case) error {
		c.Status = model.CaseReady
		return nil
	}); err != nil {
		return err
	}
	detail, _ := json.Marshal(sig)
	if err := a.DB.AppendAudit(ctx, &storage.AuditRecord{
		CaseID: caseID, TenantID: c.TenantID,
		Actor: sig.Approver, Action: storage.AuditApproved, Detail: detail,
	}); err != nil {
		a.Logger.Error("approval audit write failed", "case_id", caseID, "error", err)
	}
	return nil
}

// CreateDraft builds the draft request from the resolved order and runs the
// fingerprint-idempotent creation path. The activity runs with a single
// engine attempt; retries and queueing live inside the accounting layer.
func (a *Activities) CreateDraft(ctx context.Context, caseID string) (*model.DraftResult, error) {
	c, err := a.DB.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	req, lines, err := draftRequest(c)
	if err != nil {
		return nil, temporalPermanent(err)
	}

	fingerprint := model.OrderFingerprint(req.CustomerID, lines, model.DateBucket(time.Now()))
	result, err := a.Drafter.CreateDraft(ctx, caseID, c.TenantID, fingerprint, req)
	if err != nil {
		return nil, err
	}

	if err := a.updateCase(ctx, caseID, func(c *model.Case) error {
		c.Draft = result
		if result.Queued {
			c.Status = model.CaseReady
		} else {
			c.Status = model.CaseDraftCreated
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// draftRequest converts a resolved canonical order into the accounting
// payload plus the fingerprint lines.
func draftRequest(c *model.Case) (accounting.DraftRequest, []model.FingerprintLine, error) {
	if c.Order == nil {
		return accounting.DraftRequest{}, nil, fmt.Errorf("workflow: case %s has no order", c.ID)
	}
	if c.Order.Customer.ResolvedID == "" {
		return accounting.DraftRequest{}, nil, fmt.Errorf("workflow: case %s customer unresolved", c.ID)
	}

	var (
		draftLines []accounting.DraftLine
		fpLines    []model.FingerprintLine
		currency   string
	)
	for _, li := range c.Order.LineItems {
		if li.ResolvedItemID == "" || li.Quantity == nil {
			return accounting.DraftRequest{}, nil,
				fmt.Errorf("workflow: case %s line %d unresolved", c.ID, li.RowIndex)
		}
		rate := 0.0
		switch {
		case li.UnitPrice != nil:
			rate = li.UnitPrice.Value
		case li.LineTotal != nil && li.Quantity.Value != 0:
			rate = li.LineTotal.Value / li.Quantity.Value
		}
		if li.Currency != nil && currency == "" {
			currency = li.Currency.Value
		}
		draftLines = append(draftLines, accounting.DraftLine{
			ItemID: li.ResolvedItemID, Quantity: li.Quantity.Value, Rate: rate,
		})
		fpLines = append(fpLines, model.FingerprintLine{
			ItemID: li.ResolvedItemID, Quantity: li.Quantity.Value, Rate: rate,
		})
	}
	if len(draftLines) == 0 {
		return accounting.DraftRequest{}, nil, fmt.Errorf("workflow: case %s has no lines", c.ID)
	}
	if c.Order.Totals != nil && c.Order.Totals.Currency != nil {
		currency = c.Order.Totals.Currency.Value
	}
	return accounting.DraftRequest{
		CustomerID:  c.Order.Customer.ResolvedID,
		Lines:       draftLines,
		Currency:    currency,
		Memo:        "rasid case " + c.ID,
		ExternalRef: c.ID,
	}, fpLines, nil
}

// Notification is one user-facing update routed through the outbox.
type Notification struct {
	CaseID  string          `json:"caseId"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Notify enqueues an outbox event; the publisher owns delivery and its own
// retry schedule, so this activity only needs the database.
func (a *Activities) Notify(ctx context.Context, n Notification) error {
	c, err := a.DB.GetCase(ctx, n.CaseID)
	if err != nil {
		return err
	}
	return a.DB.InsertOutboxEvent(ctx, &storage.OutboxEvent{
		CaseID:   n.CaseID,
		TenantID: c.TenantID,
		Kind:     n.Kind,
		Payload:  n.Payload,
	})
}

// MarkFailed moves the case to failed with the given issue code.
func (a *Activities) MarkFailed(ctx context.Context, caseID string, code model.IssueCode, message string) error {
	c, err := a.DB.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	if err := a.updateCase(ctx, caseID, func(c *model.Case) error {
		c.Status = model.CaseFailed
		if c.Order != nil {
			c.Order.Issues = append(c.Order.Issues, model.NewIssue(code, message))
		}
		return nil
	}); err != nil {
		return err
	}
	detail, _ := json.Marshal(map[string]any{"code": code, "message": message})
	action := storage.AuditFailed
	if code == model.IssueHumanResponseTimeout {
		action = storage.AuditTimedOut
	}
	a.auditRaw(ctx, c, action, detail)
	if err := a.DB.InsertOutboxEvent(ctx, &storage.OutboxEvent{
		CaseID: caseID, TenantID: c.TenantID,
		Kind: storage.OutboxCaseFailed, Payload: detail,
	}); err != nil {
		a.Logger.Error("case-failed outbox write failed", "case_id", caseID, "error", err)
	}
	return nil
}

// CancelCase is the cancellation compensation: mark the case cancelled,
// release an uncommitted fingerprint reservation, and tell the user.
func (a *Activities) CancelCase(ctx context.Context, caseID, reason string) error {
	c, err := a.DB.GetCase(ctx, caseID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := a.updateCase(ctx, caseID, func(c *model.Case) error {
		c.Status = model.CaseCancelled
		return nil
	}); err != nil {
		return err
	}

	// A draft that was actually created stays; only an in-flight reservation
	// is released.
	if c.Draft != nil && c.Draft.Fingerprint != "" && c.Draft.OrderID == "" {
		if err := a.DB.ReleaseFingerprint(ctx, c.Draft.Fingerprint); err != nil {
			a.Logger.Error("fingerprint release failed", "case_id", caseID, "error", err)
		}
	}

	detail, _ := json.Marshal(map[string]any{"reason": reason})
	a.auditRaw(ctx, c, storage.AuditCancelled, detail)
	if err := a.DB.InsertOutboxEvent(ctx, &storage.OutboxEvent{
		CaseID: caseID, TenantID: c.TenantID,
		Kind: storage.OutboxCaseUpdate, Payload: detail,
	}); err != nil {
		a.Logger.Error("cancel outbox write failed", "case_id", caseID, "error", err)
	}
	return nil
}

// RecordReupload swaps the case's source for the newly uploaded workbook
// before the workflow restarts.
func (a *Activities) RecordReupload(ctx context.Context, caseID string, sig model.FileReuploadedSignal) error {
	c, err := a.DB.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	if err := a.updateCase(ctx, caseID, func(c *model.Case) error {
		c.Source.BlobURL = sig.BlobURL
		if sig.Filename != "" {
			c.Source.Filename = sig.Filename
		}
		if sig.SHA256 != "" {
			c.Source.SHA256 = sig.SHA256
		}
		c.Source.ReceivedAt = time.Now().UTC()
		c.Order = nil
		c.Status = model.CaseProcessing
		return nil
	}); err != nil {
		return err
	}
	detail, _ := json.Marshal(sig)
	a.auditRaw(ctx, c, storage.AuditReuploaded, detail)
	return nil
}

// StoreAuditBundle exports the case document plus its audit trail to the
// blob store when the workflow reaches a terminal state.
func (a *Activities) StoreAuditBundle(ctx context.Context, caseID string) error {
	c, err := a.DB.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	trail, err := a.DB.AuditTrail(ctx, caseID)
	if err != nil {
		return err
	}
	bundle, err := json.Marshal(map[string]any{
		"case":  c,
		"audit": trail,
	})
	if err != nil {
		return fmt.Errorf("workflow: marshal audit bundle: %w", err)
	}
	_, err = a.Blobs.Put(ctx, blob.AuditBundleKey(caseID), bundle, "application/json")
	return err
}

// updateCase is the optimistic-version write loop: load, mutate, store,
// retrying a handful of times when a concurrent writer bumps the version.
func (a *Activities) updateCase(ctx context.Context, caseID string, mutate func(*model.Case) error) error {
	for attempt := 0; attempt < 4; attempt++ {
		c, err := a.DB.GetCase(ctx, caseID)
		if err != nil {
			return err
		}
		if err := mutate(c); err != nil {
			return err
		}
		err = a.DB.UpdateCase(ctx, c)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return err
		}
	}
	return fmt.Errorf("workflow: case %s kept moving under concurrent writers", caseID)
}

func (a *Activities) ensureCatalog(ctx context.Context) error {
	if !a.Catalog.LoadedAt().IsZero() {
		return nil
	}
	return a.Catalog.Load(ctx)
}

func (a *Activities) audit(ctx context.Context, c *model.Case, action string, detail map[string]any) {
	raw, _ := json.Marshal(detail)
	a.auditRaw(ctx, c, action, raw)
}

func (a *Activities) auditRaw(ctx context.Context, c *model.Case, action string, detail json.RawMessage) {
	if err := a.DB.AppendAudit(ctx, &storage.AuditRecord{
		CaseID: c.ID, TenantID: c.TenantID,
		Actor: "system", Action: action, Detail: detail,
	}); err != nil {
		a.Logger.Error("audit write failed", "case_id", c.ID, "action", action, "error", err)
	}
}

// dropIssues removes all issues with the given codes from the order.
func dropIssues(order *model.CanonicalOrder, codes ...model.IssueCode) {
	if order == nil {
		return
	}
	drop := make(map[model.IssueCode]bool, len(codes))
	for _, c := range codes {
		drop[c] = true
	}
	kept := order.Issues[:0]
	for _, is := range order.Issues {
		if !drop[is.Code] {
			kept = append(kept, is)
		}
	}
	order.Issues = kept
}

// temporalPermanent marks an error as non-retryable so the engine fails the
// activity immediately instead of burning attempts on a doomed call.
func temporalPermanent(err error) error {
	return temporal.NewNonRetryableApplicationError(err.Error(), "permanent", err)
}

func customerEntries(customers []accounting.Customer) []match.CustomerEntry {
	out := make([]match.CustomerEntry, len(customers))
	for i, c := range customers {
		out[i] = match.CustomerEntry{ID: c.ID, Name: c.Name, AltNames: c.AltNames}
	}
	return out
}

func itemEntries(items []accounting.Item) []match.ItemEntry {
	out := make([]match.ItemEntry, len(items))
	for i, it := range items {
		out[i] = match.ItemEntry{ID: it.ID, SKU: it.SKU, GTIN: it.GTIN, Name: it.Name}
	}
	return out
}
