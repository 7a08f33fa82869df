package model

import "time"

// CaseStatus is the lifecycle state of a case.
type CaseStatus string

const (
	CaseProcessing    CaseStatus = "processing"
	CaseAwaitingInput CaseStatus = "awaiting-input"
	CaseReady         CaseStatus = "ready"
	CaseDraftCreated  CaseStatus = "draft-created"
	CaseCancelled     CaseStatus = "cancelled"
	CaseFailed        CaseStatus = "failed"
)

// ChatRef points back at the chat message the workbook arrived on, so
// notifications land in the right thread.
type ChatRef struct {
	ChatID     string `json:"chatId"`
	MessageID  string `json:"messageId"`
	ActivityID string `json:"activityId,omitempty"`
}

// SourceMeta describes the uploaded workbook.
type SourceMeta struct {
	Filename   string    `json:"filename"`
	SHA256     string    `json:"sha256"`
	Uploader   string    `json:"uploader"`
	Locale     string    `json:"locale,omitempty"`
	Chat       ChatRef   `json:"chat"`
	BlobURL    string    `json:"blobUrl"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// DraftResult records the outcome of draft creation in the accounting system.
type DraftResult struct {
	OrderID     string    `json:"orderId,omitempty"`
	OrderNumber string    `json:"orderNumber,omitempty"`
	Duplicate   bool      `json:"duplicate,omitempty"`
	Queued      bool      `json:"queued,omitempty"`
	QueueID     string    `json:"queueId,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
}

// Case is the unit of work: one user-submitted order tracked end to end.
// Cases are partitioned by tenant, mutated only by workflow activities and
// bot-initiated signals, and never deleted (5-year retention).
type Case struct {
	ID         string          `json:"caseId"`
	TenantID   string          `json:"tenantId"`
	Status     CaseStatus      `json:"status"`
	Source     SourceMeta      `json:"source"`
	Order      *CanonicalOrder `json:"order,omitempty"`
	Draft      *DraftResult    `json:"draft,omitempty"`
	WorkflowID string          `json:"workflowId"`
	Version    int64           `json:"version"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Issues returns the issue list of the current order snapshot.
func (c *Case) Issues() []Issue {
	if c.Order == nil {
		return nil
	}
	return c.Order.Issues
}

// CaseFilter narrows ListByUser queries.
type CaseFilter struct {
	Status CaseStatus
	Since  time.Time
	Limit  int
}
