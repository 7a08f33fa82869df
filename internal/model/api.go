package model

import (
	"fmt"
	"time"
)

// Error codes for the HTTP surface.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeTooLarge     = "payload_too_large"
	ErrCodeInternal     = "internal_error"
)

// MaxWorkbookBytes is the default upload size cap for a single workbook.
const MaxWorkbookBytes = 10 << 20 // 10 MiB

// StartWorkflowRequest starts order processing for an uploaded workbook.
type StartWorkflowRequest struct {
	CaseID        string  `json:"caseId"`
	BlobURL       string  `json:"blobUrl"`
	TenantID      string  `json:"tenantId"`
	UserID        string  `json:"userId"`
	CorrelationID string  `json:"correlationId,omitempty"`
	Filename      string  `json:"filename,omitempty"`
	Locale        string  `json:"locale,omitempty"`
	Teams         ChatRef `json:"teams"`
}

// Validate checks required start fields.
func (r StartWorkflowRequest) Validate() error {
	if r.CaseID == "" {
		return fmt.Errorf("caseId is required")
	}
	if r.BlobURL == "" {
		return fmt.Errorf("blobUrl is required")
	}
	if r.TenantID == "" {
		return fmt.Errorf("tenantId is required")
	}
	if r.UserID == "" {
		return fmt.Errorf("userId is required")
	}
	return nil
}

// StartWorkflowResponse acknowledges a started workflow.
type StartWorkflowResponse struct {
	WorkflowID string `json:"workflowId"`
	RunID      string `json:"runId"`
	CaseID     string `json:"caseId"`
	Status     string `json:"status"` // "started"
}

// SignalResponse acknowledges a delivered signal.
type SignalResponse struct {
	WorkflowID string `json:"workflowId"`
	SignalName string `json:"signalName"`
	Status     string `json:"status"` // "signal_sent"
}

// WorkflowStatusResponse is the engine-level view of a workflow.
type WorkflowStatusResponse struct {
	WorkflowID  string     `json:"workflowId"`
	RunID       string     `json:"runId"`
	Status      string     `json:"status"` // RUNNING | COMPLETED | FAILED | CANCELLED | TERMINATED
	CurrentStep string     `json:"currentStep,omitempty"`
	Input       any        `json:"input,omitempty"`
	StartTime   time.Time  `json:"startTime"`
	CloseTime   *time.Time `json:"closeTime,omitempty"`
}

// CancelResponse acknowledges a cancellation request.
type CancelResponse struct {
	WorkflowID string `json:"workflowId"`
	Status     string `json:"status"` // "cancelled"
	Reason     string `json:"reason,omitempty"`
}

// HealthResponse reports process and dependency health.
type HealthResponse struct {
	Status  string `json:"status"` // "healthy" | "degraded"
	Engine  string `json:"engine"` // "connected" | "disconnected"
	DB      string `json:"db,omitempty"`
	Uptime  string `json:"uptime"`
	Version string `json:"version,omitempty"`
}

// MessageRequest is the bot collaborator's inbound contract: an attachment
// reference plus the uploader's identity and locale.
type MessageRequest struct {
	AttachmentURL string  `json:"attachmentUrl"`
	Filename      string  `json:"filename"`
	TenantID      string  `json:"tenantId"`
	UserID        string  `json:"userId"`
	Locale        string  `json:"locale,omitempty"`
	Chat          ChatRef `json:"chat"`
}

// APIError is the error envelope for all failure responses. CorrelationID
// equals the caseId when the failure is case-scoped.
type APIError struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the machine code, human message, and correlation ids.
type ErrorDetail struct {
	Code            string `json:"code"`
	Message         string `json:"message"`
	RequestID       string `json:"requestId,omitempty"`
	CorrelationID   string `json:"correlationId,omitempty"`
	SuggestedAction string `json:"suggestedAction,omitempty"`
}
