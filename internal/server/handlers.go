package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sahab-io/rasid/internal/engine"
	"github.com/sahab-io/rasid/internal/model"
	"github.com/sahab-io/rasid/internal/storage"
	"github.com/sahab-io/rasid/internal/workflow"
)

// WorkflowEngine is the slice of the engine client the handlers need.
// *engine.Engine satisfies it; tests substitute a fake.
type WorkflowEngine interface {
	Start(ctx context.Context, workflowID, workflowName string, input any) (string, error)
	Signal(ctx context.Context, workflowID, name string, payload any) error
	Query(ctx context.Context, workflowID, name string, out any) error
	Cancel(ctx context.Context, workflowID string) error
	Terminate(ctx context.Context, workflowID, reason string) error
	Status(ctx context.Context, workflowID string) (*model.WorkflowStatusResponse, error)
	Healthy(ctx context.Context) bool
}

// CaseStore is the slice of the case store the handlers need.
// *storage.DB satisfies it.
type CaseStore interface {
	GetCase(ctx context.Context, id string) (*model.Case, error)
	ListCases(ctx context.Context, tenantID, uploader string, f model.CaseFilter) ([]*model.Case, error)
	Ping(ctx context.Context) error
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	engine   WorkflowEngine
	cases    CaseStore
	timeouts workflow.Timeouts
	logger   *slog.Logger
	version  string
	started  time.Time
}

// HandlersDeps bundles the dependencies for NewHandlers.
type HandlersDeps struct {
	Engine   WorkflowEngine
	Cases    CaseStore
	Timeouts workflow.Timeouts
	Logger   *slog.Logger
	Version  string
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		engine:   deps.Engine,
		cases:    deps.Cases,
		timeouts: deps.Timeouts,
		logger:   deps.Logger,
		version:  deps.Version,
		started:  time.Now(),
	}
}

// HandleStartWorkflow starts order processing for a workbook that already
// sits in the blob store. The caller supplies the case id, so a retried
// start is answered with a conflict rather than a second execution.
func (h *Handlers) HandleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req model.StartWorkflowRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, err.Error())
		return
	}

	input := workflow.Input{Request: req, Timeouts: h.timeouts}
	runID, err := h.engine.Start(r.Context(), req.CaseID, workflow.Name, input)
	if err != nil {
		if errors.Is(err, engine.ErrAlreadyStarted) {
			writeCaseError(w, r, http.StatusConflict, model.ErrCodeConflict,
				"workflow already running for this case", req.CaseID,
				fmt.Sprintf("poll GET /workflow/%s/status", req.CaseID))
			return
		}
		h.logger.Error("start workflow", "case_id", req.CaseID, "error", err)
		writeCaseError(w, r, http.StatusInternalServerError, model.ErrCodeInternal,
			"failed to start workflow", req.CaseID, "")
		return
	}

	writeJSON(w, http.StatusAccepted, model.StartWorkflowResponse{
		WorkflowID: req.CaseID,
		RunID:      runID,
		CaseID:     req.CaseID,
		Status:     "started",
	})
}

// HandleMessages is the bot collaborator's inbound contract: a chat message
// arrived carrying a workbook attachment. The server mints the case id and
// starts the workflow.
func (h *Handlers) HandleMessages(w http.ResponseWriter, r *http.Request) {
	var msg model.MessageRequest
	if err := decodeJSON(w, r, &msg); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if msg.AttachmentURL == "" || msg.TenantID == "" || msg.UserID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest,
			"attachmentUrl, tenantId, and userId are required")
		return
	}

	caseID := uuid.New().String()
	req := model.StartWorkflowRequest{
		CaseID:        caseID,
		BlobURL:       msg.AttachmentURL,
		TenantID:      msg.TenantID,
		UserID:        msg.UserID,
		CorrelationID: RequestIDFromContext(r.Context()),
		Filename:      msg.Filename,
		Locale:        msg.Locale,
		Teams:         msg.Chat,
	}

	input := workflow.Input{Request: req, Timeouts: h.timeouts}
	runID, err := h.engine.Start(r.Context(), caseID, workflow.Name, input)
	if err != nil {
		h.logger.Error("start workflow from message", "case_id", caseID, "error", err)
		writeCaseError(w, r, http.StatusInternalServerError, model.ErrCodeInternal,
			"failed to start workflow", caseID, "")
		return
	}

	writeJSON(w, http.StatusAccepted, model.StartWorkflowResponse{
		WorkflowID: caseID,
		RunID:      runID,
		CaseID:     caseID,
		Status:     "started",
	})
}

// HandleSignal delivers one of the four workflow signals. The payload is
// decoded into the signal's concrete type so malformed bodies are rejected
// here instead of being dropped inside the workflow.
func (h *Handlers) HandleSignal(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	name := r.PathValue("name")

	if !model.KnownSignal(name) {
		writeCaseError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest,
			fmt.Sprintf("unknown signal %q", name), workflowID, "")
		return
	}

	payload, err := decodeSignalPayload(w, r, name)
	if err != nil {
		writeDecodeError(w, r, err)
		return
	}

	if err := h.engine.Signal(r.Context(), workflowID, name, payload); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeCaseError(w, r, http.StatusNotFound, model.ErrCodeNotFound,
				"workflow not found", workflowID, "")
			return
		}
		h.logger.Error("signal workflow", "workflow_id", workflowID, "signal", name, "error", err)
		writeCaseError(w, r, http.StatusInternalServerError, model.ErrCodeInternal,
			"failed to deliver signal", workflowID, "")
		return
	}

	writeJSON(w, http.StatusAccepted, model.SignalResponse{
		WorkflowID: workflowID,
		SignalName: name,
		Status:     "signal_sent",
	})
}

// decodeSignalPayload decodes the request body into the concrete payload
// type for the named signal.
func decodeSignalPayload(w http.ResponseWriter, r *http.Request, name string) (any, error) {
	switch name {
	case model.SignalFileReuploaded:
		var p model.FileReuploadedSignal
		if err := decodeJSON(w, r, &p); err != nil {
			return nil, err
		}
		return p, nil
	case model.SignalCorrectionsSubmitted:
		var p model.CorrectionsSubmittedSignal
		if err := decodeJSON(w, r, &p); err != nil {
			return nil, err
		}
		return p, nil
	case model.SignalSelectionsSubmitted:
		var p model.SelectionsSubmittedSignal
		if err := decodeJSON(w, r, &p); err != nil {
			return nil, err
		}
		return p, nil
	case model.SignalApprovalReceived:
		var p model.ApprovalReceivedSignal
		if err := decodeJSON(w, r, &p); err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown signal %q", name)
}

// HandleStatus reports the engine-level view of a workflow, enriched with
// the current step from the getState query while the run is open.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")

	status, err := h.engine.Status(r.Context(), workflowID)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeCaseError(w, r, http.StatusNotFound, model.ErrCodeNotFound,
				"workflow not found", workflowID, "")
			return
		}
		h.logger.Error("workflow status", "workflow_id", workflowID, "error", err)
		writeCaseError(w, r, http.StatusInternalServerError, model.ErrCodeInternal,
			"failed to read workflow status", workflowID, "")
		return
	}

	// Best-effort enrichment; the engine answer stands on its own.
	if status.Status == "RUNNING" {
		var st workflow.State
		if err := h.engine.Query(r.Context(), workflowID, workflow.QueryState, &st); err == nil {
			status.CurrentStep = st.Step
		}
	}
	if c, err := h.cases.GetCase(r.Context(), workflowID); err == nil {
		status.Input = c.Source
	}

	writeJSON(w, http.StatusOK, status)
}

// HandleQuery runs a named query against the workflow and returns the raw
// result.
func (h *Handlers) HandleQuery(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	name := r.PathValue("name")

	var out any
	if err := h.engine.Query(r.Context(), workflowID, name, &out); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeCaseError(w, r, http.StatusNotFound, model.ErrCodeNotFound,
				"workflow not found", workflowID, "")
			return
		}
		h.logger.Warn("workflow query", "workflow_id", workflowID, "query", name, "error", err)
		writeCaseError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest,
			fmt.Sprintf("query %q failed", name), workflowID, "")
		return
	}

	writeJSON(w, http.StatusOK, out)
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// HandleCancel requests cooperative cancellation; the workflow runs its
// compensation path before closing.
func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")

	var req cancelRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeDecodeError(w, r, err)
			return
		}
	}

	if err := h.engine.Cancel(r.Context(), workflowID); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeCaseError(w, r, http.StatusNotFound, model.ErrCodeNotFound,
				"workflow not found", workflowID, "")
			return
		}
		h.logger.Error("cancel workflow", "workflow_id", workflowID, "error", err)
		writeCaseError(w, r, http.StatusInternalServerError, model.ErrCodeInternal,
			"failed to cancel workflow", workflowID, "")
		return
	}

	writeJSON(w, http.StatusAccepted, model.CancelResponse{
		WorkflowID: workflowID,
		Status:     "cancelled",
		Reason:     req.Reason,
	})
}

// HandleTerminate kills the run without compensation. Operator-only.
func (h *Handlers) HandleTerminate(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")

	var req cancelRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeDecodeError(w, r, err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "terminated by operator"
	}

	if err := h.engine.Terminate(r.Context(), workflowID, req.Reason); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeCaseError(w, r, http.StatusNotFound, model.ErrCodeNotFound,
				"workflow not found", workflowID, "")
			return
		}
		h.logger.Error("terminate workflow", "workflow_id", workflowID, "error", err)
		writeCaseError(w, r, http.StatusInternalServerError, model.ErrCodeInternal,
			"failed to terminate workflow", workflowID, "")
		return
	}

	writeJSON(w, http.StatusAccepted, model.CancelResponse{
		WorkflowID: workflowID,
		Status:     "terminated",
		Reason:     req.Reason,
	})
}

// caseSummary is one row of the bot's "my orders" view.
type caseSummary struct {
	CaseID    string           `json:"caseId"`
	Status    model.CaseStatus `json:"status"`
	Filename  string           `json:"filename,omitempty"`
	OrderID   string           `json:"orderId,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// HandleListCases returns a user's cases, newest first. The tenant comes
// from the caller's token.
func (h *Handlers) HandleListCases(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	tenantID := r.URL.Query().Get("tenant")
	if claims != nil && claims.TenantID != "" {
		tenantID = claims.TenantID
	}
	user := r.URL.Query().Get("user")
	if tenantID == "" || user == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest,
			"tenant and user are required")
		return
	}

	filter := model.CaseFilter{
		Status: model.CaseStatus(r.URL.Query().Get("status")),
	}
	cases, err := h.cases.ListCases(r.Context(), tenantID, user, filter)
	if err != nil {
		h.logger.Error("list cases", "tenant_id", tenantID, "user", user, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to list cases")
		return
	}

	out := make([]caseSummary, 0, len(cases))
	for _, c := range cases {
		s := caseSummary{
			CaseID:    c.ID,
			Status:    c.Status,
			Filename:  c.Source.Filename,
			CreatedAt: c.CreatedAt,
			UpdatedAt: c.UpdatedAt,
		}
		if c.Draft != nil {
			s.OrderID = c.Draft.OrderID
		}
		out = append(out, s)
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleGetCase returns one case document.
func (h *Handlers) HandleGetCase(w http.ResponseWriter, r *http.Request) {
	caseID := r.PathValue("id")

	c, err := h.cases.GetCase(r.Context(), caseID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeCaseError(w, r, http.StatusNotFound, model.ErrCodeNotFound,
				"case not found", caseID, "")
			return
		}
		h.logger.Error("get case", "case_id", caseID, "error", err)
		writeCaseError(w, r, http.StatusInternalServerError, model.ErrCodeInternal,
			"failed to load case", caseID, "")
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// HandleHealth reports process and dependency health. Degraded still answers
// 200 so load balancers keep routing while a dependency flaps.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:  "healthy",
		Engine:  "connected",
		DB:      "connected",
		Uptime:  time.Since(h.started).Round(time.Second).String(),
		Version: h.version,
	}
	if !h.engine.Healthy(r.Context()) {
		resp.Status = "degraded"
		resp.Engine = "disconnected"
	}
	if h.cases != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.cases.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.DB = "disconnected"
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// writeDecodeError maps body-decoding failures to the right status.
func writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeTooLarge, "request body too large")
		return
	}
	writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid request body: "+err.Error())
}
