package model

import "encoding/json"

// Signal names delivered to a running order workflow. Signals carry only
// references and decisions, never full orders.
const (
	SignalFileReuploaded       = "FileReuploaded"
	SignalCorrectionsSubmitted = "CorrectionsSubmitted"
	SignalSelectionsSubmitted  = "SelectionsSubmitted"
	SignalApprovalReceived     = "ApprovalReceived"
)

// KnownSignal reports whether name is one of the four workflow signals.
func KnownSignal(name string) bool {
	switch name {
	case SignalFileReuploaded, SignalCorrectionsSubmitted,
		SignalSelectionsSubmitted, SignalApprovalReceived:
		return true
	}
	return false
}

// FileReuploadedSignal replaces the workbook after a parser blocker.
type FileReuploadedSignal struct {
	BlobURL  string `json:"blobUrl"`
	Filename string `json:"filename,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
}

// PatchOp is one RFC-6902-style operation against the canonical order,
// constrained to the editable-path whitelist.
type PatchOp struct {
	Op    string          `json:"op"` // add | replace | remove | test
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// CorrectionsSubmittedSignal carries user corrections to the column mapping
// or extracted values after a committee disagreement.
type CorrectionsSubmittedSignal struct {
	Ops []PatchOp `json:"jsonPatchOps"`
}

// SelectionRef names one catalog entity chosen by the user.
type SelectionRef struct {
	ID string `json:"id"`
}

// SelectionsSubmittedSignal resolves ambiguous or not-found entities.
// Items is keyed by the line's RowIndex.
type SelectionsSubmittedSignal struct {
	Customer *SelectionRef        `json:"customer,omitempty"`
	Items    map[int]SelectionRef `json:"items,omitempty"`
}

// ApprovalReceivedSignal is the final human decision on the order.
type ApprovalReceivedSignal struct {
	Approved bool   `json:"approved"`
	Approver string `json:"approver"`
	Comments string `json:"comments,omitempty"`
}
