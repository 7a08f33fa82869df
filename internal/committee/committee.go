// Package committee is the client for the external column-mapping
// adjudication service. The service is a collaborator reduced to one
// contract: given the inferred columns plus body samples, it returns a
// consensus mapping and any disagreements.
package committee

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sahab-io/rasid/internal/model"
)

// Verdict is the committee's consensus level.
type Verdict string

const (
	VerdictUnanimous   Verdict = "unanimous"
	VerdictMajority    Verdict = "majority"
	VerdictSplit       Verdict = "split"
	VerdictNoConsensus Verdict = "no_consensus"
)

// Agreed reports whether the verdict is strong enough to proceed without a
// human. Split and no-consensus both need corrections.
func (v Verdict) Agreed() bool {
	return v == VerdictUnanimous || v == VerdictMajority
}

// Request carries the inferred mapping plus per-column body samples.
type Request struct {
	CaseID   string                `json:"caseId"`
	Language model.LanguageHint    `json:"languageHint,omitempty"`
	Columns  []model.ColumnMapping `json:"columns"`
	Samples  map[string][]string   `json:"samples"` // column letter -> body samples
}

// Disagreement is one column the committee could not settle.
type Disagreement struct {
	SourceColumn string                   `json:"sourceColumn"`
	Proposals    []model.MappingCandidate `json:"proposals"`
	Note         string                   `json:"note,omitempty"`
}

// Response is the committee's consensus.
type Response struct {
	Verdict       Verdict               `json:"verdict"`
	Columns       []model.ColumnMapping `json:"columns"`
	Disagreements []Disagreement        `json:"disagreements,omitempty"`
}

// Client posts consensus requests. Committee rounds are slow (the service
// fans out to several models), so the timeout is generous; the workflow's
// activity policy owns retries.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 120 * time.Second},
		logger:  logger,
	}
}

// Consensus runs one committee round.
func (c *Client) Consensus(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("committee: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/consensus", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("committee: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("committee: consensus call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("committee: status %d: %s", resp.StatusCode, string(b))
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("committee: decode response: %w", err)
	}
	return &out, nil
}
