// Package accounting integrates with the accounting system: an OAuth-backed
// HTTP client, catalog snapshot caches, per-entry lookup caches, and draft
// creation guarded by order fingerprints.
package accounting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
)

// ErrNotFound is returned for 404 lookups.
var ErrNotFound = errors.New("accounting: not found")

// ThrottledError is a 429 with the server's requested wait.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("accounting: throttled, retry after %s", e.RetryAfter)
}

// TransientError wraps timeouts, 5xx responses, and network failures: worth
// retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "accounting: transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps 4xx rejections: retrying the same payload cannot help.
type PermanentError struct {
	StatusCode int
	Body       string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("accounting: rejected with %d: %s", e.StatusCode, e.Body)
}

// Customer is one customer from the accounting catalog.
type Customer struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	AltNames []string `json:"altNames,omitempty"`
}

// Item is one sellable item from the accounting catalog.
type Item struct {
	ID   string `json:"id"`
	SKU  string `json:"sku,omitempty"`
	GTIN string `json:"gtin,omitempty"`
	Name string `json:"name"`
}

// DraftLine is one line of a draft sales order.
type DraftLine struct {
	ItemID   string  `json:"itemId"`
	Quantity float64 `json:"quantity"`
	Rate     float64 `json:"rate"`
}

// DraftRequest is the payload POSTed to create a draft sales order.
// ExternalRef carries the case id for traceability on the accounting side.
type DraftRequest struct {
	CustomerID  string      `json:"customerId"`
	Lines       []DraftLine `json:"lines"`
	Currency    string      `json:"currency,omitempty"`
	Memo        string      `json:"memo,omitempty"`
	ExternalRef string      `json:"externalRef"`
}

// DraftResponse is the accounting system's view of a created draft.
type DraftResponse struct {
	OrderID     string `json:"id"`
	OrderNumber string `json:"number"`
}

// Client is the HTTP client for the accounting API. The http.Client carries
// the OAuth transport; the breaker opens after consecutive failures so an
// outage fails fast instead of stacking up blocked activities.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewClient builds a Client. httpClient should come from NewOAuthClient so
// every request carries a fresh access token.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "accounting",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Only infrastructure failures trip the breaker; rejections and
			// throttles mean the service is up.
			var te *TransientError
			return err == nil || !errors.As(err, &te)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("accounting breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return &Client{baseURL: baseURL, http: httpClient, breaker: breaker, logger: logger}
}

// ListCustomers fetches the full customer catalog.
func (c *Client) ListCustomers(ctx context.Context) ([]Customer, error) {
	var out []Customer
	if err := c.getJSON(ctx, "/v1/customers", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListItems fetches the full item catalog.
func (c *Client) ListItems(ctx context.Context) ([]Item, error) {
	var out []Item
	if err := c.getJSON(ctx, "/v1/items", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetCustomer fetches one customer by id. Returns ErrNotFound on 404.
func (c *Client) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	var out Customer
	if err := c.getJSON(ctx, "/v1/customers/"+id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetItem fetches one item by id. Returns ErrNotFound on 404.
func (c *Client) GetItem(ctx context.Context, id string) (*Item, error) {
	var out Item
	if err := c.getJSON(ctx, "/v1/items/"+id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PostDraft submits a draft sales order. One call, no internal retries; the
// draft service owns the retry policy.
func (c *Client) PostDraft(ctx context.Context, req DraftRequest) (*DraftResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("accounting: marshal draft: %w", err)
	}
	var out DraftResponse
	if err := c.do(ctx, http.MethodPost, "/v1/salesorders/draft", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.doOnce(ctx, method, path, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &TransientError{Err: err}
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, method, path string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("accounting: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("accounting: decode %s %s: %w", method, path, err)
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return &ThrottledError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return &TransientError{Err: fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)}
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &PermanentError{StatusCode: resp.StatusCode, Body: string(b)}
	}
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms. A missing
// or unparseable header falls back to 30s.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 30 * time.Second
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
		return 0
	}
	return 30 * time.Second
}

// IsTransient reports whether an error is worth retrying against the same
// endpoint: throttles and transient failures qualify, rejections do not.
func IsTransient(err error) bool {
	var te *TransientError
	var th *ThrottledError
	return errors.As(err, &te) || errors.As(err, &th)
}
