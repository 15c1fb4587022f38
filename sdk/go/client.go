package docketlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Docketline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Envelope represents the API evidence envelope model.
type Envelope struct {
	ID              string         `json:"id"`
	CaseID          string         `json:"case_id"`
	Title           string         `json:"title"`
	ContentHash     string         `json:"content_hash"`
	SourceMetadata  map[string]any `json:"source_metadata,omitempty"`
	ChittyIDs       []string       `json:"chitty_ids,omitempty"`
	Version         int            `json:"version"`
	Status          string         `json:"status"`
	VisibilityScope string         `json:"visibility_scope"`
	CreatedAt       string         `json:"created_at"`
}

// Distribution represents one per-target routing record.
type Distribution struct {
	ID             string  `json:"id"`
	EnvelopeID     string  `json:"envelope_id"`
	Target         string  `json:"target"`
	Status         string  `json:"status"`
	PayloadHash    string  `json:"payload_hash"`
	RetryCount     int     `json:"retry_count"`
	DispatchedAt   *string `json:"dispatched_at,omitempty"`
	AcknowledgedAt *string `json:"acknowledged_at,omitempty"`
	ExternalID     *string `json:"external_id,omitempty"`
	ErrorLog       *string `json:"error_log,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

// Permissions is an actor's effective capability set on an envelope.
type Permissions struct {
	EnvelopeID  string `json:"envelope_id"`
	ActorID     string `json:"actor_id"`
	CanView     bool   `json:"can_view"`
	CanComment  bool   `json:"can_comment"`
	CanAnnotate bool   `json:"can_annotate"`
	CanApprove  bool   `json:"can_approve"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	CaseID     string         `json:"case_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// DispatchRun summarizes one dispatcher pass.
type DispatchRun struct {
	Materialized int `json:"materialized"`
	Processed    int `json:"processed"`
	Delivered    int `json:"delivered"`
	Retried      int `json:"retried"`
	Exhausted    int `json:"exhausted"`
	Skipped      int `json:"skipped"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateEnvelope ingests an evidence envelope.
func (c *Client) CreateEnvelope(ctx context.Context, caseID, title, contentHash, visibilityScope string) (Envelope, error) {
	body := map[string]any{
		"case_id":          caseID,
		"title":            title,
		"content_hash":     contentHash,
		"visibility_scope": visibilityScope,
	}
	var resp Envelope
	err := c.do(ctx, http.MethodPost, "v0/envelopes", body, &resp)
	return resp, err
}

// GetEnvelope fetches an envelope by id.
func (c *Client) GetEnvelope(ctx context.Context, id string) (Envelope, error) {
	var resp Envelope
	err := c.do(ctx, http.MethodGet, "v0/envelopes/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SetEnvelopeStatus advances the envelope lifecycle.
func (c *Client) SetEnvelopeStatus(ctx context.Context, id, status string) (Envelope, error) {
	var resp Envelope
	endpoint := fmt.Sprintf("v0/envelopes/%s/status", url.PathEscape(id))
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

// RequestDispatch resolves routing and records distributions for an envelope.
func (c *Client) RequestDispatch(ctx context.Context, envelopeID string) ([]Distribution, error) {
	var resp []Distribution
	endpoint := fmt.Sprintf("v0/envelopes/%s/dispatch", url.PathEscape(envelopeID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Distributions lists distributions for an envelope.
func (c *Client) Distributions(ctx context.Context, envelopeID string) ([]Distribution, error) {
	var resp []Distribution
	endpoint := fmt.Sprintf("v0/envelopes/%s/distributions", url.PathEscape(envelopeID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RunDispatch materializes outbound messages and drives one delivery pass.
func (c *Client) RunDispatch(ctx context.Context) (DispatchRun, error) {
	var resp DispatchRun
	err := c.do(ctx, http.MethodPost, "v0/dispatch/run", nil, &resp)
	return resp, err
}

// ResolvePermissions returns an actor's effective permissions on an envelope.
func (c *Client) ResolvePermissions(ctx context.Context, envelopeID, actorID string) (Permissions, error) {
	var resp Permissions
	endpoint := fmt.Sprintf("v0/envelopes/%s/permissions/%s", url.PathEscape(envelopeID), url.PathEscape(actorID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
