package gatehousesdk

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

// Client is a minimal Gatehouse HTTP API client.
type Client struct {
	BaseURL     string
	GateID      string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, gateID string) *Client {
	return &Client{
		BaseURL: baseURL,
		GateID:  gateID,
		Timeout: 10 * time.Second,
	}
}

// Entry represents the API gate entry model (partial).
type Entry struct {
	ID             string  `json:"id"`
	GateID         string  `json:"gate_id"`
	Kind           string  `json:"kind"`
	VisitorName    string  `json:"visitor_name"`
	VisitorPhone   *string `json:"visitor_phone,omitempty"`
	Flat           string  `json:"flat"`
	State          string  `json:"state"`
	StateLabel     string  `json:"state_label"`
	LegacyKind     string  `json:"legacy_kind"`
	Attempts       int     `json:"attempts"`
	PreApprovalRef *string `json:"pre_approval_ref,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

// Gatepass represents a resident pre-approval.
type Gatepass struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	VisitorName  string `json:"visitor_name"`
	VisitorPhone string `json:"visitor_phone,omitempty"`
	Flat         string `json:"flat"`
	ValidFrom    string `json:"valid_from"`
	ValidUntil   string `json:"valid_until"`
	Reusable     bool   `json:"reusable"`
	IsUsed       bool   `json:"is_used"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	GateID     string         `json:"gate_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// EntryCreate are the fields for creating an entry.
type EntryCreate struct {
	Kind         string `json:"kind"`
	VisitorName  string `json:"visitor_name"`
	VisitorPhone string `json:"visitor_phone,omitempty"`
	VehiclePlate string `json:"vehicle_plate,omitempty"`
	Building     string `json:"building,omitempty"`
	Flat         string `json:"flat"`
}

// CreateEntry records a new arrival at the gate.
func (c *Client) CreateEntry(ctx context.Context, in EntryCreate) (Entry, error) {
	var resp Entry
	err := c.do(ctx, http.MethodPost, c.gatePath("entries"), in, &resp)
	return resp, err
}

// GetEntry fetches an entry by id.
func (c *Client) GetEntry(ctx context.Context, entryID string) (Entry, error) {
	var resp Entry
	err := c.do(ctx, http.MethodGet, c.entryPath(entryID, ""), nil, &resp)
	return resp, err
}

// Call asks the server to ring the resident for an entry.
func (c *Client) Call(ctx context.Context, entryID string) (Entry, error) {
	return c.transition(ctx, entryID, "call")
}

// RecordAttempt counts one more ring cycle.
func (c *Client) RecordAttempt(ctx context.Context, entryID string) (Entry, error) {
	return c.transition(ctx, entryID, "attempt")
}

// Approve records the resident's yes.
func (c *Client) Approve(ctx context.Context, entryID string) (Entry, error) {
	return c.transition(ctx, entryID, "approve")
}

// Reject records the resident's no.
func (c *Client) Reject(ctx context.Context, entryID, reason string) (Entry, error) {
	var resp Entry
	err := c.do(ctx, http.MethodPost, c.entryPath(entryID, "reject"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// CheckIn validates the physical entry.
func (c *Client) CheckIn(ctx context.Context, entryID string) (Entry, error) {
	return c.transition(ctx, entryID, "checkin")
}

// CheckOut closes the visit.
func (c *Client) CheckOut(ctx context.Context, entryID string) (Entry, error) {
	return c.transition(ctx, entryID, "checkout")
}

// Cancel withdraws an open entry.
func (c *Client) Cancel(ctx context.Context, entryID string) (Entry, error) {
	return c.transition(ctx, entryID, "cancel")
}

func (c *Client) transition(ctx context.Context, entryID, op string) (Entry, error) {
	var resp Entry
	err := c.do(ctx, http.MethodPost, c.entryPath(entryID, op), nil, &resp)
	return resp, err
}

// OpenEntries lists entries still awaiting a decision.
func (c *Client) OpenEntries(ctx context.Context) ([]Entry, error) {
	var resp []Entry
	err := c.do(ctx, http.MethodGet, c.gatePath("entries")+"?open=true", nil, &resp)
	return resp, err
}

// TodayLog lists everything created since midnight UTC.
func (c *Client) TodayLog(ctx context.Context) ([]Entry, error) {
	var resp []Entry
	err := c.do(ctx, http.MethodGet, c.gatePath("entries")+"?today=true", nil, &resp)
	return resp, err
}

// GatepassIssue are the fields for issuing a pass.
type GatepassIssue struct {
	Kind         string `json:"kind"`
	VisitorName  string `json:"visitor_name"`
	VisitorPhone string `json:"visitor_phone,omitempty"`
	Building     string `json:"building,omitempty"`
	Flat         string `json:"flat"`
	ValidFrom    string `json:"valid_from"`
	ValidUntil   string `json:"valid_until"`
	Reusable     bool   `json:"reusable,omitempty"`
}

// IssueGatepass creates a pre-approval.
func (c *Client) IssueGatepass(ctx context.Context, in GatepassIssue) (Gatepass, error) {
	var resp Gatepass
	err := c.do(ctx, http.MethodPost, "v0/gatepasses", in, &resp)
	return resp, err
}

// Sweep runs the expiry policy and returns how many entries expired.
func (c *Client) Sweep(ctx context.Context) (int, error) {
	var resp map[string]int
	err := c.do(ctx, http.MethodPost, c.gatePath("sweep"), nil, &resp)
	return resp["expired"], err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events?gate_id=" + url.QueryEscape(c.GateID)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	var resp []Event
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

func (c *Client) gatePath(p string) string {
	gate := url.PathEscape(c.GateID)
	return fmt.Sprintf("v0/gates/%s/%s", gate, strings.TrimLeft(p, "/"))
}

func (c *Client) entryPath(entryID, op string) string {
	endpoint := fmt.Sprintf("v0/entries/%s", url.PathEscape(entryID))
	if op != "" {
		endpoint += "/" + op
	}
	return endpoint
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
