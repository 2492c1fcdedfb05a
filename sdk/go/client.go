// Package shoptracksdk is a minimal client for the Shoptrack HTTP API,
// intended for automated reporters authenticating with an API key.
package shoptracksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Asset mirrors the API asset model.
type Asset struct {
	ID          int64  `json:"id"`
	Label       string `json:"label"`
	StatusID    *int64 `json:"status_id,omitempty"`
	StatusLabel string `json:"status_label,omitempty"`
	OwnerID     int64  `json:"owner_id"`
	Category    string `json:"category,omitempty"`
}

// LogEntry mirrors the API log entry model.
type LogEntry struct {
	ID                int64  `json:"id"`
	AssetID           int64  `json:"asset_id"`
	Kind              string `json:"kind"`
	Summary           string `json:"summary"`
	Details           string `json:"details,omitempty"`
	ReportedStatusID  *int64 `json:"reported_status_id,omitempty"`
	ConfirmedStatusID *int64 `json:"confirmed_status_id,omitempty"`
	UserID            int64  `json:"user_id"`
	CreatedAt         string `json:"created_at"`
}

// ReportOutcome is the result of filing a report.
type ReportOutcome struct {
	Escalated  bool   `json:"escalated"`
	NewStatus  string `json:"new_status,omitempty"`
	LogEntryID int64  `json:"log_entry_id,omitempty"`
}

// LogEntryWithSync wraps a written entry with its propagation result.
type LogEntryWithSync struct {
	Entry      LogEntry `json:"entry"`
	Propagated bool     `json:"propagated"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) GetAsset(ctx context.Context, id int64) (Asset, error) {
	var resp Asset
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/assets/%d", id), nil, &resp)
	return resp, err
}

func (c *Client) ListAssets(ctx context.Context, status string) ([]Asset, error) {
	endpoint := "v0/assets"
	if status != "" {
		endpoint += "?status=" + status
	}
	var resp []Asset
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ReportIssue files a member issue report against an asset.
func (c *Client) ReportIssue(ctx context.Context, assetID int64, classification, description string) (ReportOutcome, error) {
	body := map[string]any{
		"classification": classification,
		"description":    description,
	}
	var resp ReportOutcome
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/assets/%d/reports", assetID), body, &resp)
	return resp, err
}

// AddLogEntry appends an entry to the asset's status log. A confirmed status
// on the newest entry updates the asset's current status.
func (c *Client) AddLogEntry(ctx context.Context, assetID int64, kind, summary, details, confirmedStatus string) (LogEntryWithSync, error) {
	body := map[string]any{
		"kind":             kind,
		"summary":          summary,
		"details":          details,
		"confirmed_status": confirmedStatus,
	}
	var resp LogEntryWithSync
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/assets/%d/log", assetID), body, &resp)
	return resp, err
}

func (c *Client) ListLogEntries(ctx context.Context, assetID int64) ([]LogEntry, error) {
	var resp []LogEntry
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/assets/%d/log", assetID), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
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
