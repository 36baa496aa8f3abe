package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/workbenchlabs/casedesk/internal/collab"
)

var (
	// ErrNotFound indicates the referenced case no longer exists on the server.
	ErrNotFound = errors.New("api: not found")
	// ErrNotLockHolder indicates a release attempt on a lock held by someone else.
	ErrNotLockHolder = errors.New("api: not lock holder")
)

// Client is the HTTP client the editor uses against the casedesk server.
type Client struct {
	httpClient   *http.Client
	streamClient *http.Client
	baseURL      string
	token        string
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		// The stream client carries no timeout; a server-sent-events
		// subscription is expected to stay open. Stall detection is the
		// sync loop's job.
		streamClient: &http.Client{},
	}
}

// Case mirrors the server's case payload.
type Case struct {
	CaseID           int64  `json:"caseId"`
	Branch           string `json:"branch"`
	CustomerName     string `json:"customerName"`
	DeviceModel      string `json:"deviceModel"`
	SerialNumber     string `json:"serialNumber"`
	Status           string `json:"status"`
	Issues           string `json:"issues"`
	Resolution       string `json:"resolution"`
	Assignee         string `json:"assignee"`
	CreatedAtSeconds int64  `json:"createdAtS"`
	UpdatedAtSeconds int64  `json:"updatedAtS"`
	Version          int64  `json:"version"`
	LastEditedBy     string `json:"lastEditedBy"`
}

// FieldValues returns the collaborative field values keyed by wire name.
func (c Case) FieldValues() map[string]string {
	return map[string]string{
		"customerName": c.CustomerName,
		"deviceModel":  c.DeviceModel,
		"serialNumber": c.SerialNumber,
		"status":       c.Status,
		"issues":       c.Issues,
		"resolution":   c.Resolution,
		"assignee":     c.Assignee,
	}
}

type CreateCaseInput struct {
	Branch       string `json:"branch"`
	CustomerName string `json:"customerName"`
	DeviceModel  string `json:"deviceModel"`
	SerialNumber string `json:"serialNumber"`
	Status       string `json:"status"`
	Issues       string `json:"issues"`
	Resolution   string `json:"resolution"`
	Assignee     string `json:"assignee"`
}

func (c *Client) CreateCase(ctx context.Context, input CreateCaseInput) (Case, error) {
	var created Case
	if err := c.doJSON(ctx, http.MethodPost, "/cases", input, &created); err != nil {
		return Case{}, fmt.Errorf("create case request failed: %w", err)
	}
	return created, nil
}

func (c *Client) GetCase(ctx context.Context, caseID int64) (Case, error) {
	var fetched Case
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/cases/%d", caseID), nil, &fetched)
	if errors.Is(err, ErrNotFound) {
		return Case{}, ErrNotFound
	}
	if err != nil {
		return Case{}, fmt.Errorf("get case request failed: %w", err)
	}
	return fetched, nil
}

func (c *Client) ListCases(ctx context.Context, branch string) ([]Case, error) {
	var response struct {
		Cases []Case `json:"cases"`
	}
	path := "/cases?branch=" + url.QueryEscape(branch)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &response); err != nil {
		return nil, fmt.Errorf("list cases request failed: %w", err)
	}
	return response.Cases, nil
}

func (c *Client) UpdateCaseFields(ctx context.Context, caseID int64, fields map[string]string) (Case, error) {
	request := struct {
		Fields map[string]string `json:"fields"`
	}{Fields: fields}
	var updated Case
	err := c.doJSON(ctx, http.MethodPatch, fmt.Sprintf("/cases/%d", caseID), request, &updated)
	if errors.Is(err, ErrNotFound) {
		return Case{}, ErrNotFound
	}
	if err != nil {
		return Case{}, fmt.Errorf("update case request failed: %w", err)
	}
	return updated, nil
}

func (c *Client) DeleteCase(ctx context.Context, caseID int64) error {
	err := c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/cases/%d", caseID), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete case request failed: %w", err)
	}
	return nil
}

// Change is one audit entry from a case's change history.
type Change struct {
	ChangeID         string            `json:"changeId"`
	CaseID           int64             `json:"caseId"`
	EditorID         string            `json:"editorId"`
	Fields           map[string]string `json:"fields"`
	AppliedAtSeconds int64             `json:"appliedAtS"`
	PreviousVersion  int64             `json:"prevVersion"`
	NewVersion       int64             `json:"newVersion"`
}

func (c *Client) ListChanges(ctx context.Context, caseID int64) ([]Change, error) {
	var response struct {
		Changes []Change `json:"changes"`
	}
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/cases/%d/changes", caseID), nil, &response)
	if err != nil {
		return nil, fmt.Errorf("list changes request failed: %w", err)
	}
	return response.Changes, nil
}

// LockResult reports the outcome of a lock acquisition. When the lock is
// denied, Lock describes the current holder.
type LockResult struct {
	Granted bool
	Lock    collab.LockPayload
}

func (c *Client) AcquireLock(ctx context.Context, caseID int64, field string) (LockResult, error) {
	path := fmt.Sprintf("/cases/%d/fields/%s/lock", caseID, url.PathEscape(field))
	status, respBody, err := c.do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return LockResult{}, fmt.Errorf("acquire lock request failed: %w", err)
	}
	switch status {
	case http.StatusOK, http.StatusConflict:
		var response struct {
			Lock collab.LockPayload `json:"lock"`
		}
		if err := json.Unmarshal(respBody, &response); err != nil {
			return LockResult{}, fmt.Errorf("failed to decode lock response: %w", err)
		}
		return LockResult{Granted: status == http.StatusOK, Lock: response.Lock}, nil
	case http.StatusNotFound:
		return LockResult{}, ErrNotFound
	default:
		return LockResult{}, newServerError(status, respBody)
	}
}

func (c *Client) ReleaseLock(ctx context.Context, caseID int64, field string) error {
	path := fmt.Sprintf("/cases/%d/fields/%s/lock", caseID, url.PathEscape(field))
	status, respBody, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return fmt.Errorf("release lock request failed: %w", err)
	}
	switch status {
	case http.StatusNoContent:
		return nil
	case http.StatusConflict:
		return ErrNotLockHolder
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return newServerError(status, respBody)
	}
}

// PresenceEntry is one editor currently connected to a branch.
type PresenceEntry struct {
	UserID             string `json:"userId"`
	DisplayName        string `json:"displayName"`
	ConnectedAtSeconds int64  `json:"connectedAtS"`
}

func (c *Client) Presence(ctx context.Context, branch string) ([]PresenceEntry, error) {
	var response struct {
		Presence []PresenceEntry `json:"presence"`
	}
	path := "/presence?branch=" + url.QueryEscape(branch)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &response); err != nil {
		return nil, fmt.Errorf("presence request failed: %w", err)
	}
	return response.Presence, nil
}

// OpenStream subscribes to the branch event stream and returns the raw body
// for the caller to parse. The token travels as a query parameter because
// EventSource clients cannot set headers.
func (c *Client) OpenStream(ctx context.Context, branch string) (io.ReadCloser, error) {
	endpoint := fmt.Sprintf("%s/stream?branch=%s&access_token=%s",
		c.baseURL, url.QueryEscape(branch), url.QueryEscape(c.token))
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream request: %w", err)
	}
	request.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("stream request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, newServerError(resp.StatusCode, respBody)
	}
	return resp.Body, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	endpoint := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(request)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, result any) error {
	status, respBody, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return ErrNotFound
	}
	if status < 200 || status >= 300 {
		return newServerError(status, respBody)
	}
	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func newServerError(status int, body []byte) error {
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != "" {
		return fmt.Errorf("server error (%d): %s", status, envelope.Error)
	}
	return fmt.Errorf("request failed with status %d: %s", status, string(body))
}
