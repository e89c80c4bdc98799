package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"docflow/pkg/api"
)

// Client handles API calls to the docflow controller.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient creates a new client with the given base URL and token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// do sends a request and decodes a 2xx JSON response into out.
func (c *Client) do(method, path string, body io.Reader, contentType string, out any) error {
	httpReq, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	if contentType != "" {
		httpReq.Header.Add("Content-Type", contentType)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (c *Client) doJSON(method, path string, in, out any) error {
	bodyBytes, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.do(method, path, bytes.NewReader(bodyBytes), "application/json", out)
}

// errorMessage prefers the error field of a JSON error body.
func errorMessage(body []byte) string {
	var e api.ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return string(bytes.TrimSpace(body))
}

// CreateTenant sends POST /tenants. It needs the system secret as token.
func (c *Client) CreateTenant(req api.CreateTenantRequest) (*api.CreateTenantResponse, error) {
	var result api.CreateTenantResponse
	if err := c.doJSON(http.MethodPost, "/tenants", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RetireTenant sends POST /tenants/{id}/retire.
func (c *Client) RetireTenant(tenantID string) (*api.TenantResponse, error) {
	var result api.TenantResponse
	if err := c.do(http.MethodPost, "/tenants/"+url.PathEscape(tenantID)+"/retire", nil, "", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ApplyPipeline creates the pipeline, or replaces it when req.ID is set.
func (c *Client) ApplyPipeline(req api.PipelineRequest) (*api.PipelineResponse, error) {
	method, path := http.MethodPost, "/pipelines"
	if req.ID != "" {
		method, path = http.MethodPut, "/pipelines/"+url.PathEscape(req.ID)
	}
	var result api.PipelineResponse
	if err := c.doJSON(method, path, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetPipeline sends GET /pipelines/{id}.
func (c *Client) GetPipeline(id string) (*api.PipelineResponse, error) {
	var result api.PipelineResponse
	if err := c.do(http.MethodGet, "/pipelines/"+url.PathEscape(id), nil, "", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListPipelines sends GET /pipelines.
func (c *Client) ListPipelines() ([]api.PipelineResponse, error) {
	var result []api.PipelineResponse
	if err := c.do(http.MethodGet, "/pipelines", nil, "", &result); err != nil {
		return nil, err
	}
	return result, nil
}

// UploadRequest describes a document upload.
type UploadRequest struct {
	Name        string
	ContentType string
	PipelineID  string
	// Metadata is a JSON object sent in the metadata header.
	Metadata string
	Content  io.Reader
}

// UploadDocument sends POST /documents with the raw content as body.
func (c *Client) UploadDocument(req UploadRequest) (*api.UploadDocumentResponse, error) {
	q := url.Values{}
	if req.Name != "" {
		q.Set("name", req.Name)
	}
	if req.PipelineID != "" {
		q.Set("pipeline_id", req.PipelineID)
	}
	path := "/documents"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	httpReq, err := http.NewRequest(http.MethodPost, c.BaseURL+path, req.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	if req.ContentType != "" {
		httpReq.Header.Add("Content-Type", req.ContentType)
	}
	if req.Metadata != "" {
		httpReq.Header.Add("X-Document-Metadata", req.Metadata)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	var result api.UploadDocumentResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &result, nil
}

// StartJob sends POST /documents/{id}/jobs.
func (c *Client) StartJob(documentID, pipelineID string) (*api.JobResponse, error) {
	var result api.JobResponse
	err := c.doJSON(http.MethodPost, "/documents/"+url.PathEscape(documentID)+"/jobs",
		api.CreateJobRequest{PipelineID: pipelineID}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// GetJob sends GET /jobs/{id}. The response includes the stage executions.
func (c *Client) GetJob(id string) (*api.JobResponse, error) {
	var result api.JobResponse
	if err := c.do(http.MethodGet, "/jobs/"+url.PathEscape(id), nil, "", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetProgress sends GET /jobs/{id}/progress.
func (c *Client) GetProgress(id string) (*api.ProgressResponse, error) {
	var result api.ProgressResponse
	if err := c.do(http.MethodGet, "/jobs/"+url.PathEscape(id)+"/progress", nil, "", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelJob sends POST /jobs/{id}/cancel.
func (c *Client) CancelJob(id string) (*api.JobResponse, error) {
	var result api.JobResponse
	if err := c.do(http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", nil, "", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RetryJob sends POST /jobs/{id}/retry.
func (c *Client) RetryJob(id string) (*api.JobResponse, error) {
	var result api.JobResponse
	if err := c.do(http.MethodPost, "/jobs/"+url.PathEscape(id)+"/retry", nil, "", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListDLQ sends GET /dispatch/dlq. An empty tenantID lists every tenant.
func (c *Client) ListDLQ(tenantID string, limit, offset int) ([]api.DLQEntryResponse, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	if tenantID != "" {
		q.Set("tenant_id", tenantID)
	}
	var result []api.DLQEntryResponse
	if err := c.do(http.MethodGet, "/dispatch/dlq?"+q.Encode(), nil, "", &result); err != nil {
		return nil, err
	}
	return result, nil
}

// RetryDLQ sends POST /dispatch/dlq/{id}/retry.
func (c *Client) RetryDLQ(id int64) (*api.DLQEntryResponse, error) {
	var result api.DLQEntryResponse
	if err := c.do(http.MethodPost, fmt.Sprintf("/dispatch/dlq/%d/retry", id), nil, "", &result); err != nil {
		return nil, err
	}
	return &result, nil
}
