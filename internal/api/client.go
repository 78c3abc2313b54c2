package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// APIError is a non-2xx response from the lease API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Client calls the lease API over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the API rooted at baseURL (e.g. http://localhost:8080).
// A nil httpClient uses http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/") + "/api/v1", http: httpClient}
}

// CreateResource creates a resource.
func (c *Client) CreateResource(ctx context.Context, req CreateResourceRequest) (*Resource, error) {
	var res Resource
	if err := c.do(ctx, http.MethodPost, "/resources", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetResource reads a resource.
func (c *Client) GetResource(ctx context.Context, id string) (*Resource, error) {
	var res Resource
	if err := c.do(ctx, http.MethodGet, "/resources/"+url.PathEscape(id), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// AcquireLease acquires a lease on a resource or one of its slots.
func (c *Client) AcquireLease(ctx context.Context, req AcquireLeaseRequest) (*LeaseResponse, error) {
	var lease LeaseResponse
	if err := c.do(ctx, http.MethodPost, "/leases", req, &lease); err != nil {
		return nil, err
	}
	return &lease, nil
}

// RefreshLease extends a lease.
func (c *Client) RefreshLease(ctx context.Context, leaseID string) (*LeaseResponse, error) {
	var lease LeaseResponse
	if err := c.do(ctx, http.MethodPost, "/leases/"+url.PathEscape(leaseID)+"/refresh", nil, &lease); err != nil {
		return nil, err
	}
	return &lease, nil
}

// GetLease returns a held lease together with the current resource.
func (c *Client) GetLease(ctx context.Context, leaseID string) (*LeaseObjectResponse, error) {
	var obj LeaseObjectResponse
	if err := c.do(ctx, http.MethodGet, "/leases/"+url.PathEscape(leaseID), nil, &obj); err != nil {
		return nil, err
	}
	return &obj, nil
}

// ReleaseLease releases a lease.
func (c *Client) ReleaseLease(ctx context.Context, leaseID string) (*ReleaseResponse, error) {
	var rel ReleaseResponse
	if err := c.do(ctx, http.MethodDelete, "/leases/"+url.PathEscape(leaseID), nil, &rel); err != nil {
		return nil, err
	}
	return &rel, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var body ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return &APIError{StatusCode: resp.StatusCode, Code: body.Error, Message: body.Message}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
