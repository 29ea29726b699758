package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/fleetsim/fleetsim/pkg/errdefs"
)

const defaultTimeout = 30 * time.Second

// HTTPClient talks JSON over HTTPS to the control plane.
type HTTPClient struct {
	baseURL string
	http    *http.Client

	mu    sync.Mutex
	token string
}

// NewHTTPClient creates a control-plane client for the given base URL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// SetToken installs a previously cached bearer token.
func (c *HTTPClient) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Login implements Client.
func (c *HTTPClient) Login(ctx context.Context, deviceID, secret string) (string, error) {
	body := map[string]string{"device_id": deviceID, "secret": secret}
	var result struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/login", body, &result); err != nil {
		return "", err
	}
	c.SetToken(result.Token)
	return result.Token, nil
}

// ResolveClaim implements Client.
func (c *HTTPClient) ResolveClaim(ctx context.Context) (string, error) {
	var result struct {
		Owner string `json:"owner"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/devices/self/claim", nil, &result)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return result.Owner, nil
}

// GetStep implements Client.
func (c *HTTPClient) GetStep(ctx context.Context, rev int) (*Step, error) {
	var step Step
	path := fmt.Sprintf("/api/v1/trails/self/steps/%d", rev)
	if err := c.do(ctx, http.MethodGet, path, nil, &step); err != nil {
		return nil, err
	}
	return &step, nil
}

// GetStepObjects implements Client.
func (c *HTTPClient) GetStepObjects(ctx context.Context, rev int) ([]ContentObject, error) {
	var objects []ContentObject
	path := fmt.Sprintf("/api/v1/trails/self/steps/%d/objects", rev)
	if err := c.do(ctx, http.MethodGet, path, nil, &objects); err != nil {
		return nil, err
	}
	return objects, nil
}

// FetchObject implements Client. The signed URL is absolute and
// pre-authorized; no bearer token is attached.
func (c *HTTPClient) FetchObject(ctx context.Context, obj ContentObject) (io.ReadCloser, error) {
	if obj.SignedURL == "" {
		return nil, errdefs.NewIntegrityError(
			fmt.Sprintf("object %s has no signed URL", obj.ID), nil).
			WithCode(errdefs.ErrCodeMissingURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, obj.SignedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build object request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errdefs.NewTransientError("fetch object", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, errdefs.NewTransientError(
			fmt.Sprintf("fetch object %s: unexpected status %d", obj.ID, resp.StatusCode), nil)
	}
	return resp.Body, nil
}

// PostProgress implements Client.
func (c *HTTPClient) PostProgress(ctx context.Context, rev int, progress StepProgress) error {
	path := fmt.Sprintf("/api/v1/trails/self/steps/%d/progress", rev)
	return c.do(ctx, http.MethodPut, path, progress, nil)
}

// PatchDeviceMeta implements Client.
func (c *HTTPClient) PatchDeviceMeta(ctx context.Context, meta map[string]json.RawMessage) error {
	return c.do(ctx, http.MethodPatch, "/api/v1/devices/self/meta", meta, nil)
}

// GetUserMeta implements Client.
func (c *HTTPClient) GetUserMeta(ctx context.Context) (map[string]json.RawMessage, error) {
	meta := map[string]json.RawMessage{}
	if err := c.do(ctx, http.MethodGet, "/api/v1/devices/self/user-meta", nil, &meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// ValidateOwnership implements Client.
func (c *HTTPClient) ValidateOwnership(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/devices/self/validate-owner", nil, nil)
}

// ShipLogs implements Client.
func (c *HTTPClient) ShipLogs(ctx context.Context, entries []LogRecord) error {
	return c.do(ctx, http.MethodPost, "/api/v1/logs", entries, nil)
}

// do performs one JSON request. 404 maps to ErrNotFound, auth failures to
// a resource error that propagates to the exit code, and everything else
// network-shaped to a transient error.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, result interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.Lock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.Unlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.NewTransientError(method+" "+path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errdefs.NewResourceError(
			fmt.Sprintf("%s %s: rejected with status %d", method, path, resp.StatusCode), nil)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return errdefs.NewTransientError(
			fmt.Sprintf("%s %s: unexpected status %d", method, path, resp.StatusCode), nil)
	}

	if result == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errdefs.NewTransientError("read response body", err)
	}
	if err := json.Unmarshal(data, result); err != nil {
		return errdefs.NewProtocolError("malformed control-plane response", err)
	}
	return nil
}
