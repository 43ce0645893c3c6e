package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Klingon-tech/klingvault/internal/errs"
)

// RESTClient performs JSON requests against a base URL.
type RESTClient struct {
	baseURL    string
	chain      string
	headers    map[string]string
	httpClient *http.Client
}

// NewRESTClient creates a client for baseURL. chain is used in error context.
func NewRESTClient(baseURL, chain string, httpClient *http.Client) *RESTClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &RESTClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		chain:      chain,
		headers:    make(map[string]string),
		httpClient: httpClient,
	}
}

// SetHeader adds a header sent with every request.
func (c *RESTClient) SetHeader(key, value string) {
	c.headers[key] = value
}

// BaseURL returns the normalized base URL.
func (c *RESTClient) BaseURL() string { return c.baseURL }

// Get performs a GET request and decodes the JSON response into result.
func (c *RESTClient) Get(ctx context.Context, path string, result interface{}) error {
	body, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}
	return c.decode(path, body, result)
}

// Post sends payload as JSON and decodes the JSON response into result.
func (c *RESTClient) Post(ctx context.Context, path string, payload, result interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	body, err := c.do(ctx, http.MethodPost, path, "application/json", data)
	if err != nil {
		return err
	}
	return c.decode(path, body, result)
}

// PostText sends a plain text body and returns the raw response body.
func (c *RESTClient) PostText(ctx context.Context, path, text string) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, "text/plain", []byte(text))
}

// GetText performs a GET request and returns the raw response body.
func (c *RESTClient) GetText(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, "", nil)
}

func (c *RESTClient) do(ctx context.Context, method, path, contentType string, data []byte) ([]byte, error) {
	var reader io.Reader
	if data != nil {
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	// avoid stale CDN responses
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.Network(c.chain, method+" "+path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Network(c.chain, method+" "+path, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &errs.HTTPStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

func (c *RESTClient) decode(path string, body []byte, result interface{}) error {
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(body, result); err != nil {
		return errs.New(errs.CodeInvalidPayload, "decode "+path, err)
	}
	return nil
}
