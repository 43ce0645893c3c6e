package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/Klingon-tech/klingvault/internal/errs"
)

// RPCError is a JSON-RPC error object returned by the node.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// RPCClient is a JSON-RPC 2.0 client over HTTP.
type RPCClient struct {
	rpcURL     string
	chain      string
	rpcUser    string
	rpcPass    string
	httpClient *http.Client
	requestID  atomic.Uint64
}

// NewRPCClient creates a JSON-RPC client. chain is used in error context.
func NewRPCClient(rpcURL, chain string, httpClient *http.Client) *RPCClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &RPCClient{rpcURL: rpcURL, chain: chain, httpClient: httpClient}
}

// SetBasicAuth enables HTTP basic auth for node RPCs that require it.
func (c *RPCClient) SetBasicAuth(user, pass string) {
	c.rpcUser = user
	c.rpcPass = pass
}

// URL returns the endpoint.
func (c *RPCClient) URL() string { return c.rpcURL }

// Call invokes method and decodes the result into result (if non-nil).
func (c *RPCClient) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	raw, err := c.CallRaw(ctx, method, params)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return errs.New(errs.CodeInvalidPayload, method, err)
	}
	return nil
}

// CallRaw invokes method and returns the undecoded result.
func (c *RPCClient) CallRaw(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	id := c.requestID.Add(1)

	request := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}

	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.rpcUser != "" {
		req.SetBasicAuth(c.rpcUser, c.rpcPass)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.Network(c.chain, method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Network(c.chain, method, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &errs.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var response struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      uint64          `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   *RPCError       `json:"error"`
	}

	if err := json.Unmarshal(body, &response); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &errs.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(body)}
		}
		return nil, errs.New(errs.CodeInvalidPayload, method, fmt.Errorf("failed to parse response: %w", err))
	}

	if response.Error != nil {
		return nil, response.Error
	}

	return response.Result, nil
}
