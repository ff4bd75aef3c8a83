package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// nodeClient speaks JSON-RPC to the lending node. Requests carry the node's
// bearer token so mutating methods pass the node-side auth check.
type nodeClient struct {
	baseURL string
	token   string
	http    *http.Client
	nextID  atomic.Int64
}

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int64             `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// callError carries the node's verdict back to the REST layer.
type callError struct {
	Status int
	Err    rpcError
}

func (e *callError) Error() string {
	return fmt.Sprintf("node rpc: status %d code %d: %s", e.Status, e.Err.Code, e.Err.Message)
}

func newNodeClient(baseURL, token string, timeout time.Duration) *nodeClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &nodeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Call invokes one node method with a single object parameter. A nil params
// value sends an empty parameter list.
func (c *nodeClient) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		ID:      c.nextID.Add(1),
	}
	if len(params) > 0 {
		req.Params = []json.RawMessage{params}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode rpc request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build rpc request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call node: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read node response: %w", err)
	}
	decoded := rpcResponse{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode node response (status %d): %w", resp.StatusCode, err)
	}
	if decoded.Error != nil {
		status := resp.StatusCode
		if status == http.StatusOK {
			status = http.StatusBadGateway
		}
		return nil, &callError{Status: status, Err: *decoded.Error}
	}
	return decoded.Result, nil
}
