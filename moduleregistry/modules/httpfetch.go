package modules

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/workflowmanager/engine/moduleregistry"
	"github.com/workflowmanager/engine/schema"
)

const httpFetchInputsDoc = `{
	"type": "object",
	"properties": {
		"url": {"type": "string"},
		"method": {"type": "string"},
		"headers": {"type": "object"},
		"body": {"type": "string"}
	},
	"required": ["url"]
}`

const httpFetchOutputsDoc = `{
	"type": "object",
	"properties": {
		"status_code": {"type": "integer"},
		"body": {"type": "string"},
		"headers": {"type": "object"}
	},
	"required": ["status_code", "body"]
}`

const defaultFetchTimeout = 30 * time.Second
const maxFetchResponseBytes = 10 << 20 // 10MiB

// HTTPFetch is an executable module issuing a single HTTP request per
// invocation. External I/O by nature, so it is built directly on
// net/http rather than a pack library.
type HTTPFetch struct {
	client       *http.Client
	inputSchema  *schema.Schema
	outputSchema *schema.Schema
}

var _ moduleregistry.ExecutableModule = (*HTTPFetch)(nil)

// NewHTTPFetch builds an HTTPFetch module. If client is nil, a client
// with defaultFetchTimeout is used.
func NewHTTPFetch(client *http.Client) (*HTTPFetch, error) {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	inputSchema, err := schema.Compile("http.fetch.inputs", []byte(httpFetchInputsDoc))
	if err != nil {
		return nil, err
	}
	outputSchema, err := schema.Compile("http.fetch.outputs", []byte(httpFetchOutputsDoc))
	if err != nil {
		return nil, err
	}
	return &HTTPFetch{client: client, inputSchema: inputSchema, outputSchema: outputSchema}, nil
}

// ModuleID implements moduleregistry.Module.
func (m *HTTPFetch) ModuleID() string { return "http.fetch" }

// InputSchema implements moduleregistry.Module.
func (m *HTTPFetch) InputSchema() *schema.Schema { return m.inputSchema }

// OutputSchema implements moduleregistry.Module.
func (m *HTTPFetch) OutputSchema() *schema.Schema { return m.outputSchema }

// Execute implements moduleregistry.ExecutableModule.
func (m *HTTPFetch) Execute(ctx context.Context, inputs map[string]any, _ moduleregistry.ExecutionContext) (map[string]any, error) {
	url, _ := inputs["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("http.fetch: url is required")
	}
	method, _ := inputs["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if b, ok := inputs["body"].(string); ok && b != "" {
		body = strings.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("http.fetch: build request: %w", err)
	}
	if headers, ok := inputs["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http.fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	limited := io.LimitReader(resp.Body, maxFetchResponseBytes)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("http.fetch: read response: %w", err)
	}

	headers := make(map[string]any, len(resp.Header))
	for k, v := range resp.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(data),
		"headers":     headers,
	}, nil
}
