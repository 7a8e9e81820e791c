package mcp

import (
	"context"
	"net/http"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// BearerTransport is an http.RoundTripper that attaches a bearer token to
// every request. The token can be swapped at any time; requests in flight
// keep the token they started with.
type BearerTransport struct {
	base http.RoundTripper

	mu    sync.RWMutex
	token string
}

// NewBearerTransport wraps base, or http.DefaultTransport when base is nil.
func NewBearerTransport(base http.RoundTripper) *BearerTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &BearerTransport{base: base}
}

// SetToken installs the token sent with subsequent requests. Empty clears it.
func (t *BearerTransport) SetToken(token string) {
	t.mu.Lock()
	t.token = token
	t.mu.Unlock()
}

// Token returns the currently installed token.
func (t *BearerTransport) Token() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token
}

func (t *BearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.RLock()
	token := t.token
	t.mu.RUnlock()

	if token == "" {
		return t.base.RoundTrip(req)
	}

	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+token)
	return t.base.RoundTrip(clone)
}

// sdkAdapter adapts the official Go MCP SDK
// (github.com/modelcontextprotocol/go-sdk/mcp) ClientSession to MCPClient.
//
// Use NewSDKAdapter to create an instance.
type sdkAdapter struct {
	session *mcpsdk.ClientSession
	bearer  *BearerTransport
}

// NewSDKAdapter creates an MCPClient from a connected SDK session.
//
// The session's HTTP transport should be built over bearer so that
// SetBearerToken reaches the wire:
//
//	bearer := mcp.NewBearerTransport(nil)
//	transport := &mcpsdk.StreamableClientTransport{
//	    Endpoint:   serverURL,
//	    HTTPClient: &http.Client{Transport: bearer},
//	}
//	session, err := sdkClient.Connect(ctx, transport, nil)
//	adapter := mcp.NewSDKAdapter(session, bearer)
//
// bearer may be nil, in which case SetBearerToken is a no-op.
func NewSDKAdapter(session *mcpsdk.ClientSession, bearer *BearerTransport) MCPClient {
	return &sdkAdapter{session: session, bearer: bearer}
}

func (a *sdkAdapter) SetBearerToken(token string) {
	if a.bearer != nil {
		a.bearer.SetToken(token)
	}
}

func (a *sdkAdapter) CallTool(ctx context.Context, params map[string]interface{}) (Result, error) {
	name, _ := params["name"].(string)
	args, _ := params["arguments"].(map[string]interface{})
	meta, _ := params["_meta"].(map[string]interface{})

	callParams := &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	}
	if meta != nil {
		callParams.Meta = mcpsdk.Meta(meta)
	}

	result, err := a.session.CallTool(ctx, callParams)
	if err != nil {
		if looksUnauthorized(err) {
			return Result{}, &UnauthorizedError{Err: err}
		}
		return Result{}, err
	}

	content := make([]ContentItem, 0, len(result.Content))
	for _, item := range result.Content {
		if text, ok := item.(*mcpsdk.TextContent); ok {
			content = append(content, ContentItem{Type: "text", Text: text.Text})
		}
	}

	out := Result{
		Content: content,
		IsError: result.IsError,
	}

	// StructuredContent carries the payment-required signal.
	if result.StructuredContent != nil {
		if structured, ok := result.StructuredContent.(map[string]interface{}); ok {
			out.StructuredContent = structured
		}
	}

	if result.Meta != nil {
		metaMap := result.Meta.GetMeta()
		if len(metaMap) > 0 {
			out.Meta = make(map[string]interface{}, len(metaMap))
			for k, v := range metaMap {
				out.Meta[k] = v
			}
		}
	}

	return out, nil
}

func (a *sdkAdapter) ListTools(ctx context.Context) (interface{}, error) {
	return a.session.ListTools(ctx, nil)
}

func (a *sdkAdapter) Ping(ctx context.Context) error {
	return a.session.Ping(ctx, &mcpsdk.PingParams{})
}

func (a *sdkAdapter) Close(_ context.Context) error {
	return a.session.Close()
}
