package mcp

import "context"

// MCPClient is the narrow surface the orchestrator needs from an MCP
// client. Implementations bridge a concrete transport; see NewSDKAdapter
// for the official SDK.
type MCPClient interface {
	// CallTool invokes a tool. params carries "name", "arguments" and
	// optionally "_meta". A 401 at the transport level is surfaced as
	// *UnauthorizedError.
	CallTool(ctx context.Context, params map[string]interface{}) (Result, error)

	// SetBearerToken installs the bearer token sent with subsequent
	// requests. An empty string clears it.
	SetBearerToken(token string)

	ListTools(ctx context.Context) (interface{}, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
