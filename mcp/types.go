package mcp

import (
	atxp "github.com/atxp-dev/atxp-go"
)

// Protocol constants for ATXP payment integration over MCP.
const (
	// PaymentRequiredCode is the application error code for payment required
	PaymentRequiredCode = 402

	// ProofMetaKey is the MCP _meta key carrying the payment proof
	// (client to server)
	ProofMetaKey = "atxp/payment-proof"

	// PaymentMetaKey is the MCP _meta key carrying the settled payment
	// (server to client)
	PaymentMetaKey = "atxp/payment"
)

// Result is the transport-neutral shape of an MCP tool call result.
type Result struct {
	Content           []ContentItem
	IsError           bool
	Meta              map[string]interface{}
	StructuredContent map[string]interface{}
}

// ContentItem is a single MCP content block.
type ContentItem struct {
	Type string
	Text string
}

// ToolCallResult is what Client.CallTool returns: the tool result plus
// what the client had to do to obtain it.
type ToolCallResult struct {
	Content           []ContentItem
	IsError           bool
	StructuredContent map[string]interface{}
	PaymentMade       bool
	Payment           *atxp.PaymentResult
}

// UnauthorizedError reports that the resource server rejected a call at
// the transport level because a valid bearer token was missing.
type UnauthorizedError struct {
	Resource string
	Err      error
}

func (e *UnauthorizedError) Error() string {
	if e.Resource != "" {
		return "unauthorized: " + e.Resource
	}
	return "unauthorized"
}

func (e *UnauthorizedError) Unwrap() error { return e.Err }

// PaymentRequiredError is returned when a tool demands payment and the
// client could not, or was not allowed to, satisfy it.
type PaymentRequiredError struct {
	Code    int
	Message string
	Request *atxp.PaymentRequest
}

func (e *PaymentRequiredError) Error() string { return e.Message }
