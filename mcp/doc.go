// Package mcp provides a payment-aware MCP client.
//
// Client wraps any MCPClient and satisfies the two gates a resource
// server may raise on a tool call without involving the caller:
//
//   - Authorization: a transport-level 401 triggers OAuth discovery,
//     dynamic client registration, and a PKCE token exchange, then the
//     call is retried once with the fresh bearer token.
//   - Payment: a well-formed result embedding a payment-required signal
//     triggers destination resolution, an on-chain transfer, and
//     submission of a signed proof, then the call is retried once with
//     the proof attached.
//
// The official MCP SDK is bridged with NewSDKAdapter; any other
// transport can implement MCPClient directly.
package mcp
