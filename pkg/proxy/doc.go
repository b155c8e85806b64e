// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package proxy exposes a remote agent fleet to an MCP client as if it were a
// local stdio MCP server. It answers the MCP handshake itself, wraps every
// other JSON-RPC request into an mcp-exec command, signs it with a bearer
// token obtained from the control plane's token endpoint, and relays the
// command result back to the client.
package proxy
