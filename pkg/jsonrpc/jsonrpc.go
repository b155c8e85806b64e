// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package jsonrpc holds the JSON-RPC 2.0 wire types exchanged with the MCP
// client over stdio, along with the decoding and classification rules the
// bridge applies to every inbound line.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	// Version is the only accepted value of the "jsonrpc" member.
	Version = mcp.JSONRPC_VERSION

	// CodeInternalError is reported for every recovered failure.
	CodeInternalError = mcp.INTERNAL_ERROR

	// NotificationPrefix marks methods that never receive a response, even
	// when the client attached an id.
	NotificationPrefix = "notifications/"
)

// nullID is emitted whenever the originating request id is unknown.
var nullID = json.RawMessage("null")

// Request is a decoded inbound message. Fields keeps every top-level member
// except "jsonrpc" and "id" so it can be forwarded verbatim.
type Request struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage
	Fields map[string]json.RawMessage
}

// HasID reports whether the id member was present on the wire. An explicit
// null counts as present.
func (r *Request) HasID() bool {
	return len(r.ID) > 0
}

// IsNotification reports whether the message must not be answered.
func (r *Request) IsNotification() bool {
	return !r.HasID() || strings.HasPrefix(r.Method, NotificationPrefix)
}

// Error is the JSON-RPC error object. It doubles as the failure variant of
// the decode and dispatch steps.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewInternalError builds a -32603 error with the provided message.
func NewInternalError(format string, args ...any) *Error {
	return &Error{Code: CodeInternalError, Message: fmt.Sprintf(format, args...)}
}

// Response is the outbound message. Exactly one of Result / Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewResult wraps a successful payload. A nil payload becomes an empty object
// so that the response always carries a result member.
func NewResult(id, result json.RawMessage) *Response {
	if len(result) == 0 {
		result = json.RawMessage("{}")
	}
	return &Response{JSONRPC: Version, ID: normalizeID(id), Result: result}
}

// NewErrorResponse wraps a failure. A missing id is reported as null.
func NewErrorResponse(id json.RawMessage, rpcErr *Error) *Response {
	return &Response{JSONRPC: Version, ID: normalizeID(id), Error: rpcErr}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return nullID
	}
	return id
}

// Decode parses one line into a Request. On failure it returns the id it
// managed to recover (nil when the line is not a JSON object) together with
// the error object to report.
func Decode(line []byte) (*Request, json.RawMessage, *Error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return nil, nil, NewInternalError("parse error: %v", err)
	}
	if fields == nil {
		return nil, nil, NewInternalError("parse error: message must be a JSON object")
	}

	id := fields["id"]

	var version string
	if raw, ok := fields["jsonrpc"]; !ok || json.Unmarshal(raw, &version) != nil || version != Version {
		return nil, id, NewInternalError("invalid request: jsonrpc must be %q", Version)
	}

	var method string
	if raw, ok := fields["method"]; !ok || json.Unmarshal(raw, &method) != nil || method == "" {
		return nil, id, NewInternalError("invalid request: method is required")
	}

	delete(fields, "jsonrpc")
	delete(fields, "id")

	return &Request{
		ID:     id,
		Method: method,
		Params: fields["params"],
		Fields: fields,
	}, id, nil
}

// Encode renders a response as a single line without the trailing newline.
func Encode(resp *Response) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(resp); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
