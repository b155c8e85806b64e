// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package dispatch forwards JSON-RPC calls to the control plane as signed
// mcp-exec commands and classifies what comes back.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/go-core-stack/mcp-command-proxy/pkg/config"
	"github.com/go-core-stack/mcp-command-proxy/pkg/jsonrpc"
)

// CommandType tags every forwarded command.
const CommandType = "mcp-exec"

const maxResponseBody = 16 << 20

// Authorizer attaches credentials to an outbound request.
type Authorizer interface {
	Authorize(req *http.Request) error
}

// Envelope is the body POSTed to the command endpoint. Exactly one of
// AgentID and Selector is populated.
type Envelope struct {
	Command  Command           `json:"command"`
	AgentID  string            `json:"agent_id,omitempty"`
	Selector map[string]string `json:"selector,omitempty"`
}

// Command carries the forwarded JSON-RPC members.
type Command struct {
	Type string                     `json:"type"`
	Data map[string]json.RawMessage `json:"data"`
}

// Outcome is what the remote side answered for one call: either a result
// payload or a JSON-RPC error object it reported itself.
type Outcome struct {
	Result json.RawMessage
	Error  *jsonrpc.Error
}

// Dispatcher issues commands against a single control-plane endpoint.
type Dispatcher struct {
	// UserAgent is sent on every command when set.
	UserAgent string

	cfg    config.Config
	client *http.Client
	auth   Authorizer
	logger zerolog.Logger
}

// New constructs a Dispatcher routing to the agent or selector in cfg.
func New(cfg config.Config, client *http.Client, auth Authorizer, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		client: client,
		auth:   auth,
		logger: logger.With().Str("component", "dispatch").Logger(),
	}
}

// Envelope wraps req for the command endpoint. The agent id takes
// precedence over the selector.
func (d *Dispatcher) Envelope(req *jsonrpc.Request) Envelope {
	env := Envelope{Command: Command{Type: CommandType, Data: req.Fields}}
	if d.cfg.UsesAgentID() {
		env.AgentID = d.cfg.AgentID
	} else {
		env.Selector = d.cfg.Selector
	}
	return env
}

// Execute forwards req and returns the remote outcome. Credential failures
// are returned as *auth.Error, everything else as *RemoteError.
func (d *Dispatcher) Execute(ctx context.Context, req *jsonrpc.Request) (Outcome, error) {
	body, err := json.Marshal(d.Envelope(req))
	if err != nil {
		return Outcome{}, &RemoteError{Err: fmt.Errorf("encode envelope: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.APIEndpoint.String(), bytes.NewReader(body))
	if err != nil {
		return Outcome{}, &RemoteError{Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if d.UserAgent != "" {
		httpReq.Header.Set("User-Agent", d.UserAgent)
	}

	if err := d.auth.Authorize(httpReq); err != nil {
		return Outcome{}, err
	}

	start := time.Now()
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return Outcome{}, wrapTransportError(err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			d.logger.Error().Err(closeErr).Msg("close command response body failed")
		}
	}()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Outcome{}, &RemoteError{Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	event := d.logger.Debug().
		Str("method", req.Method).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start))

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		event.Msg("command rejected")
		return Outcome{}, &RemoteError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(payload))}
	}
	event.Msg("command executed")

	if len(bytes.TrimSpace(payload)) == 0 {
		return Outcome{}, nil
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		// Well-formed JSON that is not an object carries no result member.
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return Outcome{}, nil
		}
		return Outcome{}, &RemoteError{
			Status: resp.StatusCode,
			Body:   string(bytes.TrimSpace(payload)),
			Err:    fmt.Errorf("decode response: %w", err),
		}
	}
	return Classify(envelope.Result), nil
}

// Classify turns the remote result payload into an Outcome. A payload that
// already looks like a JSON-RPC reply (has "result" or "error") passes through
// as that reply; anything else is the result itself.
func Classify(payload json.RawMessage) Outcome {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Outcome{}
	}

	var members map[string]json.RawMessage
	if trimmed[0] != '{' || json.Unmarshal(trimmed, &members) != nil {
		return Outcome{Result: trimmed}
	}

	if raw, ok := members["error"]; ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return Outcome{Error: remoteError(raw)}
	}
	if raw, ok := members["result"]; ok {
		return Outcome{Result: raw}
	}
	return Outcome{Result: trimmed}
}

// remoteError converts a non-null "error" member into a JSON-RPC error. Code
// and message are kept when present; otherwise the code is -32603 and the
// message is the raw error text.
func remoteError(raw json.RawMessage) *jsonrpc.Error {
	var rpcErr jsonrpc.Error
	if err := json.Unmarshal(raw, &rpcErr); err == nil && rpcErr.Message != "" {
		if rpcErr.Code == 0 {
			rpcErr.Code = jsonrpc.CodeInternalError
		}
		return &rpcErr
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil || text == "" {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			buf.Reset()
			buf.Write(bytes.TrimSpace(raw))
		}
		text = buf.String()
	}

	code := rpcErr.Code
	if code == 0 {
		code = jsonrpc.CodeInternalError
	}
	return &jsonrpc.Error{Code: code, Message: text, Data: rpcErr.Data}
}

func wrapTransportError(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &RemoteError{Status: http.StatusGatewayTimeout, Err: err}
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return &RemoteError{Status: http.StatusGatewayTimeout, Err: err}
		}
	}
	return &RemoteError{Err: fmt.Errorf("perform request: %w", err)}
}

// RemoteError reports a failed round trip to the command endpoint.
type RemoteError struct {
	Status int    // Status is the HTTP status, zero when no response arrived.
	Body   string // Body is the endpoint's response body, if any.
	Err    error  // Err retains the original cause.
}

func (e *RemoteError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("remote call failed: status %d: %v", e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("remote call failed: status %d: %s", e.Status, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("remote call failed: %v", e.Err)
	default:
		return "remote call failed"
	}
}

// Unwrap exposes the underlying error for errors.Is / errors.As checks.
func (e *RemoteError) Unwrap() error {
	return e.Err
}
