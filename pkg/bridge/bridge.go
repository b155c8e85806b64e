// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package bridge turns one inbound JSON-RPC line into at most one response.
// The MCP handshake (initialize, ping) is answered locally; every other
// request is tunnelled to the control plane unchanged.
package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"

	"github.com/go-core-stack/mcp-command-proxy/pkg/config"
	"github.com/go-core-stack/mcp-command-proxy/pkg/dispatch"
	"github.com/go-core-stack/mcp-command-proxy/pkg/jsonrpc"
)

// Executor forwards a request to the remote side.
type Executor interface {
	Execute(ctx context.Context, req *jsonrpc.Request) (dispatch.Outcome, error)
}

// Processor is stateless across calls and safe for concurrent use.
type Processor struct {
	initialize json.RawMessage
	exec       Executor
	logger     zerolog.Logger
}

type toolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

type serverCapabilities struct {
	Tools toolsCapability `json:"tools"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
}

// New builds a Processor advertising cfg.Name / version on initialize.
func New(cfg config.Config, version string, exec Executor, logger zerolog.Logger) (*Processor, error) {
	initialize, err := json.Marshal(initializeResult{
		ProtocolVersion: cfg.ProtocolVersion,
		ServerInfo: mcp.Implementation{
			Name:    cfg.Name,
			Version: version,
		},
	})
	if err != nil {
		return nil, err
	}
	return &Processor{
		initialize: initialize,
		exec:       exec,
		logger:     logger.With().Str("component", "bridge").Logger(),
	}, nil
}

// Process handles one raw line. It returns nil for notifications and never
// fails: every problem is reported as a JSON-RPC error response.
func (p *Processor) Process(ctx context.Context, line []byte) *jsonrpc.Response {
	logger := p.loggerFor(ctx)

	req, id, rpcErr := jsonrpc.Decode(line)
	if rpcErr != nil {
		logger.Warn().Str("error", rpcErr.Message).Msg("rejected malformed message")
		return jsonrpc.NewErrorResponse(id, rpcErr)
	}

	if req.IsNotification() {
		logger.Debug().Str("method", req.Method).Msg("notification dropped")
		return nil
	}

	switch req.Method {
	case string(mcp.MethodInitialize):
		logger.Info().Msg("initialize answered locally")
		return jsonrpc.NewResult(req.ID, p.initialize)
	case string(mcp.MethodPing):
		return jsonrpc.NewResult(req.ID, nil)
	}

	start := time.Now()
	outcome, err := p.exec.Execute(ctx, req)
	if err != nil {
		logger.Error().
			Err(err).
			Str("method", req.Method).
			Dur("duration", time.Since(start)).
			Msg("forwarding failed")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewInternalError("%s", err.Error()))
	}

	logger.Debug().
		Str("method", req.Method).
		Bool("remote_error", outcome.Error != nil).
		Dur("duration", time.Since(start)).
		Msg("request forwarded")

	if outcome.Error != nil {
		return jsonrpc.NewErrorResponse(req.ID, outcome.Error)
	}
	return jsonrpc.NewResult(req.ID, outcome.Result)
}

// loggerFor prefers the per-line logger the transport stores in ctx.
func (p *Processor) loggerFor(ctx context.Context) zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l.With().Str("component", "bridge").Logger()
	}
	return p.logger
}
