// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/go-core-stack/mcp-command-proxy/pkg/auth"
	"github.com/go-core-stack/mcp-command-proxy/pkg/bridge"
	"github.com/go-core-stack/mcp-command-proxy/pkg/config"
	"github.com/go-core-stack/mcp-command-proxy/pkg/dispatch"
	"github.com/go-core-stack/mcp-command-proxy/pkg/stdio"
)

// Version is reported in serverInfo and the User-Agent header. It is
// overridden at build time with -ldflags "-X ...proxy.Version=<v>".
var Version = "dev"

// Proxy owns every component built from one configuration.
type Proxy struct {
	// cfg keeps runtime knobs such as the endpoints and routing target.
	cfg config.Config
	// client performs outbound HTTP requests with tuned transport settings.
	client *http.Client
	// processor turns lines into responses.
	processor *bridge.Processor
	// logger emits structured logs for observability.
	logger zerolog.Logger
}

// New constructs a Proxy backed by an http.Client configured with sensible
// connection pooling defaults and the provided runtime configuration.
func New(cfg config.Config, logger zerolog.Logger) (*Proxy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Build a transport that honours system proxies and keeps connections warm.
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify, // nolint:gosec -- opt-in for development scenarios
		},
	}

	client := &http.Client{
		Timeout:   cfg.RequestTimeout,
		Transport: transport,
	}

	tokens := auth.NewTokenSource(cfg.APIKey, cfg.AuthURL, client, logger)

	dispatcher := dispatch.New(cfg, client, tokens, logger)
	dispatcher.UserAgent = cfg.Name + "/" + Version

	processor, err := bridge.New(cfg, Version, dispatcher, logger)
	if err != nil {
		return nil, fmt.Errorf("build processor: %w", err)
	}

	return &Proxy{
		cfg:       cfg,
		client:    client,
		processor: processor,
		logger:    logger.With().Str("component", "proxy").Logger(),
	}, nil
}

// Serve pumps JSON-RPC lines from in to out until EOF or ctx is cancelled.
func (p *Proxy) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	event := p.logger.Info().
		Str("api_endpoint", p.cfg.APIEndpoint.String()).
		Str("auth_url", p.cfg.AuthURL.String()).
		Int("max_in_flight", p.cfg.MaxInFlight)
	if p.cfg.UsesAgentID() {
		event = event.Str("agent_id", p.cfg.AgentID)
	} else {
		event = event.Str("selector", config.SelectorString(p.cfg.Selector))
	}
	event.Msg("starting MCP command proxy")

	if p.cfg.UsesAgentID() && len(p.cfg.Selector) > 0 {
		p.logger.Warn().Msg("both agent id and selector configured; routing by agent id")
	}

	srv := stdio.New(p.processor, in, out, stdio.Options{
		MaxInFlight:  p.cfg.MaxInFlight,
		DrainTimeout: p.cfg.ShutdownTimeout,
	}, p.logger)

	err := srv.Serve(ctx)
	p.client.CloseIdleConnections()
	p.logger.Info().Msg("proxy stopped")
	return err
}
