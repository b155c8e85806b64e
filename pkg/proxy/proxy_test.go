// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/go-core-stack/mcp-command-proxy/pkg/config"
)

type controlPlane struct {
	server       *httptest.Server
	tokenCalls   int32
	commandCalls int32
	failNext     int32
	lastEnvelope atomic.Value
	lastAuth     atomic.Value
	commandBody  atomic.Value
}

func newControlPlane(t *testing.T) *controlPlane {
	t.Helper()
	cp := &controlPlane{}
	cp.commandBody.Store(`{"result":{"ok":true}}`)

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&cp.tokenCalls, 1)
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["apikey"] != "key-id" {
			http.Error(w, `{"error":"bad api key"}`, http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":     "access-1",
			"refresh_token":    "refresh-1",
			"organization_id":  "org-1",
			"token_expires_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		})
	})
	mux.HandleFunc("/api/v1/commands", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&cp.commandCalls, 1)
		cp.lastAuth.Store(r.Header.Get("Authorization"))
		payload, _ := io.ReadAll(r.Body)
		cp.lastEnvelope.Store(string(payload))

		if atomic.CompareAndSwapInt32(&cp.failNext, 1, 0) {
			http.Error(w, "agent unreachable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, cp.commandBody.Load().(string))
	})

	cp.server = httptest.NewServer(mux)
	t.Cleanup(cp.server.Close)
	return cp
}

func newTestProxy(t *testing.T, cp *controlPlane, overrides ...func(*config.Config)) *Proxy {
	t.Helper()

	endpoint, err := url.Parse(cp.server.URL + "/api/v1/commands")
	if err != nil {
		t.Fatalf("parse endpoint: %v", err)
	}
	authURL, err := url.Parse(cp.server.URL + "/auth")
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}

	cfg := config.Config{
		APIKey:          "key-id",
		Name:            "fleet",
		AgentID:         "agent-7",
		APIEndpoint:     endpoint,
		AuthURL:         authURL,
		LogLevel:        "info",
		RequestTimeout:  time.Second,
		ProtocolVersion: "2025-06-18",
		MaxInFlight:     1,
		ShutdownTimeout: time.Second,
	}
	for _, override := range overrides {
		override(&cfg)
	}

	p, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("create proxy: %v", err)
	}
	return p
}

func serveLines(t *testing.T, p *Proxy, lines ...string) []string {
	t.Helper()
	var out strings.Builder
	in := strings.NewReader(strings.Join(lines, "\n") + "\n")
	if err := p.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("serve: %v", err)
	}
	trimmed := strings.TrimRight(out.String(), "\n")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

func TestProxyPingIsAnsweredLocally(t *testing.T) {
	cp := newControlPlane(t)
	p := newTestProxy(t, cp)

	got := serveLines(t, p, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)

	if len(got) != 1 || got[0] != `{"jsonrpc":"2.0","id":1,"result":{}}` {
		t.Fatalf("unexpected output: %q", got)
	}
	if calls := atomic.LoadInt32(&cp.tokenCalls) + atomic.LoadInt32(&cp.commandCalls); calls != 0 {
		t.Fatalf("expected no outbound calls, got %d", calls)
	}
}

func TestProxyInitializeIsAnsweredLocally(t *testing.T) {
	cp := newControlPlane(t)
	p := newTestProxy(t, cp)

	got := serveLines(t, p,
		`{"jsonrpc":"2.0","id":0,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
	)

	if len(got) != 1 {
		t.Fatalf("expected a single response, got %q", got)
	}
	var resp struct {
		ID     int `json:"id"`
		Result struct {
			ProtocolVersion string `json:"protocolVersion"`
			ServerInfo      struct {
				Name    string `json:"name"`
				Version string `json:"version"`
			} `json:"serverInfo"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(got[0]), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Result.ProtocolVersion != "2025-06-18" {
		t.Fatalf("unexpected protocol version %q", resp.Result.ProtocolVersion)
	}
	if resp.Result.ServerInfo.Name != "fleet" || resp.Result.ServerInfo.Version != Version {
		t.Fatalf("unexpected server info %+v", resp.Result.ServerInfo)
	}
	if calls := atomic.LoadInt32(&cp.tokenCalls) + atomic.LoadInt32(&cp.commandCalls); calls != 0 {
		t.Fatalf("expected no outbound calls, got %d", calls)
	}
}

func TestProxyForwardsAndSignsCommands(t *testing.T) {
	cp := newControlPlane(t)
	p := newTestProxy(t, cp)

	got := serveLines(t, p,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"restart","arguments":{"svc":"db"}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/list"}`,
	)

	want := []string{
		`{"jsonrpc":"2.0","id":2,"result":{"ok":true}}`,
		`{"jsonrpc":"2.0","id":3,"result":{"ok":true}}`,
	}
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("unexpected output:\n%s", strings.Join(got, "\n"))
	}
	if calls := atomic.LoadInt32(&cp.tokenCalls); calls != 1 {
		t.Fatalf("expected the token to be fetched once, got %d", calls)
	}
	if auth := cp.lastAuth.Load(); auth != "Bearer access-1" {
		t.Fatalf("unexpected authorization header %v", auth)
	}

	var envelope map[string]any
	if err := json.Unmarshal([]byte(cp.lastEnvelope.Load().(string)), &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope["agent_id"] != "agent-7" {
		t.Fatalf("expected agent_id routing, got %v", envelope)
	}
	if _, ok := envelope["selector"]; ok {
		t.Fatalf("selector must be omitted when routing by agent id: %v", envelope)
	}
	command, _ := envelope["command"].(map[string]any)
	if command["type"] != "mcp-exec" {
		t.Fatalf("unexpected command type: %v", command)
	}
	data, _ := command["data"].(map[string]any)
	if data["method"] != "tools/list" {
		t.Fatalf("unexpected command data: %v", data)
	}
	if _, ok := data["jsonrpc"]; ok {
		t.Fatalf("jsonrpc member must not be forwarded: %v", data)
	}
	if _, ok := data["id"]; ok {
		t.Fatalf("id member must not be forwarded: %v", data)
	}
}

func TestProxyKeepsServingAfterRemoteFailure(t *testing.T) {
	cp := newControlPlane(t)
	atomic.StoreInt32(&cp.failNext, 1)
	p := newTestProxy(t, cp)

	got := serveLines(t, p,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{}}`,
		`not json at all`,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{}}`,
	)

	if len(got) != 3 {
		t.Fatalf("expected three responses, got %q", got)
	}

	var first struct {
		ID    int `json:"id"`
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(got[0]), &first); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if first.ID != 2 || first.Error.Code != -32603 {
		t.Fatalf("unexpected error response: %s", got[0])
	}
	if !strings.Contains(first.Error.Message, "status 500") || !strings.Contains(first.Error.Message, "agent unreachable") {
		t.Fatalf("error message should carry status and body: %q", first.Error.Message)
	}
	if !strings.HasPrefix(got[1], `{"jsonrpc":"2.0","id":null,"error":{"code":-32603`) {
		t.Fatalf("unexpected parse error response: %s", got[1])
	}
	if got[2] != `{"jsonrpc":"2.0","id":4,"result":{"ok":true}}` {
		t.Fatalf("proxy did not recover: %s", got[2])
	}
}

func TestProxyRelaysRemoteErrorWithoutMessage(t *testing.T) {
	cp := newControlPlane(t)
	cp.commandBody.Store(`{"result":{"error":"agent offline"}}`)
	p := newTestProxy(t, cp)

	got := serveLines(t, p, `{"jsonrpc":"2.0","id":6,"method":"tools/call"}`)

	want := `{"jsonrpc":"2.0","id":6,"error":{"code":-32603,"message":"agent offline"}}`
	if len(got) != 1 || got[0] != want {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestProxyReportsAuthFailure(t *testing.T) {
	cp := newControlPlane(t)
	p := newTestProxy(t, cp, func(cfg *config.Config) { cfg.APIKey = "wrong" })

	got := serveLines(t, p, `{"jsonrpc":"2.0","id":5,"method":"tools/call"}`)

	if len(got) != 1 {
		t.Fatalf("expected one response, got %q", got)
	}
	if !strings.Contains(got[0], `"id":5`) || !strings.Contains(got[0], "auth fetch failed: status 401") {
		t.Fatalf("unexpected response: %s", got[0])
	}
	if calls := atomic.LoadInt32(&cp.commandCalls); calls != 0 {
		t.Fatalf("command endpoint must not be called without a token, got %d", calls)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	if _, err := New(config.Config{}, zerolog.Nop()); err == nil {
		t.Fatal("expected validation error")
	}
}
