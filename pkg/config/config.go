// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix         = "MCP_PROXY"
	envSelectorMarker = envPrefix + "_SELECTOR_"

	flagAPIKey             = "api-key"
	flagName               = "name"
	flagAgentID            = "agent-id"
	flagSelector           = "selector"
	flagAPIEndpoint        = "api-endpoint"
	flagAuthURL            = "auth-url"
	flagLogPath            = "log-path"
	flagDebug              = "debug"
	flagLogLevel           = "log-level"
	flagRequestTimeout     = "request-timeout"
	flagInsecureSkipVerify = "insecure-skip-verify"
	flagProtocolVersion    = "protocol-version"
	flagMaxInFlight        = "max-in-flight"
	flagShutdownTimeout    = "shutdown-timeout"
	flagEnvFile            = "env-file"

	defaultName            = "mcp-command-proxy"
	defaultLogLevel        = "info"
	defaultRequestTimeout  = 30 * time.Second
	defaultMaxInFlight     = 16
	defaultShutdownTimeout = 5 * time.Second
	defaultEnvFile         = ".env"
	defaultAuthPath        = "/auth"
)

// Config captures runtime settings for the proxy. It is built once at
// startup and handed by value to every component.
type Config struct {
	APIKey             string
	Name               string
	AgentID            string
	Selector           map[string]string
	APIEndpoint        *url.URL
	AuthURL            *url.URL
	LogPath            string
	Debug              bool
	LogLevel           string
	RequestTimeout     time.Duration
	InsecureSkipVerify bool
	ProtocolVersion    string
	MaxInFlight        int
	ShutdownTimeout    time.Duration
}

// BindFlags registers the proxy flags. Every flag can also be supplied
// through an MCP_PROXY_* environment variable; the command line wins.
func BindFlags(flags *pflag.FlagSet) {
	flags.String(flagAPIKey, "", "API key exchanged for bearer tokens")
	flags.String(flagName, defaultName, "server name reported to the MCP client")
	flags.String(flagAgentID, "", "agent that receives forwarded commands")
	flags.String(flagSelector, "", "agent selector as key=value,key=value (ignored when --agent-id is set)")
	flags.String(flagAPIEndpoint, "", "control-plane command endpoint URL")
	flags.String(flagAuthURL, "", "token issuance base URL (defaults to <api origin>/auth)")
	flags.String(flagLogPath, "", "append logs to this file instead of stderr")
	flags.Bool(flagDebug, false, "enable debug logging")
	flags.String(flagLogLevel, defaultLogLevel, "log level (trace, debug, info, warn, error)")
	flags.Duration(flagRequestTimeout, defaultRequestTimeout, "timeout for each outbound HTTP call")
	flags.Bool(flagInsecureSkipVerify, false, "skip TLS verification of the control plane")
	flags.String(flagProtocolVersion, mcp.LATEST_PROTOCOL_VERSION, "MCP protocol version advertised on initialize")
	flags.Int(flagMaxInFlight, defaultMaxInFlight, "maximum number of lines processed concurrently")
	flags.Duration(flagShutdownTimeout, defaultShutdownTimeout, "time allowed for in-flight lines to finish on shutdown")
	flags.String(flagEnvFile, defaultEnvFile, "optional dotenv file loaded before reading the environment")
}

// Load resolves configuration with precedence command line > environment >
// default and validates the result.
func Load(flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}

	if err := loadEnvFile(v.GetString(flagEnvFile), flags.Changed(flagEnvFile)); err != nil {
		return Config{}, err
	}

	endpointRaw := strings.TrimSpace(v.GetString(flagAPIEndpoint))
	if endpointRaw == "" {
		return Config{}, errors.New("api endpoint is required (--api-endpoint or MCP_PROXY_API_ENDPOINT)")
	}
	endpoint, err := parseAbsolute(endpointRaw)
	if err != nil {
		return Config{}, fmt.Errorf("invalid api endpoint: %w", err)
	}

	authURL := &url.URL{Scheme: endpoint.Scheme, Host: endpoint.Host, Path: defaultAuthPath}
	if raw := strings.TrimSpace(v.GetString(flagAuthURL)); raw != "" {
		authURL, err = parseAbsolute(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid auth url: %w", err)
		}
	}

	selector, err := SelectorFromEnv(os.Environ())
	if err != nil {
		return Config{}, err
	}
	explicit, err := ParseSelector(v.GetString(flagSelector))
	if err != nil {
		return Config{}, err
	}
	for k, val := range explicit {
		selector[k] = val
	}

	debug := v.GetBool(flagDebug)
	level := strings.ToLower(strings.TrimSpace(v.GetString(flagLogLevel)))
	if debug {
		level = "debug"
	}

	cfg := Config{
		APIKey:             strings.TrimSpace(v.GetString(flagAPIKey)),
		Name:               strings.TrimSpace(v.GetString(flagName)),
		AgentID:            strings.TrimSpace(v.GetString(flagAgentID)),
		Selector:           selector,
		APIEndpoint:        endpoint,
		AuthURL:            authURL,
		LogPath:            strings.TrimSpace(v.GetString(flagLogPath)),
		Debug:              debug,
		LogLevel:           level,
		RequestTimeout:     v.GetDuration(flagRequestTimeout),
		InsecureSkipVerify: v.GetBool(flagInsecureSkipVerify),
		ProtocolVersion:    strings.TrimSpace(v.GetString(flagProtocolVersion)),
		MaxInFlight:        v.GetInt(flagMaxInFlight),
		ShutdownTimeout:    v.GetDuration(flagShutdownTimeout),
	}
	if cfg.Name == "" {
		cfg.Name = defaultName
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the invariants every component relies on.
func (c Config) Validate() error {
	if c.APIKey == "" {
		return errors.New("api key is required (--api-key or MCP_PROXY_API_KEY)")
	}
	if c.APIEndpoint == nil || !c.APIEndpoint.IsAbs() {
		return errors.New("api endpoint must be absolute (scheme://host)")
	}
	if c.AuthURL == nil || !c.AuthURL.IsAbs() {
		return errors.New("auth url must be absolute (scheme://host)")
	}
	if c.AgentID == "" && len(c.Selector) == 0 {
		return errors.New("either an agent id or a non-empty selector is required")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be positive")
	}
	if c.MaxInFlight < 1 {
		return errors.New("max in-flight must be at least 1")
	}
	if c.ProtocolVersion == "" {
		return errors.New("protocol version must not be empty")
	}
	return nil
}

// UsesAgentID reports whether commands are routed to a single agent.
func (c Config) UsesAgentID() bool {
	return c.AgentID != ""
}

// ParseSelector turns "k=v,k=v" into a map. Blank input yields an empty map.
func ParseSelector(raw string) (map[string]string, error) {
	selector := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid selector entry %q: expected key=value", pair)
		}
		selector[key] = strings.TrimSpace(value)
	}
	return selector, nil
}

// SelectorFromEnv collects MCP_PROXY_SELECTOR_<KEY>=<value> entries. Keys are
// lowercased.
func SelectorFromEnv(environ []string) (map[string]string, error) {
	selector := map[string]string{}
	for _, entry := range environ {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(name, envSelectorMarker) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(name, envSelectorMarker))
		if key == "" {
			return nil, fmt.Errorf("invalid selector variable %q: missing key", name)
		}
		selector[key] = value
	}
	return selector, nil
}

// SelectorString renders a selector deterministically for logs.
func SelectorString(selector map[string]string) string {
	keys := make([]string, 0, len(selector))
	for k := range selector {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+selector[k])
	}
	return strings.Join(parts, ",")
}

func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func parseAbsolute(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%q must be absolute (scheme://host)", raw)
	}
	return u, nil
}
