// Package config loads the server configuration. Flag defaults are
// overridden by an optional YAML file, then by the environment, then by
// flags set on the command line.
package config

import (
	"slices"
	"time"

	"github.com/hupe1980/actionmesh/core"
	"github.com/hupe1980/actionmesh/logging"
	"github.com/hupe1980/actionmesh/pending"
	"github.com/hupe1980/actionmesh/stream"
	"github.com/hupe1980/actionmesh/token"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// SecretEnv names the environment variable holding the approval secret.
const SecretEnv = "ACTIONMESH_SECRET"

// envKeys maps the environment variables Load reads to configuration keys.
var envKeys = map[string]string{
	SecretEnv: "approval.secret",
}

// Replay guard backends.
const (
	GuardNone   = "none"
	GuardMemory = "memory"
	GuardSQLite = "sqlite"
	GuardRedis  = "redis"
)

// Model providers.
const (
	ProviderMock      = "mock"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config is the complete server configuration.
type Config struct {
	Server   Server   `koanf:"server"`
	Metrics  Metrics  `koanf:"metrics"`
	Log      Log      `koanf:"log"`
	Engine   Engine   `koanf:"engine"`
	Approval Approval `koanf:"approval"`
	Model    Model    `koanf:"model"`
}

// Server configures the SSE endpoint.
type Server struct {
	Addr         string `koanf:"addr"`
	MaxBodyBytes int64  `koanf:"max_body_bytes"`
}

// Metrics configures the observability listener. An empty Addr disables it.
type Metrics struct {
	Addr string `koanf:"addr"`
}

// Log configures logging.
type Log struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// Engine mirrors engine.Config.
type Engine struct {
	MaxSteps           int               `koanf:"max_steps"`
	EmitStepLimitEvent bool              `koanf:"emit_step_limit_event"`
	ExposeStack        bool              `koanf:"expose_stack"`
	DefaultAction      string            `koanf:"default_action"`
	Routes             map[string]string `koanf:"routes"`
}

// Approval configures human approval of sensitive actions.
type Approval struct {
	Secret      string        `koanf:"secret"`
	TTL         time.Duration `koanf:"ttl"`
	Require     []string      `koanf:"require"`
	ReplayGuard string        `koanf:"replay_guard"`
	SQLitePath  string        `koanf:"sqlite_path"`
	RedisAddr   string        `koanf:"redis_addr"`
}

// Model selects the language model behind the chat brain.
type Model struct {
	Provider string `koanf:"provider"`
	Name     string `koanf:"name"`
}

// RegisterFlags adds the configuration flags with their defaults to fs.
// Flag names are the dotted configuration keys.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("server.addr", ":8080", "SSE listen address")
	fs.Int64("server.max_body_bytes", stream.DefaultMaxBodyBytes, "maximum request body size")
	fs.String("metrics.addr", ":9100", "metrics and health listen address (empty disables)")
	fs.String("log.format", "json", "log format (json|text)")
	fs.String("log.level", "info", "log level (debug|info|warn|error)")
	fs.Int("engine.max_steps", core.DefaultMaxSteps, "maximum actions per run")
	fs.Bool("engine.emit_step_limit_event", false, "emit a step-limit event when a run is cut off")
	fs.Bool("engine.expose_stack", false, "include stack traces in error events")
	fs.String("engine.default_action", "", "action handling unrouted event types")
	fs.String("approval.secret", "", "approval token secret, at least 32 bytes (or "+SecretEnv+")")
	fs.Duration("approval.ttl", pending.DefaultTTL, "approval token lifetime")
	fs.StringSlice("approval.require", []string{"charge"}, "action name patterns requiring approval")
	fs.String("approval.replay_guard", GuardMemory, "replay guard (none|memory|sqlite|redis)")
	fs.String("approval.sqlite_path", "actionmesh.db", "sqlite replay guard database")
	fs.String("approval.redis_addr", "localhost:6379", "redis replay guard address")
	fs.String("model.provider", ProviderMock, "model provider (mock|openai|anthropic)")
	fs.String("model.name", "", "provider model name (empty uses the provider default)")
}

// Load reads the configuration. path may be empty.
func Load(fs *pflag.FlagSet, path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.In("config").With("path", path).Wrapf(err, "loading config file")
		}
	}
	if err := k.Load(env.ProviderWithValue("ACTIONMESH_", ".", envValue), nil); err != nil {
		return nil, oops.In("config").Wrapf(err, "loading environment")
	}
	if fs != nil {
		if err := k.Load(posflag.Provider(fs, ".", k), nil); err != nil {
			return nil, oops.In("config").Wrapf(err, "loading flags")
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.In("config").Wrapf(err, "decoding config")
	}
	return &cfg, nil
}

// envValue maps an environment variable to its configuration key. Unknown
// and empty variables are skipped.
func envValue(name, value string) (string, any) {
	if value == "" {
		return "", nil
	}
	return envKeys[name], value
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	errb := oops.In("config").Code("INVALID_CONFIG")

	if c.Server.Addr == "" {
		return errb.Errorf("server.addr is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return errb.With("max_body_bytes", c.Server.MaxBodyBytes).Errorf("server.max_body_bytes must be positive")
	}
	if !slices.Contains([]string{"json", "text"}, c.Log.Format) {
		return errb.With("format", c.Log.Format).Errorf("log.format must be json or text")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return errb.With("level", c.Log.Level).Wrap(err)
	}
	if c.Engine.MaxSteps <= 0 {
		return errb.With("max_steps", c.Engine.MaxSteps).Errorf("engine.max_steps must be positive")
	}
	if c.Approval.Secret != "" && len(c.Approval.Secret) < token.MinSecretBytes {
		return errb.With("min_bytes", token.MinSecretBytes).Errorf("approval.secret is too short")
	}
	if c.Approval.TTL <= 0 {
		return errb.With("ttl", c.Approval.TTL).Errorf("approval.ttl must be positive")
	}
	switch c.Approval.ReplayGuard {
	case GuardNone, GuardMemory:
	case GuardSQLite:
		if c.Approval.SQLitePath == "" {
			return errb.Errorf("approval.sqlite_path is required for the sqlite replay guard")
		}
	case GuardRedis:
		if c.Approval.RedisAddr == "" {
			return errb.Errorf("approval.redis_addr is required for the redis replay guard")
		}
	default:
		return errb.With("replay_guard", c.Approval.ReplayGuard).Errorf("unknown replay guard %q", c.Approval.ReplayGuard)
	}
	switch c.Model.Provider {
	case ProviderMock, ProviderOpenAI, ProviderAnthropic:
	default:
		return errb.With("provider", c.Model.Provider).Errorf("unknown model provider %q", c.Model.Provider)
	}
	return nil
}

// Secret returns the approval secret. Without a configured secret a random
// one is generated and a warning logged; tokens then die with the process.
func (c *Config) Secret(logger logging.Logger) ([]byte, error) {
	if c.Approval.Secret != "" {
		return []byte(c.Approval.Secret), nil
	}
	secret, err := token.GenerateSecret()
	if err != nil {
		return nil, err
	}
	logger.Warn("no approval secret configured, using a random one; pending approvals will not survive a restart", "env", SecretEnv)
	return secret, nil
}
