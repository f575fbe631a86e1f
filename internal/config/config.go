// Package config loads gateway configuration from an optional YAML file,
// GATEWAY_* environment variables and command-line flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode      string          `mapstructure:"mode"`
	Port      int             `mapstructure:"port"`
	DBPath    string          `mapstructure:"db_path"`
	LogLevel  string          `mapstructure:"log_level"`
	LogFormat string          `mapstructure:"log_format"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Backplane BackplaneConfig `mapstructure:"backplane"`
	Terminal  TerminalConfig  `mapstructure:"terminal"`
	WS        WSConfig        `mapstructure:"ws"`
}

type AuthConfig struct {
	Secret string `mapstructure:"secret"`
	// AllowAnonymous admits connections whose credential is missing or
	// rejected as anonymous guests instead of refusing them.
	AllowAnonymous bool `mapstructure:"allow_anonymous"`
}

type BackplaneConfig struct {
	Driver  string `mapstructure:"driver"` // "memory" or "nats"
	NodeID  string `mapstructure:"node_id"`
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
	Bucket  string `mapstructure:"bucket"`
	// MemberTTL bounds how long a crashed node's memberships and terminal
	// claims outlive it. Live nodes refresh theirs.
	MemberTTL time.Duration `mapstructure:"member_ttl"`
}

type TerminalConfig struct {
	GracePeriod  time.Duration `mapstructure:"grace_period"`
	HistoryBytes int           `mapstructure:"history_bytes"`
	RecordDir    string        `mapstructure:"record_dir"`
	Rows         uint16        `mapstructure:"rows"`
	Cols         uint16        `mapstructure:"cols"`
	// RequireAuth refuses terminal access to anonymous connections.
	RequireAuth bool `mapstructure:"require_auth"`
}

type WSConfig struct {
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("db_path", "data/gateway.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.allow_anonymous", true)

	v.SetDefault("backplane.driver", "memory")
	v.SetDefault("backplane.node_id", "")
	v.SetDefault("backplane.nats_url", "nats://localhost:4222")
	v.SetDefault("backplane.subject", "gateway.emit")
	v.SetDefault("backplane.bucket", "GATEWAY_ROOMS")
	v.SetDefault("backplane.member_ttl", "30s")

	v.SetDefault("terminal.grace_period", "5s")
	v.SetDefault("terminal.history_bytes", 64*1024)
	v.SetDefault("terminal.record_dir", "")
	v.SetDefault("terminal.rows", 24)
	v.SetDefault("terminal.cols", 80)
	v.SetDefault("terminal.require_auth", false)

	v.SetDefault("ws.read_limit", 32768)
	v.SetDefault("ws.ping_period", "54s")
	v.SetDefault("ws.pong_wait", "60s")
	v.SetDefault("ws.write_wait", "10s")
	v.SetDefault("ws.send_buffer", 256)
	v.SetDefault("ws.allowed_origins", []string{})
}

// Load reads configuration. file may be empty, in which case only defaults,
// environment and flags apply. flags may be nil.
func Load(file string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	switch c.Backplane.Driver {
	case "memory", "nats":
	default:
		return fmt.Errorf("unknown backplane driver %q", c.Backplane.Driver)
	}
	if c.Backplane.MemberTTL < 0 {
		return fmt.Errorf("backplane.member_ttl must not be negative")
	}
	if c.Terminal.GracePeriod < 0 {
		return fmt.Errorf("terminal.grace_period must not be negative")
	}
	if c.Terminal.HistoryBytes <= 0 {
		return fmt.Errorf("terminal.history_bytes must be positive")
	}
	if c.WS.PingPeriod >= c.WS.PongWait {
		return fmt.Errorf("ws.ping_period must be shorter than ws.pong_wait")
	}
	return nil
}
