// Package config provides Viper-based configuration loading for the netplay node.
package config

import (
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Session modes.
const (
	ModeHost = "host"
	ModeJoin = "join"
	// ModeNone starts no session; one is chosen later through the command surface.
	ModeNone = "none"
)

// SessionConfig selects the role the node activates at startup.
type SessionConfig struct {
	// Mode is "host", "join" or "none".
	Mode string `mapstructure:"mode" yaml:"mode"`
	// BindHost is the wildcard address a host binds to.
	BindHost string `mapstructure:"bind_host" yaml:"bind_host"`
	// Port is the fixed UDP port a host binds.
	Port int `mapstructure:"port" yaml:"port"`
	// HostAddr is the "host:port" a joining client contacts.
	HostAddr string `mapstructure:"host_addr" yaml:"host_addr"`
	// GracePeriod bounds how long a stopping session may flush before hard cancellation.
	GracePeriod time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
}

// TransportConfig holds datagram socket settings.
type TransportConfig struct {
	// PollInterval bounds each blocking read so cancellation is observed promptly.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	// InboundBuffer is the capacity of the received-datagram channel.
	InboundBuffer int `mapstructure:"inbound_buffer" yaml:"inbound_buffer"`
	// OutboundBuffer is the capacity of the pending-send queue.
	OutboundBuffer int `mapstructure:"outbound_buffer" yaml:"outbound_buffer"`
	// MaxDatagram is the read buffer size in bytes.
	MaxDatagram int `mapstructure:"max_datagram" yaml:"max_datagram"`
}

// ClientConfig holds client router settings.
type ClientConfig struct {
	// HeartbeatInterval is the period of Idle heartbeats (and Join retries before the handshake completes).
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	// MaxTentativeAttempts is how many heartbeat periods a tentative host may stay unconfirmed.
	MaxTentativeAttempts int `mapstructure:"max_tentative_attempts" yaml:"max_tentative_attempts"`
}

// LivenessConfig holds the host's disconnect detection settings.
type LivenessConfig struct {
	// TickInterval is the period of the silence counter tick.
	TickInterval time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
	// Threshold is the number of silent ticks a client survives.
	Threshold int `mapstructure:"threshold" yaml:"threshold"`
}

// CodecConfig selects the wire encoding. Every participant must agree.
type CodecConfig struct {
	// Format is "json" or "cbor".
	Format string `mapstructure:"format" yaml:"format"`
}

// SimulationConfig holds the built-in lobby simulation settings.
type SimulationConfig struct {
	// TickRate is the number of snapshots per second.
	TickRate int `mapstructure:"tick_rate" yaml:"tick_rate"`
	// MaxEntities caps the number of controllable entities.
	MaxEntities int `mapstructure:"max_entities" yaml:"max_entities"`
}

// FrontendConfig holds the HTTP/WebSocket command surface settings.
type FrontendConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	// Port of the HTTP listener. 0 disables the command surface.
	Port int `mapstructure:"port" yaml:"port"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (f FrontendConfig) Addr() string {
	return net.JoinHostPort(f.Host, fmt.Sprintf("%d", f.Port))
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level" yaml:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format" yaml:"format"`
	// File, when set, adds a size-rotated log file next to stderr.
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// Config is the top-level application configuration.
type Config struct {
	Session    SessionConfig    `mapstructure:"session" yaml:"session"`
	Transport  TransportConfig  `mapstructure:"transport" yaml:"transport"`
	Client     ClientConfig     `mapstructure:"client" yaml:"client"`
	Liveness   LivenessConfig   `mapstructure:"liveness" yaml:"liveness"`
	Codec      CodecConfig      `mapstructure:"codec" yaml:"codec"`
	Simulation SimulationConfig `mapstructure:"simulation" yaml:"simulation"`
	Frontend   FrontendConfig   `mapstructure:"frontend" yaml:"frontend"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, err := range []error{
		validateSession(c.Session),
		validateTransport(c.Transport),
		validateClient(c.Client),
		validateLiveness(c.Liveness),
		validateCodec(c.Codec),
		validateSimulation(c.Simulation),
		validateFrontend(c.Frontend),
		validateLogging(c.Logging),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateSession(s SessionConfig) error {
	var errs []string
	switch s.Mode {
	case ModeHost:
		if s.Port < 0 || s.Port > 65535 {
			errs = append(errs, fmt.Sprintf("session.port must be 0-65535, got %d", s.Port))
		}
	case ModeJoin:
		if _, _, err := net.SplitHostPort(s.HostAddr); err != nil {
			errs = append(errs, fmt.Sprintf("session.host_addr must be host:port, got %q", s.HostAddr))
		}
	case ModeNone:
	default:
		errs = append(errs, fmt.Sprintf("session.mode must be one of [host, join, none], got %q", s.Mode))
	}
	if net.ParseIP(s.BindHost) == nil {
		errs = append(errs, fmt.Sprintf("session.bind_host must be an IP address, got %q", s.BindHost))
	}
	if s.GracePeriod < 0 {
		errs = append(errs, "session.grace_period must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateTransport(t TransportConfig) error {
	var errs []string
	if t.PollInterval <= 0 || t.PollInterval > time.Second {
		errs = append(errs, fmt.Sprintf("transport.poll_interval must be in (0, 1s], got %s", t.PollInterval))
	}
	if t.InboundBuffer < 1 {
		errs = append(errs, fmt.Sprintf("transport.inbound_buffer must be >= 1, got %d", t.InboundBuffer))
	}
	if t.OutboundBuffer < 1 {
		errs = append(errs, fmt.Sprintf("transport.outbound_buffer must be >= 1, got %d", t.OutboundBuffer))
	}
	if t.MaxDatagram < 512 || t.MaxDatagram > 65535 {
		errs = append(errs, fmt.Sprintf("transport.max_datagram must be 512-65535, got %d", t.MaxDatagram))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateClient(c ClientConfig) error {
	var errs []string
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, "client.heartbeat_interval must be positive")
	}
	if c.MaxTentativeAttempts < 1 {
		errs = append(errs, fmt.Sprintf("client.max_tentative_attempts must be >= 1, got %d", c.MaxTentativeAttempts))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLiveness(l LivenessConfig) error {
	var errs []string
	if l.TickInterval <= 0 {
		errs = append(errs, "liveness.tick_interval must be positive")
	}
	if l.Threshold < 1 {
		errs = append(errs, fmt.Sprintf("liveness.threshold must be >= 1, got %d", l.Threshold))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateCodec(c CodecConfig) error {
	validFormats := map[string]bool{"json": true, "cbor": true}
	if !validFormats[c.Format] {
		return fmt.Errorf("codec.format must be one of [json, cbor], got %q", c.Format)
	}
	return nil
}

func validateSimulation(s SimulationConfig) error {
	var errs []string
	if s.TickRate < 1 || s.TickRate > 240 {
		errs = append(errs, fmt.Sprintf("simulation.tick_rate must be 1-240, got %d", s.TickRate))
	}
	if s.MaxEntities < 1 {
		errs = append(errs, fmt.Sprintf("simulation.max_entities must be >= 1, got %d", s.MaxEntities))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateFrontend(f FrontendConfig) error {
	if f.Port < 0 || f.Port > 65535 {
		return fmt.Errorf("frontend.port must be 0-65535, got %d", f.Port)
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	if l.File != "" && l.MaxSizeMB < 1 {
		return fmt.Errorf("logging.max_size_mb must be >= 1 when logging.file is set, got %d", l.MaxSizeMB)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. An empty path loads defaults and environment only.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()

	// Environment variable overrides with NETPLAY_ prefix
	v.SetEnvPrefix("NETPLAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Dump writes cfg as YAML.
func Dump(w io.Writer, cfg Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return enc.Close()
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("session.mode", ModeHost)
	v.SetDefault("session.bind_host", "0.0.0.0")
	v.SetDefault("session.port", 7777)
	v.SetDefault("session.host_addr", "")
	v.SetDefault("session.grace_period", "250ms")

	v.SetDefault("transport.poll_interval", "20ms")
	v.SetDefault("transport.inbound_buffer", 256)
	v.SetDefault("transport.outbound_buffer", 256)
	v.SetDefault("transport.max_datagram", 65507)

	v.SetDefault("client.heartbeat_interval", "5s")
	v.SetDefault("client.max_tentative_attempts", 3)

	v.SetDefault("liveness.tick_interval", "1s")
	v.SetDefault("liveness.threshold", 60)

	v.SetDefault("codec.format", "json")

	v.SetDefault("simulation.tick_rate", 60)
	v.SetDefault("simulation.max_entities", 8)

	v.SetDefault("frontend.host", "127.0.0.1")
	v.SetDefault("frontend.port", 8080)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 7)
}

// Default returns the validated default configuration.
func Default() Config {
	cfg, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("config.Default: defaults do not validate: %v", err))
	}
	return cfg
}
