package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/yourusername/orion/safetynet/internal/vehicle"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// EnvPrefix prefixes every environment override, e.g. SAFETYNET_SAFE_ALTITUDE.
const EnvPrefix = "SAFETYNET_"

// Config holds the configuration for the orion-safetynet agent.
type Config struct {
	// VehicleID identifies the monitored vehicle in topics and journal entries (e.g., "copter-1")
	VehicleID string `yaml:"vehicle_id"`

	// SystemID is our MAVLink system id, stamped on mode commands
	SystemID int `yaml:"system_id"`

	// SafeAltitude is the activation altitude in meters above home
	SafeAltitude float64 `yaml:"safe_altitude"`

	// SafeMode is the mode commanded on activation
	SafeMode string `yaml:"safe_mode"`

	// MQTTBrokerURL is the vehicle link broker (e.g., "tcp://192.168.1.100:1883")
	MQTTBrokerURL string `yaml:"mqtt_broker"`

	// MQTTClientID is derived from VehicleID when empty
	MQTTClientID string `yaml:"mqtt_client_id"`

	// RedisAddr is the journal Redis address (empty disables the journal)
	RedisAddr string `yaml:"redis_addr"`

	// RedisPassword is the Redis authentication password (empty if none)
	RedisPassword string `yaml:"redis_password"`

	// StreamPrefix is the prefix for Redis stream names
	StreamPrefix string `yaml:"stream_prefix"`

	// MaxStreamLen bounds the journal stream (approximate trimming)
	MaxStreamLen int64 `yaml:"max_stream_len"`

	// HeartbeatIntervalSec is the interval between health heartbeats
	HeartbeatIntervalSec int `yaml:"heartbeat_interval"`

	// TelemetryTimeoutSec marks telemetry stale after this long without a message
	TelemetryTimeoutSec int `yaml:"telemetry_timeout"`

	// SnapshotTimeoutSec bounds the wait for the initial armed/altitude snapshot
	SnapshotTimeoutSec int `yaml:"snapshot_timeout"`

	// HTTPPort is the port for the status server
	HTTPPort string `yaml:"http_port"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		SystemID:             255,
		SafeAltitude:         10,
		SafeMode:             vehicle.ModeBrake,
		MQTTBrokerURL:        "tcp://localhost:1883",
		RedisAddr:            "localhost:6379",
		StreamPrefix:         "orion",
		MaxStreamLen:         10000,
		HeartbeatIntervalSec: 1,
		TelemetryTimeoutSec:  3,
		SnapshotTimeoutSec:   30,
		HTTPPort:             "8082",
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// Flags binds command-line flags to a Config. Only flags the user actually
// sets override values from the file and environment.
type Flags struct {
	fs      *pflag.FlagSet
	values  *Config
	File    string
	EnvFile string
}

// BindFlags registers the agent flags on fs.
func BindFlags(fs *pflag.FlagSet) *Flags {
	def := Default()
	f := &Flags{fs: fs, values: def}

	fs.StringVar(&f.File, "config", "", "YAML config file")
	fs.StringVar(&f.EnvFile, "env-file", ".env", "Optional dotenv file with SAFETYNET_* overrides")
	fs.StringVar(&def.VehicleID, "vehicle-id", "", "Vehicle identifier (required)")
	fs.IntVarP(&def.SystemID, "system-id", "s", def.SystemID, "Our MAVLink system id")
	fs.Float64Var(&def.SafeAltitude, "safe-altitude", def.SafeAltitude, "Safety net activation altitude, in meters")
	fs.StringVarP(&def.SafeMode, "safe-mode", "m", def.SafeMode, "Mode to use for safety net")
	fs.StringVar(&def.MQTTBrokerURL, "mqtt-broker", def.MQTTBrokerURL, "Vehicle link MQTT broker URL")
	fs.StringVar(&def.RedisAddr, "redis-addr", def.RedisAddr, "Journal Redis address (empty disables the journal)")
	fs.StringVar(&def.RedisPassword, "redis-password", "", "Redis password (empty if none)")
	fs.StringVar(&def.StreamPrefix, "stream-prefix", def.StreamPrefix, "Redis stream name prefix")
	fs.Int64Var(&def.MaxStreamLen, "max-stream-len", def.MaxStreamLen, "Maximum journal stream length (approximate)")
	fs.IntVar(&def.HeartbeatIntervalSec, "heartbeat-interval", def.HeartbeatIntervalSec, "Heartbeat interval in seconds")
	fs.IntVar(&def.TelemetryTimeoutSec, "telemetry-timeout", def.TelemetryTimeoutSec, "Seconds without telemetry before the link is reported stale")
	fs.IntVar(&def.SnapshotTimeoutSec, "snapshot-timeout", def.SnapshotTimeoutSec, "Seconds to wait for the initial vehicle state")
	fs.StringVar(&def.HTTPPort, "http-port", def.HTTPPort, "Status server HTTP port")
	fs.StringVar(&def.LogLevel, "log-level", def.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&def.LogFormat, "log-format", def.LogFormat, "Log format (text, json)")
	fs.StringVar(&def.LogFile, "log-file", "", "Rotating log file (empty logs to stdout only)")

	return f
}

// Load resolves the configuration: defaults, then the YAML file, then the
// environment, then flags that were set explicitly.
func (f *Flags) Load() (*Config, error) {
	cfg := Default()

	if f.File != "" {
		if err := loadFile(cfg, f.File); err != nil {
			return nil, err
		}
	}

	if f.EnvFile != "" {
		if err := godotenv.Load(f.EnvFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", f.EnvFile, err)
		}
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	f.applyFlags(cfg)
	cfg.finish()
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (f *Flags) applyFlags(cfg *Config) {
	v := f.values
	// Changed lives on the shared Flag, so this also sees flags parsed by a
	// subcommand's merged flag set.
	f.fs.VisitAll(func(fl *pflag.Flag) {
		if !fl.Changed {
			return
		}
		switch fl.Name {
		case "vehicle-id":
			cfg.VehicleID = v.VehicleID
		case "system-id":
			cfg.SystemID = v.SystemID
		case "safe-altitude":
			cfg.SafeAltitude = v.SafeAltitude
		case "safe-mode":
			cfg.SafeMode = v.SafeMode
		case "mqtt-broker":
			cfg.MQTTBrokerURL = v.MQTTBrokerURL
		case "redis-addr":
			cfg.RedisAddr = v.RedisAddr
		case "redis-password":
			cfg.RedisPassword = v.RedisPassword
		case "stream-prefix":
			cfg.StreamPrefix = v.StreamPrefix
		case "max-stream-len":
			cfg.MaxStreamLen = v.MaxStreamLen
		case "heartbeat-interval":
			cfg.HeartbeatIntervalSec = v.HeartbeatIntervalSec
		case "telemetry-timeout":
			cfg.TelemetryTimeoutSec = v.TelemetryTimeoutSec
		case "snapshot-timeout":
			cfg.SnapshotTimeoutSec = v.SnapshotTimeoutSec
		case "http-port":
			cfg.HTTPPort = v.HTTPPort
		case "log-level":
			cfg.LogLevel = v.LogLevel
		case "log-format":
			cfg.LogFormat = v.LogFormat
		case "log-file":
			cfg.LogFile = v.LogFile
		}
	})
}

// ApplyArgs applies the positional arguments of the run command:
// [broker-url] [altitude].
func (c *Config) ApplyArgs(args []string) error {
	if len(args) > 0 && args[0] != "" {
		c.MQTTBrokerURL = args[0]
	}
	if len(args) > 1 {
		alt, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("%w: altitude %q is not a number", ErrInvalid, args[1])
		}
		c.SafeAltitude = alt
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, set func(string) error) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return nil
		}
		if err := set(v); err != nil {
			return fmt.Errorf("%w: %s%s=%q: %v", ErrInvalid, EnvPrefix, key, v, err)
		}
		return nil
	}
	intInto := func(dst *int) func(string) error {
		return func(s string) error {
			n, err := strconv.Atoi(s)
			*dst = n
			return err
		}
	}

	str("VEHICLE_ID", &cfg.VehicleID)
	str("SAFE_MODE", &cfg.SafeMode)
	str("MQTT_BROKER", &cfg.MQTTBrokerURL)
	str("MQTT_CLIENT_ID", &cfg.MQTTClientID)
	str("REDIS_ADDR", &cfg.RedisAddr)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	str("STREAM_PREFIX", &cfg.StreamPrefix)
	str("HTTP_PORT", &cfg.HTTPPort)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	str("LOG_FILE", &cfg.LogFile)

	return errors.Join(
		num("SAFE_ALTITUDE", func(s string) error {
			f, err := strconv.ParseFloat(s, 64)
			cfg.SafeAltitude = f
			return err
		}),
		num("MAX_STREAM_LEN", func(s string) error {
			n, err := strconv.ParseInt(s, 10, 64)
			cfg.MaxStreamLen = n
			return err
		}),
		num("SYSTEM_ID", intInto(&cfg.SystemID)),
		num("HEARTBEAT_INTERVAL", intInto(&cfg.HeartbeatIntervalSec)),
		num("TELEMETRY_TIMEOUT", intInto(&cfg.TelemetryTimeoutSec)),
		num("SNAPSHOT_TIMEOUT", intInto(&cfg.SnapshotTimeoutSec)),
	)
}

// finish derives dependent fields.
func (c *Config) finish() {
	c.SafeMode = strings.ToUpper(strings.TrimSpace(c.SafeMode))
	if c.MQTTClientID == "" && c.VehicleID != "" {
		c.MQTTClientID = fmt.Sprintf("orion-safetynet-%s", c.VehicleID)
	}
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.VehicleID == "" {
		return fmt.Errorf("%w: --vehicle-id is required", ErrInvalid)
	}
	if c.SafeAltitude <= 0 {
		return fmt.Errorf("%w: safe altitude must be positive, got %v", ErrInvalid, c.SafeAltitude)
	}
	if c.SafeMode == "" {
		return fmt.Errorf("%w: --safe-mode is required", ErrInvalid)
	}
	if c.SystemID < 1 || c.SystemID > 255 {
		return fmt.Errorf("%w: --system-id must be between 1 and 255", ErrInvalid)
	}
	if c.MQTTBrokerURL == "" {
		return fmt.Errorf("%w: --mqtt-broker is required", ErrInvalid)
	}
	if c.HeartbeatIntervalSec <= 0 {
		return fmt.Errorf("%w: --heartbeat-interval must be positive", ErrInvalid)
	}
	if c.TelemetryTimeoutSec <= 0 {
		return fmt.Errorf("%w: --telemetry-timeout must be positive", ErrInvalid)
	}
	if c.SnapshotTimeoutSec <= 0 {
		return fmt.Errorf("%w: --snapshot-timeout must be positive", ErrInvalid)
	}
	return nil
}
