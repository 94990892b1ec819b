// Package config resolves beam's runtime settings from flags, BEAM_*
// environment variables, an optional beam.yaml and a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// AuthMode selects how transfers are gated. Modes are mutually exclusive.
type AuthMode string

const (
	AuthNone  AuthMode = "none"
	AuthBasic AuthMode = "basic"
	AuthToken AuthMode = "token"
)

// Pairing selects which arrival order is accepted.
type Pairing string

const (
	// PairingStrict requires the upload to arrive first.
	PairingStrict Pairing = "strict"
	// PairingFlexible lets either side arrive first.
	PairingFlexible Pairing = "flexible"
)

const (
	DefaultPort      = 3000
	DefaultBasicPort = 4000
)

// Config holds the application configuration.
type Config struct {
	Auth AuthMode `mapstructure:"auth"`
	Host string   `mapstructure:"host"`
	Port int      `mapstructure:"port"`

	// TrustProxy honours X-Forwarded-For for client IPs. Only enable it
	// behind a proxy that overwrites the header.
	TrustProxy bool `mapstructure:"trust_proxy"`

	Username string  `mapstructure:"username"`
	Password string  `mapstructure:"password"`
	Pairing  Pairing `mapstructure:"pairing"`

	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`

	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	TokenExtension time.Duration `mapstructure:"token_extension"`
	TokenSweep     time.Duration `mapstructure:"token_sweep"`
	TokenRate      int           `mapstructure:"token_rate"`

	Journal          string        `mapstructure:"journal"`
	JournalRetention time.Duration `mapstructure:"journal_retention"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// flagKeys maps flag names to config keys.
var flagKeys = map[string]string{
	"auth":              "auth",
	"host":              "host",
	"port":              "port",
	"trust-proxy":       "trust_proxy",
	"username":          "username",
	"password":          "password",
	"pairing":           "pairing",
	"ready-timeout":     "ready_timeout",
	"token-ttl":         "token_ttl",
	"token-extension":   "token_extension",
	"token-sweep":       "token_sweep",
	"token-rate":        "token_rate",
	"journal":           "journal",
	"journal-retention": "journal_retention",
	"log-level":         "log_level",
	"log-format":        "log_format",
}

// Load parses args (without the program name) and resolves the
// configuration. Two positional arguments are taken as username and
// password, matching "beam <username> <password>".
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	flags := pflag.NewFlagSet("beam", pflag.ContinueOnError)
	configFile := flags.String("config", "", "path to a YAML config file (default ./beam.yaml if present)")
	flags.String("auth", "", "auth mode: none, basic or token (default basic when credentials are given, else none)")
	flags.String("host", "0.0.0.0", "listen host")
	flags.Int("port", 0, "listen port (default 4000 in basic mode, 3000 otherwise)")
	flags.Bool("trust-proxy", false, "take client IPs from X-Forwarded-For")
	flags.String("username", "", "basic auth username")
	flags.String("password", "", "basic auth password")
	flags.String("pairing", string(PairingStrict), "arrival order: strict (upload first) or flexible")
	flags.Duration("ready-timeout", 300*time.Second, "how long one side waits for the other")
	flags.Duration("token-ttl", 20*time.Minute, "lifetime of a newly issued token")
	flags.Duration("token-extension", 5*time.Minute, "expiry extension granted by each token use")
	flags.Duration("token-sweep", 60*time.Second, "interval between expired token sweeps")
	flags.Int("token-rate", 30, "token issues allowed per minute per client IP")
	flags.String("journal", ":memory:", "SQLite DSN for the transfer journal")
	flags.Duration("journal-retention", 24*time.Hour, "how long finished transfers stay in the journal")
	flags.String("log-level", "info", "log level")
	flags.String("log-format", "text", "log format: text or json")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("BEAM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	v.SetConfigType("yaml")
	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", *configFile, err)
		}
	} else {
		v.SetConfigName("beam")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if rest := flags.Args(); len(rest) > 0 {
		if len(rest) != 2 {
			return nil, fmt.Errorf("expected <username> <password>, got %d positional arguments", len(rest))
		}
		v.Set("username", rest[0])
		v.Set("password", rest[1])
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Auth == "" {
		if c.Username != "" || c.Password != "" {
			c.Auth = AuthBasic
		} else {
			c.Auth = AuthNone
		}
	}
	if c.Port == 0 {
		if c.Auth == AuthBasic {
			c.Port = DefaultBasicPort
		} else {
			c.Port = DefaultPort
		}
	}
	if c.Pairing == "" {
		c.Pairing = PairingStrict
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Auth {
	case AuthNone, AuthToken:
	case AuthBasic:
		if c.Username == "" || c.Password == "" {
			return errors.New("basic auth requires both a username and a password")
		}
	default:
		return fmt.Errorf("unknown auth mode %q", c.Auth)
	}

	switch c.Pairing {
	case PairingStrict, PairingFlexible:
	default:
		return fmt.Errorf("unknown pairing mode %q", c.Pairing)
	}

	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}

	durations := map[string]time.Duration{
		"ready_timeout":     c.ReadyTimeout,
		"token_ttl":         c.TokenTTL,
		"token_extension":   c.TokenExtension,
		"token_sweep":       c.TokenSweep,
		"journal_retention": c.JournalRetention,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", key, d)
		}
	}
	if c.TokenRate <= 0 {
		return fmt.Errorf("token_rate must be positive, got %d", c.TokenRate)
	}
	return nil
}
