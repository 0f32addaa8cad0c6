package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "BRIDGE"

// Client is a statically configured source-system credential.
type Client struct {
	ID     string
	Secret string
}

type DestinationConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	LandingPath  string        `mapstructure:"landing_path"`
	Secret       string        `mapstructure:"secret"`
	AssertionTTL time.Duration `mapstructure:"assertion_ttl"`
}

type TokenConfig struct {
	TTL       time.Duration `mapstructure:"ttl"`
	ClockSkew time.Duration `mapstructure:"clock_skew"`
	SingleUse bool          `mapstructure:"single_use"`
}

type NotifyConfig struct {
	Window    time.Duration `mapstructure:"window"`
	Provision bool          `mapstructure:"provision"`
}

type RateConfig struct {
	Burst     int     `mapstructure:"burst"`
	PerSecond float64 `mapstructure:"per_second"`
}

// Config is the bridge configuration. It is loaded once at start and
// treated as read-only afterwards.
type Config struct {
	ListenAddr    string            `mapstructure:"listen_addr"`
	GRPCAddr      string            `mapstructure:"grpc_addr"`
	PublicBaseURL string            `mapstructure:"public_base_url"`
	ErrorURL      string            `mapstructure:"error_url"`
	PGDSN         string            `mapstructure:"pg_dsn"`
	RawClients    string            `mapstructure:"clients"`
	AdminToken    string            `mapstructure:"admin_token"`
	MaxBodyBytes  int64             `mapstructure:"max_body_bytes"`
	Destination   DestinationConfig `mapstructure:"destination"`
	Token         TokenConfig       `mapstructure:"token"`
	Notify        NotifyConfig      `mapstructure:"notify"`
	Rate          RateConfig        `mapstructure:"rate"`

	Clients []Client `mapstructure:"-"`
}

// New returns a viper instance with env binding and defaults applied.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName("lmsbridge")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/lmsbridge/")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("grpc_addr", "")
	v.SetDefault("public_base_url", "http://localhost:8080")
	v.SetDefault("error_url", "/error")
	v.SetDefault("pg_dsn", "")
	v.SetDefault("clients", "")
	v.SetDefault("admin_token", "")
	v.SetDefault("max_body_bytes", 1<<20)

	v.SetDefault("destination.base_url", "")
	v.SetDefault("destination.landing_path", "")
	v.SetDefault("destination.secret", "")
	v.SetDefault("destination.assertion_ttl", time.Minute)

	v.SetDefault("token.ttl", 5*time.Minute)
	v.SetDefault("token.clock_skew", time.Duration(0))
	v.SetDefault("token.single_use", false)

	v.SetDefault("notify.window", 5*time.Minute)
	v.SetDefault("notify.provision", false)

	v.SetDefault("rate.burst", 20)
	v.SetDefault("rate.per_second", 10.0)
}

// Load reads the optional config file and the environment, then validates
// the result. An explicit path (or BRIDGE_CONFIG) must exist; otherwise a
// missing file means defaults.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without validation, for tools that only need a subset of
// the settings.
func Read(path string) (*Config, error) {
	v := New()
	if path == "" {
		path = os.Getenv(envPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper decodes the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	clients, err := ParseClients(cfg.RawClients)
	if err != nil {
		return nil, err
	}
	cfg.Clients = clients
	return &cfg, nil
}

// Validate reports the first setting that would prevent the bridge from
// serving requests.
func (c *Config) Validate() error {
	if c.Destination.BaseURL == "" {
		return errors.New("config: destination.base_url is required")
	}
	if err := absoluteURL("destination.base_url", c.Destination.BaseURL); err != nil {
		return err
	}
	if err := absoluteURL("public_base_url", c.PublicBaseURL); err != nil {
		return err
	}
	if c.Token.TTL <= 0 {
		return errors.New("config: token.ttl must be positive")
	}
	if c.Token.ClockSkew < 0 {
		return errors.New("config: token.clock_skew must not be negative")
	}
	if c.Notify.Window <= 0 {
		return errors.New("config: notify.window must be positive")
	}
	if c.Rate.PerSecond < 0 || c.Rate.Burst < 0 {
		return errors.New("config: rate settings must not be negative")
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("config: max_body_bytes must be positive")
	}
	return nil
}

func absoluteURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: %s must be an absolute URL, got %q", key, raw)
	}
	return nil
}

// ParseClients parses "id:secret[,id:secret]". Empty input yields no clients.
func ParseClients(raw string) ([]Client, error) {
	var out []Client
	seen := make(map[string]bool)
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		id, secret, ok := strings.Cut(item, ":")
		id, secret = strings.TrimSpace(id), strings.TrimSpace(secret)
		if !ok || id == "" || secret == "" {
			return nil, fmt.Errorf("config: malformed client entry %q, want id:secret", redact(item))
		}
		if seen[id] {
			return nil, fmt.Errorf("config: duplicate client id %q", id)
		}
		seen[id] = true
		out = append(out, Client{ID: id, Secret: secret})
	}
	return out, nil
}

func redact(item string) string {
	if id, _, ok := strings.Cut(item, ":"); ok {
		return id + ":***"
	}
	return item
}
