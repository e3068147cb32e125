package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for our application
type Config struct {
	API     APIConfig     `mapstructure:"api"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Sink    SinkConfig    `mapstructure:"sink"`
	State   StateConfig   `mapstructure:"state"`
	Run     RunConfig     `mapstructure:"run"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type APIConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Key               string        `mapstructure:"key"`
	SystemID          string        `mapstructure:"system_id"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
}

type AuthConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	AuthCode     string `mapstructure:"auth_code"`
	RedirectURI  string `mapstructure:"redirect_uri"`
}

type SinkConfig struct {
	Host    string        `mapstructure:"host"`
	Port    int           `mapstructure:"port"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Addr returns the carbon pickle receiver address.
func (s SinkConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type StateConfig struct {
	Driver          string `mapstructure:"driver"`
	Dir             string `mapstructure:"dir"`
	DSN             string `mapstructure:"dsn"`
	AgeIdentityFile string `mapstructure:"age_identity_file"`
	InitialCursor   string `mapstructure:"initial_cursor"`
}

type RunConfig struct {
	MinInterval time.Duration `mapstructure:"min_interval"`
}

type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const envPrefix = "SOLARSYNC"

// Load reads configuration from file and environment variables.
//
// ${VAR} references inside the file are expanded first; afterwards any key
// can still be overridden with SOLARSYNC_<SECTION>_<KEY>.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// First unmarshal into a map to handle type conversions
	var rawConfig map[string]interface{}
	if err := yaml.Unmarshal(data, &rawConfig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal raw config: %w", err)
	}

	data, err = yaml.Marshal(rawConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal raw config: %w", err)
	}

	expandedData := os.ExpandEnv(string(data))

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadConfig(bytes.NewReader([]byte(expandedData))); err != nil {
		return nil, fmt.Errorf("failed to read expanded config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Auth.RedirectURI == "" {
		config.Auth.RedirectURI = strings.TrimRight(config.API.BaseURL, "/") + "/oauth/redirect_uri"
	}

	return &config, nil
}

// Validate checks the fields a scheduled run cannot do without.
func (c *Config) Validate() error {
	var errs []error
	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	}
	if c.API.Key == "" {
		errs = append(errs, errors.New("api.key is required"))
	}
	if c.API.SystemID == "" {
		errs = append(errs, errors.New("api.system_id is required"))
	}
	if c.API.Timeout <= 0 {
		errs = append(errs, errors.New("api.timeout must be positive"))
	}
	if c.API.RequestsPerMinute <= 0 {
		errs = append(errs, errors.New("api.requests_per_minute must be positive"))
	}
	if c.Auth.ClientID == "" || c.Auth.ClientSecret == "" {
		errs = append(errs, errors.New("auth.client_id and auth.client_secret are required"))
	}
	if c.Sink.Host == "" || c.Sink.Port <= 0 {
		errs = append(errs, errors.New("sink.host and sink.port are required"))
	}
	switch c.State.Driver {
	case "file":
		if c.State.Dir == "" {
			errs = append(errs, errors.New("state.dir is required for the file driver"))
		}
	case "postgres":
		if c.State.DSN == "" {
			errs = append(errs, errors.New("state.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid state.driver: %s", c.State.Driver))
	}
	switch c.State.InitialCursor {
	case "today", "now", "epoch":
	default:
		errs = append(errs, fmt.Errorf("invalid state.initial_cursor: %s", c.State.InitialCursor))
	}
	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "https://api.enphaseenergy.com")
	v.SetDefault("api.key", "")
	v.SetDefault("api.system_id", "")
	v.SetDefault("api.timeout", "500ms")
	v.SetDefault("api.requests_per_minute", 10)

	v.SetDefault("auth.client_id", "")
	v.SetDefault("auth.client_secret", "")
	v.SetDefault("auth.auth_code", "")
	v.SetDefault("auth.redirect_uri", "")

	v.SetDefault("sink.host", "localhost")
	v.SetDefault("sink.port", 2004)
	v.SetDefault("sink.timeout", "5s")

	v.SetDefault("state.driver", "file")
	v.SetDefault("state.dir", "./state")
	v.SetDefault("state.dsn", "")
	v.SetDefault("state.age_identity_file", "")
	v.SetDefault("state.initial_cursor", "today")

	v.SetDefault("run.min_interval", "15m")

	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.job", "solarsync")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
