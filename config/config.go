// Package config loads centralauth settings from config.yaml, a .env file and
// the environment. Environment values win over the file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/panyam/centralauth"
)

// DefaultBaseURL is the API gateway used when none is configured
const DefaultBaseURL = "https://apigw-prod2.central.arubanetworks.com"

// Config is the full application configuration
type Config struct {
	Central CentralConfig `mapstructure:"aruba_central"`
	Token   TokenConfig   `mapstructure:"token"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Session SessionConfig `mapstructure:"session"`
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
}

// CentralConfig holds the provider credentials
type CentralConfig struct {
	BaseURL       string   `mapstructure:"base_url"`
	ClientID      string   `mapstructure:"client_id"`
	ClientSecret  string   `mapstructure:"client_secret"`
	CustomerID    string   `mapstructure:"customer_id"`
	AccessToken   string   `mapstructure:"access_token"`
	Username      string   `mapstructure:"username"`
	Password      string   `mapstructure:"password"`
	TokenEndpoint string   `mapstructure:"token_endpoint"`
	GrantType     string   `mapstructure:"grant_type"`
	AuthorizeURL  string   `mapstructure:"authorize_url"`
	Scopes        []string `mapstructure:"scopes"`
	// Encoding is "form" or "json"
	Encoding string `mapstructure:"encoding"`
}

// TokenConfig controls token caching and persistence
type TokenConfig struct {
	RefreshBuffer  time.Duration `mapstructure:"refresh_buffer"`
	Cooldown       time.Duration `mapstructure:"cooldown"`
	RefreshTimeout time.Duration `mapstructure:"refresh_timeout"`
	// Store is one of fs, redis, gorm, datastore or none
	Store              string `mapstructure:"store"`
	Dir                string `mapstructure:"dir"`
	EncryptionKey      string `mapstructure:"encryption_key"`
	RedisURL           string `mapstructure:"redis_url"`
	RedisPrefix        string `mapstructure:"redis_prefix"`
	DatabasePath       string `mapstructure:"database_path"`
	DatastoreProject   string `mapstructure:"datastore_project"`
	DatastoreNamespace string `mapstructure:"datastore_namespace"`
}

// RetryConfig controls the domain call retry policy
type RetryConfig struct {
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	Multiplier     float64       `mapstructure:"multiplier"`
	MaxRetries     int           `mapstructure:"max_retries"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	ServerRetries  int           `mapstructure:"server_retries"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	Burst          int           `mapstructure:"burst"`
}

// SessionConfig controls dashboard sessions
type SessionConfig struct {
	Policy        string        `mapstructure:"policy"`
	TTL           time.Duration `mapstructure:"ttl"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// ServerConfig controls the dashboard listener
type ServerConfig struct {
	Addr         string `mapstructure:"addr"`
	CookieSecure bool   `mapstructure:"cookie_secure"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Options says where to look for configuration
type Options struct {
	// ConfigFile is an explicit YAML file. Empty searches for config.yaml in
	// the working directory and $HOME/.config/centralauth.
	ConfigFile string
	// EnvFile is loaded before the environment is read. Empty means ".env".
	EnvFile string
	// SkipEnvFile disables .env loading
	SkipEnvFile bool
}

// The ARUBA_* names are the ones operators already use; everything else
// follows CENTRAL_<SECTION>_<KEY>.
var arubaEnv = map[string]string{
	"aruba_central.base_url":       "ARUBA_BASE_URL",
	"aruba_central.client_id":      "ARUBA_CLIENT_ID",
	"aruba_central.client_secret":  "ARUBA_CLIENT_SECRET",
	"aruba_central.customer_id":    "ARUBA_CUSTOMER_ID",
	"aruba_central.access_token":   "ARUBA_ACCESS_TOKEN",
	"aruba_central.username":       "ARUBA_USERNAME",
	"aruba_central.password":       "ARUBA_PASSWORD",
	"aruba_central.token_endpoint": "ARUBA_TOKEN_ENDPOINT",
	"aruba_central.grant_type":     "ARUBA_GRANT_TYPE",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("aruba_central.base_url", DefaultBaseURL)
	v.SetDefault("aruba_central.grant_type", string(centralauth.GrantClientCredentials))
	v.SetDefault("aruba_central.encoding", "form")
	v.SetDefault("aruba_central.authorize_url", "")
	v.SetDefault("aruba_central.token_endpoint", "")
	v.SetDefault("aruba_central.scopes", []string{})

	v.SetDefault("token.refresh_buffer", centralauth.DefaultRefreshBuffer.String())
	v.SetDefault("token.cooldown", centralauth.DefaultCooldown.String())
	v.SetDefault("token.refresh_timeout", "30s")
	v.SetDefault("token.store", "fs")
	v.SetDefault("token.dir", "")
	v.SetDefault("token.encryption_key", "")
	v.SetDefault("token.redis_url", "redis://localhost:6379/0")
	v.SetDefault("token.redis_prefix", "centralauth")
	v.SetDefault("token.database_path", "centralauth.db")
	v.SetDefault("token.datastore_project", "")
	v.SetDefault("token.datastore_namespace", "")

	b := centralauth.DefaultBackoff()
	v.SetDefault("retry.base_delay", b.BaseDelay.String())
	v.SetDefault("retry.multiplier", b.Multiplier)
	v.SetDefault("retry.max_retries", b.MaxRetries)
	v.SetDefault("retry.max_delay", "0s")
	v.SetDefault("retry.server_retries", 0)
	v.SetDefault("retry.request_timeout", centralauth.DefaultRequestTimeout.String())
	v.SetDefault("retry.rate_limit", 0.0)
	v.SetDefault("retry.burst", 1)

	s := centralauth.DefaultSessionConfig()
	v.SetDefault("session.policy", string(s.Policy))
	v.SetDefault("session.ttl", s.TTL.String())
	v.SetDefault("session.idle_timeout", s.IdleTimeout.String())
	v.SetDefault("session.sweep_interval", s.SweepInterval.String())

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.cookie_secure", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the configuration. A missing config file or .env file is not an
// error; a malformed one is.
func Load(opts Options) (*Config, error) {
	if !opts.SkipEnvFile {
		envFile := opts.EnvFile
		if envFile == "" {
			envFile = ".env"
		}
		if err := godotenv.Overload(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error loading %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/centralauth")
	}

	v.SetEnvPrefix("CENTRAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range arubaEnv {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("error binding %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.Central.BaseURL = strings.TrimRight(cfg.Central.BaseURL, "/")
	cfg.Central.Scopes = centralauth.NormalizeScopes(cfg.Central.Scopes)
	return &cfg, nil
}

// Static reports whether a pre-issued access token replaces the grant flows
func (c *Config) Static() bool {
	return c.Central.AccessToken != ""
}

// Validate lists every missing required field in one error
func (c *Config) Validate() error {
	var missing []string
	if c.Central.BaseURL == "" {
		missing = append(missing, "aruba_central.base_url (ARUBA_BASE_URL)")
	}
	if !c.Static() {
		if c.Central.ClientID == "" {
			missing = append(missing, "aruba_central.client_id (ARUBA_CLIENT_ID)")
		}
		switch centralauth.GrantType(c.Central.GrantType) {
		case "", centralauth.GrantClientCredentials:
			if c.Central.ClientSecret == "" {
				missing = append(missing, "aruba_central.client_secret (ARUBA_CLIENT_SECRET)")
			}
		case centralauth.GrantPassword:
			if c.Central.Username == "" {
				missing = append(missing, "aruba_central.username (ARUBA_USERNAME)")
			}
			if c.Central.Password == "" {
				missing = append(missing, "aruba_central.password (ARUBA_PASSWORD)")
			}
		default:
			return fmt.Errorf("unsupported grant type %q", c.Central.GrantType)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	switch c.Central.Encoding {
	case "", "form", "json":
	default:
		return fmt.Errorf("unsupported token encoding %q", c.Central.Encoding)
	}
	switch centralauth.ExpiryPolicy(c.Session.Policy) {
	case "", centralauth.ExpiryAbsolute, centralauth.ExpirySliding:
	default:
		return fmt.Errorf("unsupported session policy %q", c.Session.Policy)
	}
	return nil
}

// Credentials converts the provider section. The token endpoint defaults to
// the gateway's /oauth2/token.
func (c *Config) Credentials() centralauth.CredentialSet {
	endpoint := c.Central.TokenEndpoint
	if endpoint == "" {
		endpoint = c.Central.BaseURL + "/oauth2/token"
	}
	grant := centralauth.GrantType(c.Central.GrantType)
	if grant == "" {
		grant = centralauth.GrantClientCredentials
	}
	return centralauth.CredentialSet{
		ClientID:      c.Central.ClientID,
		ClientSecret:  c.Central.ClientSecret,
		Username:      c.Central.Username,
		Password:      c.Central.Password,
		TokenEndpoint: endpoint,
		GrantType:     grant,
		Scopes:        c.Central.Scopes,
		CustomerID:    c.Central.CustomerID,
		AuthorizeURL:  c.Central.AuthorizeURL,
		BaseURL:       c.Central.BaseURL,
	}
}

// Backoff converts the retry section
func (c *Config) Backoff() centralauth.Backoff {
	return centralauth.Backoff{
		BaseDelay:  c.Retry.BaseDelay,
		Multiplier: c.Retry.Multiplier,
		MaxRetries: c.Retry.MaxRetries,
		MaxDelay:   c.Retry.MaxDelay,
	}
}

// SessionConfig converts the session section
func (c *Config) SessionConfig() centralauth.SessionConfig {
	return centralauth.SessionConfig{
		Policy:        centralauth.ExpiryPolicy(c.Session.Policy),
		TTL:           c.Session.TTL,
		IdleTimeout:   c.Session.IdleTimeout,
		SweepInterval: c.Session.SweepInterval,
	}
}
