package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panyam/centralauth"
	"github.com/panyam/centralauth/config"
)

// Helper to blank out variables that might leak in from the host
func resetConfigEnv(t *testing.T) {
	for _, name := range []string{
		"ARUBA_BASE_URL", "ARUBA_CLIENT_ID", "ARUBA_CLIENT_SECRET", "ARUBA_CUSTOMER_ID",
		"ARUBA_ACCESS_TOKEN", "ARUBA_USERNAME", "ARUBA_PASSWORD", "ARUBA_TOKEN_ENDPOINT",
		"ARUBA_GRANT_TYPE", "CENTRAL_TOKEN_STORE", "CENTRAL_RETRY_MAX_RETRIES",
		"CENTRAL_SESSION_POLICY", "CENTRAL_LOG_LEVEL",
	} {
		t.Setenv(name, "")
	}
	t.Chdir(t.TempDir())
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	resetConfigEnv(t)

	cfg, err := config.Load(config.Options{})
	require.NoError(t, err)

	assert.Equal(t, config.DefaultBaseURL, cfg.Central.BaseURL)
	assert.Equal(t, "client_credentials", cfg.Central.GrantType)
	assert.Equal(t, 5*time.Minute, cfg.Token.RefreshBuffer)
	assert.Equal(t, 30*time.Minute, cfg.Token.Cooldown)
	assert.Equal(t, "fs", cfg.Token.Store)
	assert.Equal(t, 60*time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 1.5, cfg.Retry.Multiplier)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, "sliding", cfg.Session.Policy)
	assert.Equal(t, time.Hour, cfg.Session.IdleTimeout)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Log.Level)

	assert.Equal(t, centralauth.DefaultBackoff().Schedule(), cfg.Backoff().Schedule())
	assert.Equal(t, centralauth.DefaultSessionConfig(), cfg.SessionConfig())
}

func TestLoad_YAMLFile(t *testing.T) {
	resetConfigEnv(t)

	path := writeFile(t, "config.yaml", `
aruba_central:
  base_url: https://example.test/
  client_id: yaml-client
  client_secret: yaml-secret
  customer_id: cust-1
  scopes: [read, "write read"]
token:
  refresh_buffer: 2m
  store: redis
retry:
  max_retries: 5
session:
  policy: absolute
  ttl: 45m
`)

	cfg, err := config.Load(config.Options{ConfigFile: path, SkipEnvFile: true})
	require.NoError(t, err)

	assert.Equal(t, "https://example.test", cfg.Central.BaseURL, "trailing slash is trimmed")
	assert.Equal(t, "yaml-client", cfg.Central.ClientID)
	assert.Equal(t, []string{"read", "write"}, cfg.Central.Scopes)
	assert.Equal(t, 2*time.Minute, cfg.Token.RefreshBuffer)
	assert.Equal(t, "redis", cfg.Token.Store)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, centralauth.ExpiryAbsolute, cfg.SessionConfig().Policy)
	assert.Equal(t, 45*time.Minute, cfg.SessionConfig().TTL)
	require.NoError(t, cfg.Validate())

	creds := cfg.Credentials()
	assert.Equal(t, "https://example.test/oauth2/token", creds.TokenEndpoint)
	assert.Equal(t, "cust-1", creds.CustomerID)
	assert.Equal(t, centralauth.GrantClientCredentials, creds.GrantType)
	assert.NoError(t, creds.Validate())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	resetConfigEnv(t)

	path := writeFile(t, "config.yaml", `
aruba_central:
  client_id: yaml-client
  client_secret: yaml-secret
`)
	t.Setenv("ARUBA_CLIENT_ID", "env-client")
	t.Setenv("ARUBA_TOKEN_ENDPOINT", "https://sso.example.test/token")
	t.Setenv("CENTRAL_TOKEN_STORE", "gorm")
	t.Setenv("CENTRAL_RETRY_MAX_RETRIES", "1")

	cfg, err := config.Load(config.Options{ConfigFile: path, SkipEnvFile: true})
	require.NoError(t, err)

	assert.Equal(t, "env-client", cfg.Central.ClientID)
	assert.Equal(t, "yaml-secret", cfg.Central.ClientSecret)
	assert.Equal(t, "https://sso.example.test/token", cfg.Credentials().TokenEndpoint)
	assert.Equal(t, "gorm", cfg.Token.Store)
	assert.Equal(t, 1, cfg.Retry.MaxRetries)
}

func TestLoad_DotEnvOverridesEnvironment(t *testing.T) {
	resetConfigEnv(t)

	t.Setenv("ARUBA_CLIENT_SECRET", "from-shell")
	envFile := writeFile(t, ".env", "ARUBA_CLIENT_ID=dot-client\nARUBA_CLIENT_SECRET=dot-secret\n")

	cfg, err := config.Load(config.Options{EnvFile: envFile})
	require.NoError(t, err)

	assert.Equal(t, "dot-client", cfg.Central.ClientID)
	assert.Equal(t, "dot-secret", cfg.Central.ClientSecret)
}

func TestLoad_MissingFilesAreFine(t *testing.T) {
	resetConfigEnv(t)

	_, err := config.Load(config.Options{
		ConfigFile: filepath.Join(t.TempDir(), "nope.yaml"),
		EnvFile:    filepath.Join(t.TempDir(), "nope.env"),
	})
	assert.NoError(t, err)
}

func TestLoad_MalformedFile(t *testing.T) {
	resetConfigEnv(t)

	path := writeFile(t, "config.yaml", "aruba_central: [unclosed\n")
	_, err := config.Load(config.Options{ConfigFile: path, SkipEnvFile: true})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		central config.CentralConfig
		wantErr string
	}{
		{
			name:    "client credentials complete",
			central: config.CentralConfig{BaseURL: "https://x", ClientID: "id", ClientSecret: "s"},
		},
		{
			name:    "missing secret and id",
			central: config.CentralConfig{BaseURL: "https://x"},
			wantErr: "aruba_central.client_id (ARUBA_CLIENT_ID), aruba_central.client_secret (ARUBA_CLIENT_SECRET)",
		},
		{
			name:    "password needs username and password",
			central: config.CentralConfig{BaseURL: "https://x", ClientID: "id", GrantType: "password"},
			wantErr: "aruba_central.username (ARUBA_USERNAME), aruba_central.password (ARUBA_PASSWORD)",
		},
		{
			name:    "static token needs only the base url",
			central: config.CentralConfig{BaseURL: "https://x", AccessToken: "tok"},
		},
		{
			name:    "unknown grant",
			central: config.CentralConfig{BaseURL: "https://x", ClientID: "id", GrantType: "implicit"},
			wantErr: `unsupported grant type "implicit"`,
		},
		{
			name:    "bad encoding",
			central: config.CentralConfig{BaseURL: "https://x", ClientID: "id", ClientSecret: "s", Encoding: "xml"},
			wantErr: `unsupported token encoding "xml"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Central: tt.central}
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
