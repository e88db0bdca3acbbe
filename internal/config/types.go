package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// Environment variable names. They double as the names reported when a
// required setting is missing.
const (
	EnvClientID       = "SALLA_CLIENT_ID"
	EnvClientSecret   = "SALLA_CLIENT_SECRET"
	EnvRedirectURI    = "SALLA_REDIRECT_URI"
	EnvAccountsBase   = "SALLA_ACCOUNTS_BASE"
	EnvAPIBase        = "SALLA_API_BASE"
	EnvAppSecret      = "APP_SESSION_SECRET"
	EnvEnvironment    = "SALLA_PROXY_ENV"
	EnvAddr           = "SALLA_PROXY_ADDR"
	EnvMaxPages       = "SALLA_PROXY_MAX_PAGES"
	EnvRequestTimeout = "SALLA_PROXY_REQUEST_TIMEOUT"
)

// Config is the complete proxy configuration. It is built once at startup
// and handed to every component constructor.
type Config struct {
	ClientID     string `env:"SALLA_CLIENT_ID"`
	ClientSecret Secret `env:"SALLA_CLIENT_SECRET"`
	RedirectURI  string `env:"SALLA_REDIRECT_URI"`
	AccountsBase string `env:"SALLA_ACCOUNTS_BASE" envDefault:"https://accounts.salla.sa"`
	APIBase      string `env:"SALLA_API_BASE"      envDefault:"https://api.salla.dev"`

	// AppSecret signs the session and OAuth state cookies
	AppSecret Secret `env:"APP_SESSION_SECRET"`

	// Environment set to "production" turns on the Secure cookie attribute
	Environment string `env:"SALLA_PROXY_ENV" envDefault:"development"`

	Addr           string        `env:"SALLA_PROXY_ADDR"            envDefault:":8080"`
	MaxPages       int           `env:"SALLA_PROXY_MAX_PAGES"       envDefault:"50"`
	RequestTimeout time.Duration `env:"SALLA_PROXY_REQUEST_TIMEOUT" envDefault:"60s"`
}

// IsProduction reports whether the proxy runs under a production deployment
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Requirement names the settings one operation cannot run without
type Requirement int

const (
	// RequireOAuthStart covers building the authorization redirect
	RequireOAuthStart Requirement = iota
	// RequireOAuthCallback covers the code exchange and session creation
	RequireOAuthCallback
	// RequireSession covers cookie-backed proxy calls, including refresh
	RequireSession
	// RequireTokenEndpoint covers calls that only talk to the token endpoint
	RequireTokenEndpoint
	// RequireAPI covers proxy calls authenticated by an explicit token
	RequireAPI
)

// Missing returns the names of required settings that are empty for req,
// in a stable order. An empty result means the operation can run.
func (c Config) Missing(req Requirement) []string {
	type setting struct {
		name  string
		value string
	}
	var settings []setting
	switch req {
	case RequireOAuthStart:
		settings = []setting{
			{EnvClientID, c.ClientID},
			{EnvRedirectURI, c.RedirectURI},
			{EnvAccountsBase, c.AccountsBase},
			{EnvAppSecret, string(c.AppSecret)},
		}
	case RequireOAuthCallback:
		settings = []setting{
			{EnvClientID, c.ClientID},
			{EnvClientSecret, string(c.ClientSecret)},
			{EnvRedirectURI, c.RedirectURI},
			{EnvAccountsBase, c.AccountsBase},
			{EnvAppSecret, string(c.AppSecret)},
		}
	case RequireSession:
		settings = []setting{
			{EnvClientID, c.ClientID},
			{EnvClientSecret, string(c.ClientSecret)},
			{EnvAccountsBase, c.AccountsBase},
			{EnvAPIBase, c.APIBase},
			{EnvAppSecret, string(c.AppSecret)},
		}
	case RequireTokenEndpoint:
		settings = []setting{
			{EnvAccountsBase, c.AccountsBase},
		}
	case RequireAPI:
		settings = []setting{
			{EnvAPIBase, c.APIBase},
		}
	}

	var missing []string
	for _, s := range settings {
		if strings.TrimSpace(s.value) == "" {
			missing = append(missing, s.name)
		}
	}
	return missing
}

// Validate checks the settings that must be sane at startup. Credentials
// are not checked here: their absence is reported per operation.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.MaxPages <= 0 {
		return fmt.Errorf("maxPages must be positive (got %d)", c.MaxPages)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("requestTimeout must be positive (got %s)", c.RequestTimeout)
	}
	for name, base := range map[string]string{"accountsBase": c.AccountsBase, "apiBase": c.APIBase} {
		if base == "" {
			continue
		}
		u, err := url.Parse(base)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s must be an absolute http(s) URL (got %q)", name, base)
		}
	}
	return nil
}
