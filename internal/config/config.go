// Package config loads the service configuration from the environment.
//
// A .env file in the working directory is read first when present, so local
// development does not need exported variables. Real environment variables
// always win over the file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Auth strategies.
const (
	StrategyJWT     = "jwt"
	StrategySession = "session"
)

// Callback response modes.
const (
	CallbackJSON     = "json"
	CallbackRedirect = "redirect"
)

const production = "production"

// Config is the full runtime configuration.
type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	DBPath      string `env:"DB_PATH" envDefault:"data/identity.db"`

	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	// Empty means http://localhost:$PORT/auth/google/callback.
	GoogleRedirectURL string        `env:"GOOGLE_REDIRECT_URL"`
	GoogleUserInfoURL string        `env:"GOOGLE_USERINFO_URL" envDefault:"https://openidconnect.googleapis.com/v1/userinfo"`
	GoogleTimeout     time.Duration `env:"GOOGLE_TIMEOUT" envDefault:"10s"`

	JWTServiceURL     string        `env:"JWT_SERVICE_URL" envDefault:"http://localhost:8001"`
	JWTServiceTimeout time.Duration `env:"JWT_SERVICE_TIMEOUT" envDefault:"5s"`

	AuthStrategy string `env:"AUTH_STRATEGY" envDefault:"jwt"`
	CallbackMode string `env:"CALLBACK_MODE" envDefault:"json"`
	FrontendURL  string `env:"FRONTEND_URL" envDefault:"http://localhost:3000/"`

	StateTTL   time.Duration `env:"STATE_TTL" envDefault:"10m"`
	SessionTTL time.Duration `env:"SESSION_TTL" envDefault:"24h"`

	CORSOrigins  []string `env:"CORS_ORIGINS" envDefault:"*" envSeparator:","`
	CookieSecure bool     `env:"COOKIE_SECURE" envDefault:"false"`
}

// Load reads .env (if any) and the process environment, fills derived
// defaults and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: reading .env: %w", err)
	}
	return Parse()
}

// Parse reads the process environment only.
func Parse() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config: parsing environment: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.AuthStrategy = strings.ToLower(strings.TrimSpace(c.AuthStrategy))
	c.CallbackMode = strings.ToLower(strings.TrimSpace(c.CallbackMode))
	c.Environment = strings.ToLower(strings.TrimSpace(c.Environment))

	if c.GoogleRedirectURL == "" {
		c.GoogleRedirectURL = fmt.Sprintf("http://localhost:%d/auth/google/callback", c.Port)
	}
	if c.IsProduction() {
		c.CookieSecure = true
	}

	origins := c.CORSOrigins[:0]
	for _, o := range c.CORSOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.CORSOrigins = origins
}

// Validate rejects combinations the server must not start with.
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	switch c.AuthStrategy {
	case StrategyJWT:
	case StrategySession:
		if c.IsProduction() {
			errs = append(errs, errors.New("AUTH_STRATEGY=session is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown AUTH_STRATEGY %q", c.AuthStrategy))
	}
	switch c.CallbackMode {
	case CallbackJSON:
	case CallbackRedirect:
		if c.FrontendURL == "" {
			errs = append(errs, errors.New("CALLBACK_MODE=redirect requires FRONTEND_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CALLBACK_MODE %q", c.CallbackMode))
	}
	if c.JWTServiceTimeout <= 0 {
		errs = append(errs, errors.New("JWT_SERVICE_TIMEOUT must be positive"))
	}
	if c.GoogleTimeout <= 0 {
		errs = append(errs, errors.New("GOOGLE_TIMEOUT must be positive"))
	}
	if c.StateTTL <= 0 || c.SessionTTL <= 0 {
		errs = append(errs, errors.New("STATE_TTL and SESSION_TTL must be positive"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// IsProduction reports whether ENVIRONMENT is production.
func (c *Config) IsProduction() bool {
	return c.Environment == production
}

// ParseLevel maps LOG_LEVEL to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q", s)
	}
	return level, nil
}
