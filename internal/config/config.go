package config

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:":8080"`
	PublicURL string `env:"PUBLIC_URL" envDefault:"http://localhost:8080"`
	Debug     bool   `env:"DEBUG" envDefault:"false"`

	DBDriver string `env:"DB_DRIVER" envDefault:"sqlite"`
	DBDSN    string `env:"DB_DSN"`

	// Origins allowed to read the tool configuration JSON
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`

	// Sign-in cookie and server-side sessions
	SessionSecret   string        `env:"SESSION_SECRET" envDefault:"supersecret-dev-key"`
	CookieSecure    bool          `env:"COOKIE_SECURE" envDefault:"true"`
	SignInTTL       time.Duration `env:"SIGN_IN_TTL" envDefault:"8h"`
	// lax suits launches opened in a new window; iframe placements need none
	SignInSameSite  string        `env:"SIGN_IN_SAMESITE" envDefault:"lax"`
	LoginStateTTL   time.Duration `env:"LTI_LOGIN_STATE_TTL" envDefault:"10m"`
	StaffSessionTTL time.Duration `env:"LTI_STAFF_SESSION_TTL" envDefault:"30m"`

	// Platform registry
	RegistryCacheTTL time.Duration `env:"LTI_REGISTRY_CACHE_TTL" envDefault:"5m"`

	// Blog provisioning
	SiteDomain            string   `env:"SITE_DOMAIN" envDefault:"localhost"`
	SiteTitle             string   `env:"SITE_TITLE" envDefault:"Blogs"`
	// Created at startup when missing; every launching user joins it. Empty
	// disables top-level membership.
	RootSiteID            string   `env:"ROOT_SITE_ID" envDefault:"root"`
	DefaultBlogType       string   `env:"LTI_DEFAULT_BLOG_TYPE" envDefault:"course"`
	DefaultSiteCategory   int      `env:"LTI_DEFAULT_SITE_CATEGORY" envDefault:"2"`
	DefaultSiteTemplateID string   `env:"LTI_DEFAULT_SITE_TEMPLATE_ID"`
	MakeSitesPrivate      bool     `env:"LTI_MAKE_SITES_PRIVATE" envDefault:"false"`
	AllowedSiteOptions    []string `env:"LTI_ALLOWED_SITE_OPTIONS" envSeparator:","`
	HelplineURL           string   `env:"LTI_HELPLINE_URL"`
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.PublicURL) == "" {
		errs = append(errs, errors.New("PUBLIC_URL is required"))
	}
	if len(c.SessionSecret) < 16 {
		errs = append(errs, errors.New("SESSION_SECRET must be at least 16 bytes"))
	}
	if c.DefaultSiteCategory <= 0 {
		errs = append(errs, fmt.Errorf("LTI_DEFAULT_SITE_CATEGORY must be positive, got %d", c.DefaultSiteCategory))
	}
	if c.LoginStateTTL <= 0 || c.StaffSessionTTL <= 0 {
		errs = append(errs, errors.New("session TTLs must be positive"))
	}
	switch strings.ToLower(c.SignInSameSite) {
	case "lax", "strict":
	case "none":
		if !c.CookieSecure {
			errs = append(errs, errors.New("SIGN_IN_SAMESITE=none requires COOKIE_SECURE"))
		}
	default:
		errs = append(errs, fmt.Errorf("SIGN_IN_SAMESITE must be lax, strict or none, got %q", c.SignInSameSite))
	}
	return errors.Join(errs...)
}

// SignInCookieSameSite maps SIGN_IN_SAMESITE onto the cookie attribute.
func (c Config) SignInCookieSameSite() http.SameSite {
	switch strings.ToLower(c.SignInSameSite) {
	case "none":
		return http.SameSiteNoneMode
	case "strict":
		return http.SameSiteStrictMode
	default:
		return http.SameSiteLaxMode
	}
}

// LaunchURL is the redirect_uri registered with every platform.
func (c Config) LaunchURL() string {
	return strings.TrimSuffix(c.PublicURL, "/") + "/lti/launch"
}
