package auth

import (
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"gopkg.in/yaml.v3"
)

// Options is the file backed Config.
type Options struct {
	SigningKey string `yaml:"signing_key"`
	// PreviousSigningKeys still verify tokens but never sign new ones.
	PreviousSigningKeys []string      `yaml:"previous_signing_keys"`
	Issuer              string        `yaml:"issuer"`
	Audience            []string      `yaml:"audience"`
	AccessTokenTTL      time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL     time.Duration `yaml:"refresh_token_ttl"`
	RefreshSecretPepper string        `yaml:"refresh_secret_pepper"`
	PasswordCost        int           `yaml:"password_cost"`

	LoginRatePerMinute float64 `yaml:"login_rate_per_minute"`
	LoginBurst         int     `yaml:"login_burst"`

	// ImpersonationManagerRole names the tenant role impersonated by default.
	ImpersonationManagerRole string `yaml:"impersonation_manager_role"`

	Cookies  CookieOptions   `yaml:"cookies"`
	CSRF     CSRFOptions     `yaml:"csrf"`
	Database DatabaseOptions `yaml:"database"`
	Redis    RedisOptions    `yaml:"redis"`
	Server   ServerOptions   `yaml:"server"`
}

type CookieOptions struct {
	Domain   string `yaml:"domain"`
	Path     string `yaml:"path"`
	Secure   bool   `yaml:"secure"`
	SameSite string `yaml:"same_site"`
}

type CSRFOptions struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	ExemptPaths    []string `yaml:"exempt_paths"`
}

type DatabaseOptions struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RedisOptions enables the shared login limiter. An empty Addr keeps
// throttling in process.
type RedisOptions struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type ServerOptions struct {
	Addr        string `yaml:"addr"`
	MetricsPath string `yaml:"metrics_path"`
}

var _ Config = (*Options)(nil)

// DefaultOptions returns options usable for local development once a
// signing key is set.
func DefaultOptions() *Options {
	return &Options{
		Issuer:                   "go-authcore",
		AccessTokenTTL:           DefaultAccessTokenTTL,
		RefreshTokenTTL:          DefaultRefreshTokenTTL,
		PasswordCost:             DefaultPasswordCost,
		LoginRatePerMinute:       10,
		LoginBurst:               5,
		ImpersonationManagerRole: DefaultManagerRole,
		Cookies: CookieOptions{
			Path:     "/",
			Secure:   true,
			SameSite: "Lax",
		},
		CSRF: CSRFOptions{
			ExemptPaths: []string{"/api/auth/login", "/api/auth/refresh"},
		},
		Database: DatabaseOptions{
			Driver: "sqlite",
			DSN:    "file:authcore.db?cache=shared",
		},
		Server: ServerOptions{
			Addr:        ":8080",
			MetricsPath: "/metrics",
		},
	}
}

// LoadOptions reads path over the defaults, applies AUTH_* environment
// overrides and validates the result. An empty path skips the file.
func LoadOptions(path string) (*Options, error) {
	opts := DefaultOptions()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "reading config file")
		}
		if err := yaml.Unmarshal(data, opts); err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "parsing config file")
		}
	}

	applyEnvOverrides(opts)

	if err := opts.Validate(); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "validating config")
	}

	return opts, nil
}

func applyEnvOverrides(opts *Options) {
	if v := os.Getenv("AUTH_SIGNING_KEY"); v != "" {
		opts.SigningKey = v
	}
	if v := os.Getenv("AUTH_PREVIOUS_SIGNING_KEYS"); v != "" {
		opts.PreviousSigningKeys = splitList(v)
	}
	if v := os.Getenv("AUTH_ISSUER"); v != "" {
		opts.Issuer = v
	}
	if v := os.Getenv("AUTH_REFRESH_SECRET_PEPPER"); v != "" {
		opts.RefreshSecretPepper = v
	}

	if v := os.Getenv("AUTH_DATABASE_DRIVER"); v != "" {
		opts.Database.Driver = v
	}
	if v := os.Getenv("AUTH_DATABASE_DSN"); v != "" {
		opts.Database.DSN = v
	}

	if v := os.Getenv("AUTH_REDIS_ADDR"); v != "" {
		opts.Redis.Addr = v
	}
	if v := os.Getenv("AUTH_REDIS_PASSWORD"); v != "" {
		opts.Redis.Password = v
	}

	if v := os.Getenv("AUTH_LISTEN_ADDR"); v != "" {
		opts.Server.Addr = v
	}

	if v := os.Getenv("AUTH_CSRF_ALLOWED_ORIGINS"); v != "" {
		opts.CSRF.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("AUTH_COOKIE_SECURE"); v != "" {
		if secure, err := strconv.ParseBool(v); err == nil {
			opts.Cookies.Secure = secure
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (o *Options) Validate() error {
	return validation.ValidateStruct(o,
		validation.Field(&o.SigningKey, validation.Required, validation.Length(32, 0)),
		validation.Field(&o.Issuer, validation.Required),
		validation.Field(&o.AccessTokenTTL, validation.Required, validation.Min(time.Minute)),
		validation.Field(&o.RefreshTokenTTL, validation.Required, validation.Min(time.Hour)),
		validation.Field(&o.PasswordCost, validation.Min(4), validation.Max(31)),
		validation.Field(&o.LoginRatePerMinute, validation.Min(0.0)),
		validation.Field(&o.Cookies),
		validation.Field(&o.CSRF),
		validation.Field(&o.Database),
		validation.Field(&o.Redis),
	)
}

func (c CookieOptions) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.SameSite, validation.In("Lax", "Strict", "None")),
	)
}

func (c CSRFOptions) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.AllowedOrigins, validation.By(eachURL)),
	)
}

func eachURL(value interface{}) error {
	origins, _ := value.([]string)
	for _, origin := range origins {
		if err := is.URL.Validate(origin); err != nil {
			return err
		}
	}
	return nil
}

func eachKey(value interface{}) error {
	keys, _ := value.([]string)
	for _, key := range keys {
		if err := validation.Validate(key, validation.Required, validation.Length(32, 0)); err != nil {
			return err
		}
	}
	return nil
}

func (d DatabaseOptions) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Driver, validation.Required, validation.In("sqlite", "postgres")),
		validation.Field(&d.DSN, validation.Required),
	)
}

func (r RedisOptions) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.DB, validation.Min(0), validation.Max(15)),
	)
}

func (o *Options) GetSigningKey() string {
	return o.SigningKey
}

func (o *Options) GetIssuer() string {
	return o.Issuer
}

func (o *Options) GetAudience() []string {
	return o.Audience
}

func (o *Options) GetAccessTokenTTL() time.Duration {
	return o.AccessTokenTTL
}

func (o *Options) GetRefreshTokenTTL() time.Duration {
	return o.RefreshTokenTTL
}

func (o *Options) GetRefreshSecretPepper() string {
	return o.RefreshSecretPepper
}

func (o *Options) GetPasswordCost() int {
	return o.PasswordCost
}
