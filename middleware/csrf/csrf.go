package csrf

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeOriginNotAllowed = "CSRF_ORIGIN_NOT_ALLOWED"
	TextCodeTokenMissing     = "CSRF_TOKEN_MISSING"
	TextCodeTokenMismatch    = "CSRF_TOKEN_MISMATCH"
)

var (
	ErrOriginNotAllowed = goerrors.New("request origin not allowed", goerrors.CategoryAuthz).
				WithTextCode(TextCodeOriginNotAllowed).
				WithCode(goerrors.CodeForbidden)
	ErrTokenMissing = goerrors.New("CSRF token missing", goerrors.CategoryAuthz).
			WithTextCode(TextCodeTokenMissing).
			WithCode(goerrors.CodeForbidden)
	ErrTokenMismatch = goerrors.New("CSRF token mismatch", goerrors.CategoryAuthz).
				WithTextCode(TextCodeTokenMismatch).
				WithCode(goerrors.CodeForbidden)
)

// DefaultTokenLength is the default length for CSRF tokens
const DefaultTokenLength = 32

// DefaultContextKey is the default key for storing CSRF tokens in Locals
const DefaultContextKey = "csrf_token"

// DefaultCookieName is the JavaScript readable cookie carrying the token
const DefaultCookieName = "csrf_token"

// DefaultHeaderName is the default header name for CSRF tokens
const DefaultHeaderName = "X-CSRF-Token"

// Config defines the configuration for CSRF middleware
type Config struct {
	// Skip defines a function to skip middleware
	Skip func(*fiber.Ctx) bool

	// TokenLength defines the number of random bytes in a token
	TokenLength int

	// ContextKey defines the Locals key holding the current token
	ContextKey string

	// HeaderName defines the header that must mirror the cookie
	HeaderName string

	// CookieName, CookieDomain, CookiePath, CookieSecure and CookieSameSite
	// shape the token cookie. It is never httponly.
	CookieName     string
	CookieDomain   string
	CookiePath     string
	CookieSecure   bool
	CookieSameSite string

	// Expiration is the token cookie lifetime
	Expiration time.Duration

	// AllowedOrigins lists scheme://host[:port] values accepted on state
	// changing requests. Empty means the request's own origin.
	AllowedOrigins []string

	// ExemptPaths skip the double submit check but keep origin validation.
	ExemptPaths []string

	// ErrorHandler defines the error handler
	ErrorHandler fiber.ErrorHandler

	// SuccessHandler defines the success handler
	SuccessHandler fiber.Handler

	// SafeMethods defines HTTP methods that don't require CSRF protection
	SafeMethods []string
}

// New creates a new CSRF middleware using the double submit cookie pattern.
func New(config ...Config) fiber.Handler {
	cfg := configDefault(config...)

	return func(c *fiber.Ctx) error {
		if cfg.Skip != nil && cfg.Skip(c) {
			return c.Next()
		}

		cookieToken := c.Cookies(cfg.CookieName)

		// safe methods don't require validation
		method := strings.ToUpper(c.Method())
		if !slices.Contains(cfg.SafeMethods, method) {
			if err := validateOrigin(c, cfg); err != nil {
				return reject(c, cfg, err)
			}

			if !isExempt(c.Path(), cfg.ExemptPaths) {
				if err := validateToken(c, cfg, cookieToken); err != nil {
					return reject(c, cfg, err)
				}
			}
		}

		token := cookieToken
		if token == "" {
			var err error
			if token, err = issue(c, cfg); err != nil {
				return cfg.ErrorHandler(c, err)
			}
		}
		c.Locals(cfg.ContextKey, token)

		return cfg.SuccessHandler(c)
	}
}

// IssueToken sets a fresh token cookie and returns the token.
func IssueToken(c *fiber.Ctx, config ...Config) (string, error) {
	return issue(c, configDefault(config...))
}

// TokenFromContext returns the token the middleware stored for this request
func TokenFromContext(c *fiber.Ctx, key ...string) string {
	k := DefaultContextKey
	if len(key) > 0 && key[0] != "" {
		k = key[0]
	}
	token, _ := c.Locals(k).(string)
	return token
}

// reject issues a fresh token so a retrying client can recover.
func reject(c *fiber.Ctx, cfg Config, cause error) error {
	if _, err := issue(c, cfg); err != nil {
		return cfg.ErrorHandler(c, err)
	}
	return cfg.ErrorHandler(c, cause)
}

func issue(c *fiber.Ctx, cfg Config) (string, error) {
	token, err := generateToken(cfg.TokenLength)
	if err != nil {
		return "", err
	}

	c.Cookie(&fiber.Cookie{
		Name:     cfg.CookieName,
		Value:    token,
		Path:     cfg.CookiePath,
		Domain:   cfg.CookieDomain,
		Expires:  time.Now().Add(cfg.Expiration),
		HTTPOnly: false,
		Secure:   cfg.CookieSecure,
		SameSite: cfg.CookieSameSite,
	})
	c.Locals(cfg.ContextKey, token)
	return token, nil
}

// validateToken compares the header against the cookie in constant time
func validateToken(c *fiber.Ctx, cfg Config, cookieToken string) error {
	headerToken := c.Get(cfg.HeaderName)
	if headerToken == "" || cookieToken == "" {
		return ErrTokenMissing
	}
	if subtle.ConstantTimeCompare([]byte(headerToken), []byte(cookieToken)) != 1 {
		return ErrTokenMismatch
	}
	return nil
}

// validateOrigin checks Origin, or the origin of Referer when Origin is
// absent. Requests carrying neither header are not origin checked.
func validateOrigin(c *fiber.Ctx, cfg Config) error {
	origin := c.Get(fiber.HeaderOrigin)
	if origin == "" {
		referer := c.Get(fiber.HeaderReferer)
		if referer == "" {
			return nil
		}
		derived, ok := originOf(referer)
		if !ok {
			return ErrOriginNotAllowed
		}
		origin = derived
	}

	allowed := cfg.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{c.BaseURL()}
	}

	origin = normalizeOrigin(origin)
	for _, candidate := range allowed {
		if origin == normalizeOrigin(candidate) {
			return nil
		}
	}
	return ErrOriginNotAllowed
}

func originOf(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return u.Scheme + "://" + u.Host, true
}

func normalizeOrigin(origin string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))
}

func isExempt(path string, exempt []string) bool {
	path = strings.TrimRight(path, "/")
	for _, p := range exempt {
		if path == strings.TrimRight(p, "/") {
			return true
		}
	}
	return false
}

// generateToken generates a cryptographically secure random token
func generateToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// configDefault returns a default config
func configDefault(config ...Config) Config {
	cfg := Config{}
	if len(config) > 0 {
		cfg = config[0]
	}

	if cfg.TokenLength == 0 {
		cfg.TokenLength = DefaultTokenLength
	}

	if cfg.ContextKey == "" {
		cfg.ContextKey = DefaultContextKey
	}

	if cfg.HeaderName == "" {
		cfg.HeaderName = DefaultHeaderName
	}

	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}

	if cfg.CookiePath == "" {
		cfg.CookiePath = "/"
	}

	if cfg.CookieSameSite == "" {
		cfg.CookieSameSite = fiber.CookieSameSiteLaxMode
	}

	if cfg.SafeMethods == nil {
		cfg.SafeMethods = []string{fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions, fiber.MethodTrace}
	}

	if cfg.ExemptPaths == nil {
		cfg.ExemptPaths = []string{"/api/auth/login", "/api/auth/refresh"}
	}

	if cfg.Expiration == 0 {
		cfg.Expiration = 24 * time.Hour
	}

	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = defaultErrorHandler
	}

	if cfg.SuccessHandler == nil {
		cfg.SuccessHandler = func(c *fiber.Ctx) error {
			return c.Next()
		}
	}

	return cfg
}

func defaultErrorHandler(c *fiber.Ctx, err error) error {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return c.Status(rich.Code).JSON(fiber.Map{
			"error": fiber.Map{
				"code":    rich.TextCode,
				"message": rich.Message,
			},
		})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "CSRF_ERROR",
			"message": "CSRF validation error",
		},
	})
}
