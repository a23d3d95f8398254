package jwtware

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"

	auth "github.com/hotelier/go-authcore"
)

// TokenDecoder verifies a raw access token.
type TokenDecoder = auth.TokenDecoder

// IdentityResolver turns verified claims into the effective identity.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, claims *auth.AccessClaims) (*auth.ResolvedIdentity, error)
}

type Config struct {
	// Filter skips the middleware when it returns true
	Filter func(*fiber.Ctx) bool

	Decoder  TokenDecoder
	Resolver IdentityResolver

	// CookieName is checked first, then the Authorization header.
	CookieName string
	AuthScheme string

	// Optional lets anonymous requests through. A token that is present but
	// invalid is still rejected.
	Optional bool

	SuccessHandler fiber.Handler
	ErrorHandler   fiber.ErrorHandler
}

// New authenticates requests with the access token cookie or a bearer
// token and stores the resolved identity for the rest of the request.
func New(config ...Config) fiber.Handler {
	cfg := configDefault(config...)

	return func(c *fiber.Ctx) error {
		if cfg.Filter != nil && cfg.Filter(c) {
			return c.Next()
		}

		raw := extractToken(c, cfg)
		if raw == "" {
			if cfg.Optional {
				return c.Next()
			}
			return cfg.ErrorHandler(c, auth.ErrUnauthenticated)
		}

		claims, err := cfg.Decoder.Decode(raw)
		if err != nil {
			return cfg.ErrorHandler(c, err)
		}

		ctx := auth.WithRequestContext(c.UserContext(), auth.RequestContextFromFiber(c))

		identity, err := cfg.Resolver.ResolveIdentity(ctx, claims)
		if err != nil {
			return cfg.ErrorHandler(c, err)
		}

		// identities never outlive the request, fiber reuses Ctx values
		defer func() {
			c.Locals(auth.LocalsIdentityKey, nil)
			c.Locals(auth.LocalsClaimsKey, nil)
		}()

		c.Locals(auth.LocalsIdentityKey, identity)
		c.Locals(auth.LocalsClaimsKey, claims)

		ctx = auth.WithClaimsContext(ctx, claims)
		ctx = auth.WithIdentity(ctx, identity)
		c.SetUserContext(ctx)

		return cfg.SuccessHandler(c)
	}
}

// RequirePermission rejects requests whose identity lacks permission. It
// must run after New.
func RequirePermission(permission string, errorHandler ...fiber.ErrorHandler) fiber.Handler {
	onError := defaultErrorHandler
	if len(errorHandler) > 0 && errorHandler[0] != nil {
		onError = errorHandler[0]
	}

	return func(c *fiber.Ctx) error {
		identity, err := auth.CurrentIdentityFromFiber(c)
		if err != nil {
			return onError(c, err)
		}
		if !identity.Can(permission) {
			return onError(c, auth.NewForbiddenError(permission))
		}
		return c.Next()
	}
}

func extractToken(c *fiber.Ctx, cfg Config) string {
	if cfg.CookieName != "" {
		if token := c.Cookies(cfg.CookieName); token != "" {
			return token
		}
	}

	header := c.Get(fiber.HeaderAuthorization)
	prefix := cfg.AuthScheme + " "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func configDefault(config ...Config) Config {
	cfg := Config{}
	if len(config) > 0 {
		cfg = config[0]
	}

	if cfg.Decoder == nil {
		panic("jwtware: Decoder is required")
	}

	if cfg.Resolver == nil {
		panic("jwtware: Resolver is required")
	}

	if cfg.CookieName == "" {
		cfg.CookieName = auth.AccessTokenCookie
	}

	if cfg.AuthScheme == "" {
		cfg.AuthScheme = "Bearer"
	}

	if cfg.SuccessHandler == nil {
		cfg.SuccessHandler = func(c *fiber.Ctx) error {
			return c.Next()
		}
	}

	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = defaultErrorHandler
	}

	return cfg
}

func defaultErrorHandler(c *fiber.Ctx, err error) error {
	return auth.WriteError(c, err)
}
