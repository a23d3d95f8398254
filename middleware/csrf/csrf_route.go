package csrf

import "github.com/gofiber/fiber/v2"

// RouteConfig controls how the CSRF token bootstrap endpoint behaves.
type RouteConfig struct {
	// Path is the route registered for retrieving the CSRF token.
	Path string
	// ContextKey is the Locals key where the middleware stored the token.
	ContextKey string
	// HeaderName is reported to the client as the header to mirror into.
	HeaderName string
	// RouteName is the name assigned to the registered route.
	RouteName string
}

const (
	defaultRoutePath = "/api/auth/csrf"
	defaultRouteName = "auth.csrf.get"
)

// RegisterRoutes registers a GET endpoint that returns the CSRF token and
// the header it must be echoed in. The CSRF middleware must run first.
func RegisterRoutes(app fiber.Router, cfg ...RouteConfig) {
	conf := routeConfigDefault(cfg...)
	app.Get(conf.Path, tokenHandler(conf)).Name(conf.RouteName)
}

func routeConfigDefault(cfg ...RouteConfig) RouteConfig {
	conf := RouteConfig{
		Path:       defaultRoutePath,
		ContextKey: DefaultContextKey,
		HeaderName: DefaultHeaderName,
		RouteName:  defaultRouteName,
	}
	if len(cfg) == 0 {
		return conf
	}

	c := cfg[0]
	if c.Path != "" {
		conf.Path = c.Path
	}

	if c.ContextKey != "" {
		conf.ContextKey = c.ContextKey
	}

	if c.HeaderName != "" {
		conf.HeaderName = c.HeaderName
	}

	if c.RouteName != "" {
		conf.RouteName = c.RouteName
	}

	return conf
}

func tokenHandler(cfg RouteConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := TokenFromContext(c, cfg.ContextKey)
		if token == "" {
			return defaultErrorHandler(c, ErrTokenMissing)
		}

		c.Set(fiber.HeaderCacheControl, "no-store, max-age=0")
		c.Set(fiber.HeaderPragma, "no-cache")
		c.Set(fiber.HeaderExpires, "0")

		return c.JSON(fiber.Map{
			"token":       token,
			"header_name": cfg.HeaderName,
		})
	}
}
