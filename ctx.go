package auth

import (
	"context"

	"github.com/gofiber/fiber/v2"
	goerrors "github.com/goliatone/go-errors"
)

var requestCtxKey = &contextKey{"request"}
var identityCtxKey = &contextKey{"identity"}
var claimsCtxKey = &contextKey{"claims"}

// LocalsIdentityKey is the fiber Locals key holding the *ResolvedIdentity.
const LocalsIdentityKey = "auth.identity"

// LocalsClaimsKey is the fiber Locals key holding the *AccessClaims.
const LocalsClaimsKey = "auth.claims"

// ErrUnauthenticated is returned when a request carries no identity.
var ErrUnauthenticated = goerrors.New("request is not authenticated", goerrors.CategoryAuth).
	WithTextCode(TextCodeAuthenticationFailed).
	WithCode(goerrors.CodeUnauthorized)

type contextKey struct {
	name string
}

// RequestContext carries per-request facts that services record, never
// anything used for authorization.
type RequestContext struct {
	IPAddress string
	UserAgent string
	RequestID string
}

// WithRequestContext stores request metadata in ctx
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestCtxKey, rc)
}

// RequestContextFrom returns the request metadata, zero value when missing.
func RequestContextFrom(ctx context.Context) RequestContext {
	if ctx == nil {
		return RequestContext{}
	}
	rc, _ := ctx.Value(requestCtxKey).(RequestContext)
	return rc
}

// WithIdentity sets the resolved identity in the given context
func WithIdentity(ctx context.Context, identity *ResolvedIdentity) context.Context {
	return context.WithValue(ctx, identityCtxKey, identity)
}

// CurrentIdentity returns the effective identity of the request.
func CurrentIdentity(ctx context.Context) (*ResolvedIdentity, error) {
	if ctx == nil {
		return nil, ErrUnauthenticated
	}
	identity, ok := ctx.Value(identityCtxKey).(*ResolvedIdentity)
	if !ok || identity == nil {
		return nil, ErrUnauthenticated
	}
	return identity, nil
}

// WithClaimsContext sets the decoded access claims in the given context
func WithClaimsContext(ctx context.Context, claims *AccessClaims) context.Context {
	return context.WithValue(ctx, claimsCtxKey, claims)
}

// GetClaims extracts the access claims from the standard context
func GetClaims(ctx context.Context) (*AccessClaims, bool) {
	if ctx == nil {
		return nil, false
	}
	claims, ok := ctx.Value(claimsCtxKey).(*AccessClaims)
	return claims, ok && claims != nil
}

// CurrentIdentityFromFiber reads the identity stored by the auth middleware.
func CurrentIdentityFromFiber(c *fiber.Ctx) (*ResolvedIdentity, error) {
	if identity, ok := c.Locals(LocalsIdentityKey).(*ResolvedIdentity); ok && identity != nil {
		return identity, nil
	}
	return CurrentIdentity(c.UserContext())
}

// ClaimsFromFiber reads the access claims stored by the auth middleware.
func ClaimsFromFiber(c *fiber.Ctx) (*AccessClaims, bool) {
	if claims, ok := c.Locals(LocalsClaimsKey).(*AccessClaims); ok && claims != nil {
		return claims, true
	}
	return GetClaims(c.UserContext())
}

// RequestContextFromFiber captures the client address and user agent.
func RequestContextFromFiber(c *fiber.Ctx) RequestContext {
	return RequestContext{
		IPAddress: c.IP(),
		UserAgent: c.Get(fiber.HeaderUserAgent),
		RequestID: c.Get(fiber.HeaderXRequestID),
	}
}

// Can checks a permission against the identity in ctx
func Can(ctx context.Context, permission string) bool {
	identity, err := CurrentIdentity(ctx)
	if err != nil {
		return false
	}
	return identity.Can(permission)
}
