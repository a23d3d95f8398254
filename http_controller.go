package auth

import (
	"context"
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type AuthControllerRoutes struct {
	Prefix             string
	Login              string
	Refresh            string
	Logout             string
	Me                 string
	ChangePassword     string
	PasswordReset      string
	ImpersonationStart string
	ImpersonationStop  string
	IdentityDeactivate string
	IdentityReactivate string
}

// AuthController serves the JSON auth routes and owns the cookie contract.
type AuthController struct {
	Debug   bool
	Logger  Logger
	Auther  Authenticator
	Cookies CookieSettings
	Routes  *AuthControllerRoutes
}

type AuthControllerOption func(*AuthController) *AuthController

func WithControllerAuthenticator(auther Authenticator) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.Auther = auther
		return c
	}
}

func WithControllerCookies(cookies CookieSettings) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.Cookies = cookies
		return c
	}
}

func WithControllerLogger(logger Logger) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.Logger = normalizeLogger(logger)
		return c
	}
}

func NewAuthController(opts ...AuthControllerOption) *AuthController {
	c := &AuthController{
		Logger:  defLogger{},
		Cookies: DefaultCookieSettings(),
		Routes: &AuthControllerRoutes{
			Prefix:             "/api/auth",
			Login:              "/login",
			Refresh:            "/refresh",
			Logout:             "/logout",
			Me:                 "/me",
			ChangePassword:     "/change-password",
			PasswordReset:      "/password-reset",
			ImpersonationStart: "/impersonation/start",
			ImpersonationStop:  "/impersonation/stop",
			IdentityDeactivate: "/identities/:id/deactivate",
			IdentityReactivate: "/identities/:id/reactivate",
		},
	}

	for _, opt := range opts {
		c = opt(c)
	}

	if c.Auther == nil {
		panic("Missing Authenticator in auth controller...")
	}

	return c
}

// RegisterAuthRoutes mounts the controller. protect authenticates the
// request and stores the resolved identity, see middleware/jwtware.
func RegisterAuthRoutes(app fiber.Router, protect fiber.Handler, opts ...AuthControllerOption) *AuthController {
	controller := NewAuthController(opts...)
	controller.Register(app, protect)
	return controller
}

func (a *AuthController) Register(app fiber.Router, protect fiber.Handler) {
	r := a.Routes
	group := app.Group(r.Prefix)

	group.Post(r.Login, a.LoginPost).Name("auth.login")
	group.Post(r.Refresh, a.RefreshPost).Name("auth.refresh")
	group.Post(r.Logout, a.LogoutPost).Name("auth.logout")

	group.Get(r.Me, protect, a.MeGet).Name("auth.me")
	group.Post(r.ChangePassword, protect, a.ChangePasswordPost).Name("auth.change_password")
	group.Post(r.PasswordReset, protect, a.PasswordResetPost).Name("auth.password_reset")
	group.Post(r.ImpersonationStart, protect, a.ImpersonationStartPost).Name("auth.impersonation.start")
	group.Post(r.ImpersonationStop, protect, a.ImpersonationStopPost).Name("auth.impersonation.stop")
	group.Post(r.IdentityDeactivate, protect, a.IdentityDeactivatePost).Name("auth.identity.deactivate")
	group.Post(r.IdentityReactivate, protect, a.IdentityReactivatePost).Name("auth.identity.reactivate")
}

// LoginRequest payload
type LoginRequest struct {
	Identifier string `form:"identifier" json:"identifier"`
	Password   string `form:"password" json:"password"`
}

// Validate will run validation rules
func (r LoginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Identifier, validation.Required, validation.Length(3, 254), is.Email),
		validation.Field(&r.Password, validation.Required, validation.Length(1, MaxPasswordLength)),
	)
}

// SessionResponse is returned by every route that issues a session.
type SessionResponse struct {
	AccessToken string          `json:"access_token"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Identity    *Identity       `json:"identity"`
	Roles       []string        `json:"roles"`
	Permissions []string        `json:"permissions"`
	MustReset   bool            `json:"must_reset"`
	Session     *SessionSummary `json:"impersonation,omitempty"`
}

type SessionSummary struct {
	ID         uuid.UUID `json:"id"`
	ActorID    uuid.UUID `json:"actor_id"`
	ActingAsID uuid.UUID `json:"acting_as_id"`
	TenantID   uuid.UUID `json:"tenant_id"`
}

func newSessionResponse(grant *SessionGrant) SessionResponse {
	res := SessionResponse{
		AccessToken: grant.AccessToken,
		ExpiresAt:   grant.Claims.Expires(),
		Identity:    grant.Identity,
		Roles:       grant.Claims.Roles,
		Permissions: grant.Permissions.Codes(),
		MustReset:   grant.Identity != nil && grant.Identity.MustReset,
	}
	if s := grant.Session; s != nil {
		res.Session = &SessionSummary{
			ID:         s.ID,
			ActorID:    s.ActorID,
			ActingAsID: s.ActingAsID,
			TenantID:   s.TenantID,
		}
	}
	return res
}

func (a *AuthController) context(c *fiber.Ctx) context.Context {
	return WithRequestContext(c.UserContext(), RequestContextFromFiber(c))
}

func (a *AuthController) issue(c *fiber.Ctx, status int, grant *SessionGrant) error {
	a.Cookies.SetSession(c, grant)
	return c.Status(status).JSON(newSessionResponse(grant))
}

func (a *AuthController) LoginPost(c *fiber.Ctx) error {
	payload := new(LoginRequest)
	if err := c.BodyParser(payload); err != nil {
		return WriteError(c, NewPayloadError(err))
	}
	if err := payload.Validate(); err != nil {
		return WriteError(c, NewPayloadError(err))
	}

	grant, err := a.Auther.Login(a.context(c), payload.Identifier, payload.Password)
	if err != nil {
		a.Logger.Debug("login rejected: %v", err)
		return WriteError(c, err)
	}

	return a.issue(c, fiber.StatusOK, grant)
}

// RefreshPost rotates the refresh cookie. Any rejection clears the session
// cookies, a replayed secret forces the client back to login.
func (a *AuthController) RefreshPost(c *fiber.Ctx) error {
	grant, err := a.Auther.Refresh(a.context(c), c.Cookies(RefreshTokenCookie))
	if err != nil {
		if IsReuseDetected(err) {
			a.Logger.Warn("refresh reuse detected from %s", c.IP())
		}
		if IsReuseDetected(err) || IsAuthenticationFailure(err) || IsImpersonationStateError(err) {
			a.Cookies.ClearSession(c)
		}
		return WriteError(c, err)
	}

	return a.issue(c, fiber.StatusOK, grant)
}

func (a *AuthController) LogoutPost(c *fiber.Ctx) error {
	if err := a.Auther.Logout(a.context(c), c.Cookies(RefreshTokenCookie)); err != nil {
		a.Logger.Error("logout error: %v", err)
		return WriteError(c, err)
	}
	a.Cookies.ClearSession(c)
	return c.SendStatus(fiber.StatusNoContent)
}

// IdentityResponse describes the effective identity of the request.
type IdentityResponse struct {
	IdentityID    uuid.UUID      `json:"identity_id"`
	IdentityClass IdentityClass  `json:"identity_class"`
	TenantID      *uuid.UUID     `json:"tenant_id,omitempty"`
	Roles         []string       `json:"roles"`
	Permissions   []string       `json:"permissions"`
	Impersonation *Impersonation `json:"impersonation,omitempty"`
}

func (a *AuthController) MeGet(c *fiber.Ctx) error {
	identity, err := CurrentIdentityFromFiber(c)
	if err != nil {
		return WriteError(c, err)
	}

	roles := identity.Roles
	if roles == nil {
		roles = []string{}
	}
	return c.JSON(IdentityResponse{
		IdentityID:    identity.IdentityID,
		IdentityClass: identity.IdentityClass,
		TenantID:      identity.TenantID,
		Roles:         roles,
		Permissions:   identity.Permissions.Codes(),
		Impersonation: identity.Impersonation,
	})
}

// ChangePasswordRequest payload
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

func (r ChangePasswordRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.CurrentPassword, validation.Required),
		validation.Field(&r.NewPassword, validation.Required, validation.Length(MinPasswordLength, MaxPasswordLength)),
		validation.Field(
			&r.ConfirmPassword,
			validation.Required,
			validation.By(ValidateStringEquals(r.NewPassword)),
		),
	)
}

func (a *AuthController) ChangePasswordPost(c *fiber.Ctx) error {
	identity, err := CurrentIdentityFromFiber(c)
	if err != nil {
		return WriteError(c, err)
	}
	if identity.IsImpersonating() {
		return WriteError(c, ErrImpersonationNotAllowed)
	}

	payload := new(ChangePasswordRequest)
	if err := c.BodyParser(payload); err != nil {
		return WriteError(c, NewPayloadError(err))
	}
	if err := payload.Validate(); err != nil {
		return WriteError(c, NewPayloadError(err))
	}

	grant, err := a.Auther.ChangePassword(a.context(c), identity.IdentityID, payload.CurrentPassword, payload.NewPassword)
	if err != nil {
		return WriteError(c, err)
	}

	return a.issue(c, fiber.StatusOK, grant)
}

// PasswordResetRequest payload
type PasswordResetRequest struct {
	IdentityID string `json:"identity_id"`
}

func (r PasswordResetRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.IdentityID, validation.Required, is.UUID),
	)
}

type PasswordResetResponse struct {
	IdentityID        uuid.UUID `json:"identity_id"`
	TemporaryPassword string    `json:"temporary_password"`
}

func (a *AuthController) PasswordResetPost(c *fiber.Ctx) error {
	identity, err := CurrentIdentityFromFiber(c)
	if err != nil {
		return WriteError(c, err)
	}

	payload := new(PasswordResetRequest)
	if err := c.BodyParser(payload); err != nil {
		return WriteError(c, NewPayloadError(err))
	}
	if err := payload.Validate(); err != nil {
		return WriteError(c, NewPayloadError(err))
	}
	targetID := uuid.MustParse(payload.IdentityID)

	temporary, err := a.Auther.ResetPassword(a.context(c), identity.IdentityID, targetID)
	if err != nil {
		return WriteError(c, err)
	}

	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.JSON(PasswordResetResponse{
		IdentityID:        targetID,
		TemporaryPassword: temporary,
	})
}

// ImpersonationStartRequest payload, one of TargetID or TenantID is required.
type ImpersonationStartRequest struct {
	TargetID string `json:"target_id"`
	TenantID string `json:"tenant_id"`
	Reason   string `json:"reason"`
}

func (r ImpersonationStartRequest) Validate() error {
	if r.TargetID == "" && r.TenantID == "" {
		return validation.Errors{"target_id": errors.New("target_id or tenant_id is required")}
	}
	return validation.ValidateStruct(&r,
		validation.Field(&r.TargetID, is.UUID),
		validation.Field(&r.TenantID, is.UUID),
		validation.Field(&r.Reason, validation.Required, validation.Length(3, 500)),
	)
}

func (a *AuthController) ImpersonationStartPost(c *fiber.Ctx) error {
	identity, err := CurrentIdentityFromFiber(c)
	if err != nil {
		return WriteError(c, err)
	}
	if identity.IsImpersonating() {
		return WriteError(c, ErrImpersonationAlreadyActive)
	}

	payload := new(ImpersonationStartRequest)
	if err := c.BodyParser(payload); err != nil {
		return WriteError(c, NewPayloadError(err))
	}
	if err := payload.Validate(); err != nil {
		return WriteError(c, NewPayloadError(err))
	}

	grant, err := a.Auther.StartImpersonation(a.context(c), StartImpersonationRequest{
		ActorID:      identity.IdentityID,
		ActorRefresh: c.Cookies(RefreshTokenCookie),
		TargetID:     parseUUIDPtr(payload.TargetID),
		TenantID:     parseUUIDPtr(payload.TenantID),
		Reason:       payload.Reason,
	})
	if err != nil {
		return WriteError(c, err)
	}

	return a.issue(c, fiber.StatusCreated, grant)
}

// ImpersonationStopRequest payload, an empty session id stops the open
// session of the actor.
type ImpersonationStopRequest struct {
	SessionID string `json:"session_id"`
}

func (r ImpersonationStopRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.SessionID, is.UUID),
	)
}

func (a *AuthController) ImpersonationStopPost(c *fiber.Ctx) error {
	identity, err := CurrentIdentityFromFiber(c)
	if err != nil {
		return WriteError(c, err)
	}
	if !identity.IsImpersonating() {
		return WriteError(c, ErrImpersonationInvalidActor)
	}

	payload := new(ImpersonationStopRequest)
	if len(c.Body()) > 0 {
		if err := c.BodyParser(payload); err != nil {
			return WriteError(c, NewPayloadError(err))
		}
	}
	if err := payload.Validate(); err != nil {
		return WriteError(c, NewPayloadError(err))
	}

	req := StopImpersonationRequest{
		CallerID: identity.IdentityID,
		ActorID:  identity.Impersonation.ActorID,
	}
	if id := parseUUIDPtr(payload.SessionID); id != nil {
		req.SessionID = *id
	}

	grant, err := a.Auther.StopImpersonation(a.context(c), req)
	if err != nil {
		if IsAuthenticationFailure(err) {
			a.Cookies.ClearSession(c)
		}
		return WriteError(c, err)
	}

	return a.issue(c, fiber.StatusOK, grant)
}

// IdentityStateRequest payload
type IdentityStateRequest struct {
	Reason string `json:"reason"`
}

func (r IdentityStateRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Reason, validation.Length(0, 500)),
	)
}

type identityTransition func(ctx context.Context, actorID, identityID uuid.UUID, reason string) (*Identity, error)

func (a *AuthController) IdentityDeactivatePost(c *fiber.Ctx) error {
	return a.transitionIdentity(c, a.Auther.DeactivateIdentity)
}

func (a *AuthController) IdentityReactivatePost(c *fiber.Ctx) error {
	return a.transitionIdentity(c, a.Auther.ReactivateIdentity)
}

func (a *AuthController) transitionIdentity(c *fiber.Ctx, transition identityTransition) error {
	identity, err := CurrentIdentityFromFiber(c)
	if err != nil {
		return WriteError(c, err)
	}
	if identity.IsImpersonating() {
		return WriteError(c, ErrImpersonationNotAllowed)
	}

	if err := validation.Validate(c.Params("id"), validation.Required, is.UUID); err != nil {
		return WriteError(c, NewPayloadError(validation.Errors{"id": err}))
	}
	targetID := uuid.MustParse(c.Params("id"))

	payload := new(IdentityStateRequest)
	if len(c.Body()) > 0 {
		if err := c.BodyParser(payload); err != nil {
			return WriteError(c, NewPayloadError(err))
		}
	}
	if err := payload.Validate(); err != nil {
		return WriteError(c, NewPayloadError(err))
	}

	updated, err := transition(a.context(c), identity.IdentityID, targetID, payload.Reason)
	if err != nil {
		return WriteError(c, err)
	}

	return c.JSON(updated)
}

// ValidateStringEquals will check that both values match
func ValidateStringEquals(str string) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		if s != str {
			return errors.New("values must match")
		}
		return nil
	}
}

func parseUUIDPtr(value string) *uuid.UUID {
	if value == "" {
		return nil
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return nil
	}
	return &id
}
