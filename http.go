package auth

import (
	"errors"
	"net/http"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/gofiber/fiber/v2"
	goerrors "github.com/goliatone/go-errors"
)

const (
	AccessTokenCookie  = "access_token"
	RefreshTokenCookie = "refresh_token"
)

// CookieSettings controls the session cookies. Both cookies are httponly,
// the refresh cookie is only sent to the auth routes.
type CookieSettings struct {
	Domain      string
	Path        string
	RefreshPath string
	Secure      bool
	SameSite    string
	RefreshTTL  time.Duration
}

func DefaultCookieSettings() CookieSettings {
	return CookieSettings{
		Path:        "/",
		RefreshPath: "/api/auth",
		Secure:      true,
		SameSite:    fiber.CookieSameSiteLaxMode,
		RefreshTTL:  DefaultRefreshTokenTTL,
	}
}

// CookieSettingsFromOptions maps the cookie section of Options.
func CookieSettingsFromOptions(opts *Options) CookieSettings {
	s := DefaultCookieSettings()
	if opts == nil {
		return s
	}
	s.Domain = opts.Cookies.Domain
	if opts.Cookies.Path != "" {
		s.Path = opts.Cookies.Path
	}
	s.Secure = opts.Cookies.Secure
	if opts.Cookies.SameSite != "" {
		s.SameSite = opts.Cookies.SameSite
	}
	if opts.RefreshTokenTTL > 0 {
		s.RefreshTTL = opts.RefreshTokenTTL
	}
	return s
}

// SetSession writes the access and refresh cookies for grant.
func (s CookieSettings) SetSession(c *fiber.Ctx, grant *SessionGrant) {
	c.Cookie(&fiber.Cookie{
		Name:     AccessTokenCookie,
		Value:    grant.AccessToken,
		Path:     s.Path,
		Domain:   s.Domain,
		Expires:  grant.Claims.Expires(),
		HTTPOnly: true,
		Secure:   s.Secure,
		SameSite: s.SameSite,
	})
	c.Cookie(&fiber.Cookie{
		Name:     RefreshTokenCookie,
		Value:    grant.RefreshToken,
		Path:     s.RefreshPath,
		Domain:   s.Domain,
		Expires:  time.Now().Add(s.RefreshTTL),
		HTTPOnly: true,
		Secure:   s.Secure,
		SameSite: s.SameSite,
	})
}

// ClearSession expires both session cookies.
func (s CookieSettings) ClearSession(c *fiber.Ctx) {
	s.cookieDel(c, AccessTokenCookie, s.Path)
	s.cookieDel(c, RefreshTokenCookie, s.RefreshPath)
}

func (s CookieSettings) cookieDel(c *fiber.Ctx, name, path string) {
	c.Cookie(&fiber.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		Domain:   s.Domain,
		Expires:  time.Now().Add(-time.Hour * (24 * 365)),
		HTTPOnly: true,
		Secure:   s.Secure,
		SameSite: s.SameSite,
	})
}

// ErrorResponse is the JSON body of a failed request.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// WriteError renders err with the status HTTPStatus maps it to. Internal
// errors never expose their message.
func WriteError(c *fiber.Ctx, err error) error {
	status := HTTPStatus(err)
	body := ErrorBody{
		Code:    TextCodeStoreFailure,
		Message: http.StatusText(status),
	}

	var rich *goerrors.Error
	if errors.As(err, &rich) && status < http.StatusInternalServerError {
		body.Code = rich.TextCode
		body.Message = rich.Message
		body.Metadata = rich.Metadata
	}

	return c.Status(status).JSON(ErrorResponse{Error: body})
}

// NewPayloadError wraps ozzo validation failures with per field messages.
func NewPayloadError(err error) error {
	return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid request payload").
		WithTextCode("INVALID_PAYLOAD").
		WithCode(goerrors.CodeBadRequest).
		WithMetadata(map[string]any{
			"fields": FormatValidationErrorToMap(err),
		})
}

// FormatValidationErrorToMap flattens ozzo errors to field name, message.
func FormatValidationErrorToMap(err error) map[string]string {
	out := map[string]string{}
	var verrs validation.Errors
	if !errors.As(err, &verrs) {
		out["_"] = err.Error()
		return out
	}
	for field, ferr := range verrs {
		if ferr != nil {
			out[field] = ferr.Error()
		}
	}
	return out
}
