package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/thejerf/abtime"
)

// DefaultAccessTokenTTL keeps access tokens short-lived
const DefaultAccessTokenTTL = 15 * time.Minute

// TokenService signs and decodes access tokens
type TokenService interface {
	Issue(params IssueParams) (string, *AccessClaims, error)
	Decode(token string) (*AccessClaims, error)
}

// IssueParams describes the identity a token asserts.
type IssueParams struct {
	IdentityID    uuid.UUID
	IdentityClass IdentityClass
	Roles         []string
	TenantID      *uuid.UUID
	Impersonation *Impersonation
	// TTL overrides the service default when non zero.
	TTL time.Duration
}

// TokenServiceImpl implements the TokenService interface
type TokenServiceImpl struct {
	signingKey []byte
	ttl        time.Duration
	issuer     string
	audience   jwt.ClaimStrings
	clock      abtime.AbstractTime
	logger     Logger
}

var _ TokenService = (*TokenServiceImpl)(nil)

// NewTokenService creates a new TokenService instance
func NewTokenService(signingKey []byte, ttl time.Duration, issuer string, audience jwt.ClaimStrings, logger Logger) *TokenServiceImpl {
	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL
	}
	return &TokenServiceImpl{
		signingKey: signingKey,
		ttl:        ttl,
		issuer:     issuer,
		audience:   audience,
		clock:      abtime.NewRealTime(),
		logger:     normalizeLogger(logger),
	}
}

// NewTokenServiceFromConfig wires a TokenService from Config
func NewTokenServiceFromConfig(cfg Config, logger Logger) *TokenServiceImpl {
	return NewTokenService(
		[]byte(cfg.GetSigningKey()),
		cfg.GetAccessTokenTTL(),
		cfg.GetIssuer(),
		cfg.GetAudience(),
		logger,
	)
}

func (ts *TokenServiceImpl) WithClock(clock abtime.AbstractTime) *TokenServiceImpl {
	if clock != nil {
		ts.clock = clock
	}
	return ts
}

// TTL returns the default access token lifetime
func (ts *TokenServiceImpl) TTL() time.Duration {
	return ts.ttl
}

// Issue signs a fresh access token. Every call gets a new random jti.
func (ts *TokenServiceImpl) Issue(params IssueParams) (string, *AccessClaims, error) {
	if len(ts.signingKey) == 0 {
		return "", nil, goerrors.New("signing key must not be empty", goerrors.CategoryInternal)
	}
	if params.IdentityID == uuid.Nil {
		return "", nil, goerrors.New("identity id must not be empty", goerrors.CategoryInternal)
	}
	if !params.IdentityClass.IsValid() {
		return "", nil, goerrors.New(fmt.Sprintf("unknown identity class %q", params.IdentityClass), goerrors.CategoryInternal)
	}

	ttl := params.TTL
	if ttl <= 0 {
		ttl = ts.ttl
	}

	roles := params.Roles
	if roles == nil {
		roles = []string{}
	}

	now := ts.clock.Now()
	claims := &AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.issuer,
			Subject:   params.IdentityID.String(),
			Audience:  ts.audience,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		IdentityClass: params.IdentityClass,
		Roles:         roles,
	}

	if params.TenantID != nil && *params.TenantID != uuid.Nil {
		claims.TenantID = params.TenantID.String()
	}

	if imp := params.Impersonation; imp != nil {
		if imp.ActingAsID != params.IdentityID {
			return "", nil, goerrors.New("impersonation acting-as must be the token subject", goerrors.CategoryInternal)
		}
		claims.Impersonation = &ImpersonationClaims{
			ActorID:    imp.ActorID.String(),
			ActingAsID: imp.ActingAsID.String(),
		}
	}

	if err := claims.bind(); err != nil {
		return "", nil, goerrors.Wrap(err, goerrors.CategoryInternal, "issued claims failed validation")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ts.signingKey)
	if err != nil {
		return "", nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to sign JWT")
	}

	return signed, claims, nil
}

// Decode verifies signature, algorithm, expiry and the presence of every
// required claim. All failures collapse into ErrInvalidToken.
func (ts *TokenServiceImpl) Decode(tokenString string) (*AccessClaims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	parserOptions := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(ts.clock.Now),
	}
	if ts.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(ts.issuer))
	}
	if len(ts.audience) > 0 {
		parserOptions = append(parserOptions, jwt.WithAudience(ts.audience...))
	}

	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ts.signingKey, nil
	}, parserOptions...)
	if err != nil {
		ts.logger.Debug("access token rejected: %v", err)
		return nil, ErrInvalidToken
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if err := claims.bind(); err != nil {
		ts.logger.Debug("access token missing required claims")
		return nil, ErrInvalidToken
	}

	return claims, nil
}
