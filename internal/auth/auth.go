// Package auth verifies the bearer tokens that identify callers of the
// HTTP and gRPC transports.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/timebank/pkg/timebank"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// RoleAdmin allows administrative credit adjustments.
	RoleAdmin = "admin"

	bearerPrefix      = "bearer "
	defaultTokenTTL   = time.Hour
	minimumKeyLength  = 16
	errorMessageParse = "parse token"
)

var (
	ErrMissingToken     = errors.New("auth: missing bearer token")
	ErrInvalidToken     = errors.New("auth: invalid token")
	ErrInvalidAuthSetup = errors.New("auth: invalid configuration")
)

// Claims is the JWT payload. The subject carries the caller's user id.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller.
type Principal struct {
	UserID timebank.UserID
	Roles  []string
}

// HasRole reports whether the principal carries role.
func (principal Principal) HasRole(role string) bool {
	return slices.Contains(principal.Roles, role)
}

// Authenticator issues and verifies HS256 tokens.
type Authenticator struct {
	signingKey []byte
	issuer     string
	tokenTTL   time.Duration
	nowFn      func() time.Time
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithTokenTTL sets the lifetime of issued tokens.
func WithTokenTTL(ttl time.Duration) Option {
	return func(authenticator *Authenticator) {
		authenticator.tokenTTL = ttl
	}
}

// WithClock replaces the clock used for issuing and validating tokens.
func WithClock(now func() time.Time) Option {
	return func(authenticator *Authenticator) {
		authenticator.nowFn = now
	}
}

// NewAuthenticator validates the signing configuration.
func NewAuthenticator(signingKey string, issuer string, options ...Option) (*Authenticator, error) {
	if len(strings.TrimSpace(signingKey)) < minimumKeyLength {
		return nil, fmt.Errorf("%w: signing key must be at least %d characters", ErrInvalidAuthSetup, minimumKeyLength)
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, fmt.Errorf("%w: issuer is required", ErrInvalidAuthSetup)
	}
	authenticator := &Authenticator{
		signingKey: []byte(signingKey),
		issuer:     strings.TrimSpace(issuer),
		tokenTTL:   defaultTokenTTL,
		nowFn:      time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(authenticator)
		}
	}
	if authenticator.tokenTTL <= 0 || authenticator.nowFn == nil {
		return nil, fmt.Errorf("%w: token ttl and clock are required", ErrInvalidAuthSetup)
	}
	return authenticator, nil
}

// IssueToken signs a token for userID with the given roles.
func (authenticator *Authenticator) IssueToken(userID timebank.UserID, roles ...string) (string, error) {
	if userID.IsZero() {
		return "", fmt.Errorf("%w: subject", ErrInvalidToken)
	}
	issuedAt := authenticator.nowFn().UTC()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    authenticator.issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(authenticator.tokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(authenticator.signingKey)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a raw token and returns the principal it names.
func (authenticator *Authenticator) Verify(rawToken string) (Principal, error) {
	if strings.TrimSpace(rawToken) == "" {
		return Principal{}, ErrMissingToken
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(rawToken, &claims, func(token *jwt.Token) (any, error) {
		return authenticator.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(authenticator.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(authenticator.nowFn),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %s: %v", ErrInvalidToken, errorMessageParse, err)
	}
	userID, err := timebank.NewUserID(claims.Subject)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: subject: %v", ErrInvalidToken, err)
	}
	return Principal{UserID: userID, Roles: claims.Roles}, nil
}

// VerifyAuthorization verifies an "Authorization: Bearer <token>" value.
func (authenticator *Authenticator) VerifyAuthorization(header string) (Principal, error) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return Principal{}, ErrMissingToken
	}
	if len(trimmed) < len(bearerPrefix) || !strings.EqualFold(trimmed[:len(bearerPrefix)], bearerPrefix) {
		return Principal{}, fmt.Errorf("%w: expected bearer scheme", ErrInvalidToken)
	}
	return authenticator.Verify(strings.TrimSpace(trimmed[len(bearerPrefix):]))
}

type principalContextKey struct{}

// ContextWithPrincipal stores principal on ctx.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principal)
}

// PrincipalFromContext returns the principal stored by the transport middleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalContextKey{}).(Principal)
	return principal, ok
}
