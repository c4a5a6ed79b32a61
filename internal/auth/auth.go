// Package auth scopes HTTP requests to an organization with bearer JWTs.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrAuthDisabled    = errors.New("auth disabled")
	ErrInvalidToken    = errors.New("invalid token")
	ErrMissingOrgClaim = errors.New("token has no organization")
)

// Principal is the authenticated caller.
type Principal struct {
	Subject        string
	OrganizationID string
}

// Claims carries the organization scope next to the registered claims.
type Claims struct {
	Organization string `json:"org"`
	jwt.RegisteredClaims
}

// JWTService signs and verifies HS256 tokens.
type JWTService struct {
	secret []byte
	issuer string
	expiry time.Duration
}

// NewJWTService builds a JWT helper. An empty secret disables auth.
func NewJWTService(secret, issuer string, expiry time.Duration) *JWTService {
	return &JWTService{secret: []byte(secret), issuer: strings.TrimSpace(issuer), expiry: expiry}
}

// Enabled reports whether tokens are required.
func (s *JWTService) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

// Generate issues a token for subject scoped to organizationID.
func (s *JWTService) Generate(subject, organizationID string) (string, error) {
	if !s.Enabled() {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(organizationID) == "" {
		return "", ErrMissingOrgClaim
	}
	now := time.Now()
	claims := Claims{
		Organization: organizationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			Issuer:   s.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.expiry))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Validate parses token and returns its principal.
func (s *JWTService) Validate(token string) (*Principal, error) {
	if !s.Enabled() {
		return nil, ErrAuthDisabled
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Organization) == "" {
		return nil, ErrMissingOrgClaim
	}
	return &Principal{Subject: claims.Subject, OrganizationID: claims.Organization}, nil
}
