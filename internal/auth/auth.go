// Package auth resolves the caller identity from a bearer token.
//
// Tokens are HS256 JWTs issued by the marketplace's account service; this
// service only verifies them. The subject claim is the user id and the
// "roles" claim lists roles such as "admin".
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("auth: missing bearer token")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// RoleAdmin may resolve disputes.
const RoleAdmin = "admin"

// Identity is an authenticated caller.
type Identity struct {
	UserID string   `json:"userId"`
	Roles  []string `json:"roles,omitempty"`
}

// HasRole reports whether the identity carries role.
func (i *Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Claims is the JWT payload this service understands.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Resolver verifies tokens and yields identities.
type Resolver struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewResolver creates a resolver for HS256 tokens signed with secret.
// An empty issuer accepts any issuer.
func NewResolver(secret, issuer string) *Resolver {
	return &Resolver{secret: []byte(secret), issuer: issuer, leeway: 30 * time.Second}
}

// Resolve parses a raw token (with or without the "Bearer " prefix).
func (r *Resolver) Resolve(raw string) (*Identity, error) {
	token := strings.TrimSpace(raw)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(r.leeway),
		jwt.WithExpirationRequired(),
	}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return r.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &Identity{UserID: claims.Subject, Roles: claims.Roles}, nil
}

// Issue signs a token for userID. The account service owns issuance in
// production; this exists for development tooling and tests.
func (r *Resolver) Issue(userID string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    r.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}
