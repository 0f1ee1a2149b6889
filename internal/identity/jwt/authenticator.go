// Package jwt implements the identity token service with HMAC-signed JWTs.
package jwt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/usergate/internal/domain"
	"github.com/bissquit/usergate/internal/identity"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultAccessTokenDuration is the token lifetime when none is configured.
const DefaultAccessTokenDuration = time.Hour

// Config holds token settings. SecretKey is required.
type Config struct {
	SecretKey           string
	AccessTokenDuration time.Duration
}

// Authenticator issues and verifies access tokens.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// accessClaims is the wire form of the token payload: {id, email, username, iat, exp}.
type accessClaims struct {
	ID       uint   `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// NewAuthenticator creates a new JWT authenticator.
func NewAuthenticator(cfg Config) (*Authenticator, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("jwt: secret key is required")
	}

	ttl := cfg.AccessTokenDuration
	if ttl <= 0 {
		ttl = DefaultAccessTokenDuration
	}

	return &Authenticator{
		secret: []byte(cfg.SecretKey),
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// IssueToken signs a token for user that expires after the configured lifetime.
func (a *Authenticator) IssueToken(_ context.Context, user *domain.User) (string, error) {
	now := a.now().Truncate(time.Second)

	claims := accessClaims{
		ID:       user.ID,
		Email:    user.Email,
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken checks signature, algorithm and expiry and returns the claims.
func (a *Authenticator) VerifyToken(_ context.Context, tokenString string) (*identity.Claims, error) {
	claims := &accessClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (interface{}, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, identity.ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", identity.ErrInvalidToken, err)
	}
	if !token.Valid || claims.ID == 0 {
		return nil, identity.ErrInvalidToken
	}

	result := &identity.Claims{
		UserID:    claims.ID,
		Email:     claims.Email,
		Username:  claims.Username,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		result.IssuedAt = claims.IssuedAt.Time
	}
	return result, nil
}
