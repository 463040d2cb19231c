package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenExpired is returned for well-formed but expired tokens.
var ErrTokenExpired = errors.New("token has expired")

// Claims is the JWT payload issued by the organization's auth service.
type Claims struct {
	UserID     int64    `json:"user_id"`
	Name       string   `json:"name"`
	Department string   `json:"department,omitempty"`
	Roles      []string `json:"roles,omitempty"`
	Email      string   `json:"email,omitempty"`
	Handle     string   `json:"handle,omitempty"`
	jwt.RegisteredClaims
}

// JWTProvider verifies HMAC-signed access tokens locally.
type JWTProvider struct {
	secretKey []byte
}

func NewJWTProvider(secret string) *JWTProvider {
	return &JWTProvider{secretKey: []byte(secret)}
}

func (p *JWTProvider) Verify(_ context.Context, tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, ErrInvalidToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return p.secretKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrTokenExpired
		}
		return Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID <= 0 {
		return Identity{}, ErrInvalidToken
	}

	return Identity{
		UserID:      claims.UserID,
		DisplayName: claims.Name,
		Department:  claims.Department,
		Roles:       claims.Roles,
		Email:       claims.Email,
		Handle:      claims.Handle,
	}, nil
}

// Sign issues a token for id; used by tooling and tests.
func (p *JWTProvider) Sign(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:     id.UserID,
		Name:       id.DisplayName,
		Department: id.Department,
		Roles:      id.Roles,
		Email:      id.Email,
		Handle:     id.Handle,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   fmt.Sprint(id.UserID),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secretKey)
}
