// Package auth provides JWT authentication for the relay channel and the
// per-page permission rules derived from token claims.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PagePermissions lists the pages a user may read or write. "*" grants all.
type PagePermissions struct {
	CanRead  []string `json:"canRead"`
	CanWrite []string `json:"canWrite"`
	IsAdmin  bool     `json:"isAdmin"`
}

// TokenClaims are the JWT claims a client presents on connect. DisplayName
// and AvatarRef seed the presence record the relay announces for the user.
type TokenClaims struct {
	UserID      string          `json:"userId"`
	DisplayName string          `json:"displayName,omitempty"`
	AvatarRef   string          `json:"avatarRef,omitempty"`
	Permissions PagePermissions `json:"permissions"`
	jwt.RegisteredClaims
}

// Errors for token validation.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrShortSecret  = errors.New("JWT secret must be at least 32 characters")
)

// VerifyToken validates the signature and expiry of a token and returns its
// claims. Only HMAC signing is accepted.
func VerifyToken(tokenString, secret string) (*TokenClaims, error) {
	if len(secret) < 32 {
		return nil, ErrShortSecret
	}

	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*TokenClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

// GenerateToken issues a signed channel token for a user.
func GenerateToken(userID, displayName, avatarRef string, permissions PagePermissions, secret string, expiresIn time.Duration) (string, error) {
	if len(secret) < 32 {
		return "", ErrShortSecret
	}

	now := time.Now()
	claims := &TokenClaims{
		UserID:      userID,
		DisplayName: displayName,
		AvatarRef:   avatarRef,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
