package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	userIdClaim   = "user-id"
	usernameClaim = "username"
	expClaim      = "exp"
)

var ErrTokenExpired = errors.New("session token expired")

// Claims are the session facts the client needs from the server-issued token.
// The signature is verified by the server on every request; the client only
// reads the claims.
type Claims struct {
	UserId    int
	Username  string
	ExpiresAt time.Time
}

func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

func ParseToken(tokenString string) (Claims, error) {
	token, _, err := new(jwt.Parser).ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return Claims{}, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, fmt.Errorf("invalid token claims")
	}

	userId, ok := claims[userIdClaim].(float64)
	if !ok {
		return Claims{}, fmt.Errorf("invalid user id claim")
	}

	c := Claims{UserId: int(userId)}
	if name, ok := claims[usernameClaim].(string); ok {
		c.Username = name
	}
	if exp, ok := claims[expClaim].(float64); ok {
		c.ExpiresAt = time.Unix(int64(exp), 0).UTC()
	}
	return c, nil
}

// ValidToken parses the token and rejects it when already expired.
func ValidToken(tokenString string, now time.Time) (Claims, error) {
	c, err := ParseToken(tokenString)
	if err != nil {
		return Claims{}, err
	}
	if c.Expired(now) {
		return Claims{}, ErrTokenExpired
	}
	return c, nil
}
