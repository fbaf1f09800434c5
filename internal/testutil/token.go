package testutil

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
)

// SessionToken signs a token carrying the claims the client reads.
func SessionToken(t *testing.T, userId int, username string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user-id":  userId,
		"username": username,
		"exp":      exp.Unix(),
	})
	s, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}
