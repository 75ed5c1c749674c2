// internal/realtime/token.go
package realtime

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles understood by the realtime server.
const (
	RoleAnon        = "anon"
	RoleServiceRole = "service_role"
)

// ErrInvalidRole is returned for a role other than anon or service_role.
var ErrInvalidRole = errors.New("realtime: invalid role")

// MintToken signs an HS256 API key carrying role. A zero ttl mints a key that
// never expires.
func MintToken(secret, role string, ttl time.Duration) (string, error) {
	if role != RoleAnon && role != RoleServiceRole {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if secret == "" {
		return "", errors.New("realtime: empty jwt secret")
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"role": role,
		"iss":  "livefeed",
		"iat":  now.Unix(),
	}
	if ttl > 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseRole validates an HS256 key against secret and returns its role.
func ParseRole(secret, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid API key: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid API key claims")
	}
	role, ok := claims["role"].(string)
	if !ok {
		return "", fmt.Errorf("API key missing role claim")
	}
	if role != RoleAnon && role != RoleServiceRole {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	return role, nil
}
