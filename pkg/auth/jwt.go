package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/gdbrns/whatsapp-companion-bridge/pkg/router"
)

// ControlClaims identify the operator or service calling the control plane.
type ControlClaims struct {
	jwt.RegisteredClaims
}

// generateControlToken signs an HS256 token for the control plane. A zero ttl never expires.
func generateControlToken(secret string, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("control JWT secret not configured")
	}

	now := time.Now()
	claims := ControlClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateControlToken validates a control-plane JWT and returns the claims
func ValidateControlToken(secret string, tokenString string) (*ControlClaims, error) {
	if secret == "" {
		return nil, errors.New("control JWT secret not configured")
	}

	token, err := jwt.ParseWithClaims(tokenString, &ControlClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*ControlClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token claims")
}

// BearerAuth guards a route with a bearer JWT. An empty secret disables the check.
func BearerAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if secret == "" {
			return c.Next()
		}

		header := c.Get(fiber.HeaderAuthorization)
		tokenString, found := strings.CutPrefix(header, "Bearer ")
		if !found || strings.TrimSpace(tokenString) == "" {
			return router.ResponseUnauthorized(c, "missing bearer token")
		}

		claims, err := ValidateControlToken(secret, strings.TrimSpace(tokenString))
		if err != nil {
			return router.ResponseUnauthorized(c, "invalid bearer token")
		}

		c.Locals("subject", claims.Subject)
		return c.Next()
	}
}
