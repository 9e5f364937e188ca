package middleware

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/wavechat/wavechat-api/internal/utils"
)

// JWTProtected returns a middleware that validates JWT bearer tokens.
func JWTProtected(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authorization := c.Get("Authorization")
		if authorization == "" {
			return utils.SendError(c, fiber.StatusUnauthorized, "authorization header missing")
		}

		claims, err := parseBearer(authorization, secret)
		if err != nil {
			return utils.SendError(c, fiber.StatusUnauthorized, err.Error())
		}

		bindClaims(c, claims)
		return c.Next()
	}
}

// JWTOptional parses a bearer token when one is present and continues
// anonymously otherwise. Presence endpoints accept identity from the request
// body for legacy clients, so a missing or bad token is not fatal here.
func JWTOptional(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authorization := c.Get("Authorization")
		if authorization != "" {
			if claims, err := parseBearer(authorization, secret); err == nil {
				bindClaims(c, claims)
			}
		}
		return c.Next()
	}
}

func parseBearer(authorization, secret string) (jwt.MapClaims, error) {
	const bearer = "Bearer "
	if !strings.HasPrefix(strings.ToLower(authorization), strings.ToLower(bearer)) {
		return nil, fmt.Errorf("invalid authorization header")
	}

	tokenString := strings.TrimSpace(authorization[len(bearer):])
	if tokenString == "" {
		return nil, fmt.Errorf("invalid token")
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

func bindClaims(c *fiber.Ctx, claims jwt.MapClaims) {
	if userID := extractUserIDFromClaims(claims); userID != nil {
		c.Locals("user_id", *userID)
	}
	if username := extractUsernameFromClaims(claims); username != "" {
		c.Locals("username", username)
	}
}

func extractUserIDFromClaims(claims jwt.MapClaims) *uint {
	keys := []string{"user_id", "id", "sub"}
	for _, key := range keys {
		if value, ok := claims[key]; ok {
			if normalized, err := normalizeUserID(value); err == nil {
				return &normalized
			}
		}
	}

	return nil
}

func normalizeUserID(value interface{}) (uint, error) {
	switch v := value.(type) {
	case float64:
		if v < 0 {
			return 0, fmt.Errorf("invalid subject")
		}
		return uint(v), nil
	case string:
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, err
		}
		return uint(parsed), nil
	case int:
		if v < 0 {
			return 0, fmt.Errorf("invalid subject")
		}
		return uint(v), nil
	default:
		return 0, fmt.Errorf("unsupported subject type")
	}
}

func extractUsernameFromClaims(claims jwt.MapClaims) string {
	candidates := []string{"username", "preferred_username", "sub"}
	for _, key := range candidates {
		if value, ok := claims[key]; ok {
			if str, isString := value.(string); isString {
				trimmed := strings.TrimSpace(str)
				if trimmed != "" {
					if _, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
						continue
					}
					return trimmed
				}
			}
		}
	}
	return ""
}
