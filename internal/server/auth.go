package server

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Auth modes for management routes.
const (
	AuthNone   = "none"
	AuthAPIKey = "api-key"
	AuthJWT    = "jwt"
)

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Mode      string // "api-key", "jwt", "none"
	APIKey    string // MGMT_API_KEY
	JWTSecret string // MGMT_JWT_SECRET, HS256
}

// NewAuthMiddleware returns a Fiber middleware that validates the
// Authorization header. In jwt mode the configured API key, when set, is
// accepted as well.
func NewAuthMiddleware(cfg AuthConfig, logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if cfg.Mode == AuthNone || cfg.Mode == "" {
			return c.Next()
		}

		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" {
			return problemResponse(c, fiber.StatusUnauthorized,
				"missing_auth", "Unauthorized",
				"Authorization header is required")
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_auth_scheme", "Unauthorized",
				"Authorization header must use Bearer scheme")
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		if cfg.APIKey != "" && token == cfg.APIKey {
			c.Locals("subject", "api-key")
			return c.Next()
		}

		if cfg.Mode == AuthJWT {
			sub, err := verifyJWT(token, cfg.JWTSecret)
			if err == nil {
				c.Locals("subject", sub)
				return c.Next()
			}
			logger.Warn().Err(err).Str("path", c.Path()).Msg("Unauthorized request: invalid token")
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_token", "Unauthorized",
				"Invalid or expired token")
		}

		logger.Warn().
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("Unauthorized request: invalid API key")
		return problemResponse(c, fiber.StatusUnauthorized,
			"invalid_api_key", "Unauthorized",
			"Invalid API key")
	}
}

// verifyJWT checks an HS256 token and returns its subject.
func verifyJWT(token, secret string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
