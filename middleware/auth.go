// middleware/auth.go
package middleware

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"passport-quest/services"
)

const (
	UserIDLocal    = "user_id"
	DeviceIDLocal  = "device_id"
	UserRolesLocal = "user_roles"
)

// TokenValidator resolves an end-user access token to an identity.
// *services.AuthServiceClient satisfies it.
type TokenValidator interface {
	ValidateToken(ctx context.Context, accessToken string) (*services.ValidateResponse, error)
}

// BearerAuth validates `Authorization: Bearer <token>` with the auth service
// and attaches the caller's identity to the request.
//
// Usage:
//
//	app.Post("/quests/complete", middleware.BearerAuth(authClient), h.Complete)
func BearerAuth(validator TokenValidator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := bearerToken(c.Get(fiber.HeaderAuthorization))
		if token == "" {
			log.Debug().Str("path", c.Path()).Msg("[AUTH] missing bearer token")
			return invalidJWT(c)
		}

		identity, err := validator.ValidateToken(c.UserContext(), token)
		if errors.Is(err, services.ErrInvalidToken) {
			log.Info().Str("path", c.Path()).Str("token_prefix", token[:min(10, len(token))]).Msg("[AUTH] token rejected")
			return invalidJWT(c)
		}
		if err != nil {
			log.Error().Err(err).Str("path", c.Path()).Msg("❌ [AUTH] auth service unavailable")
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "auth service unavailable",
			})
		}

		c.Locals(UserIDLocal, identity.UserID)
		c.Locals(DeviceIDLocal, identity.DeviceID)
		c.Locals(UserRolesLocal, identity.Roles)
		return c.Next()
	}
}

// UserID returns the authenticated user set by BearerAuth, or "".
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals(UserIDLocal).(string)
	return id
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// invalidJWT is the body clients key token refresh on.
func invalidJWT(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid jwt"})
}
