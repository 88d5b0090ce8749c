// handlers/completion_routes.go
package handlers

import (
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"passport-quest/middleware"
	"passport-quest/models"
	"passport-quest/services"
)

func SetupCompletionRoutes(app *fiber.App, auth fiber.Handler, gate *services.CompletionGate) {
	app.Post("/quests/complete", auth, func(c *fiber.Ctx) error {
		userID := middleware.UserID(c)

		// A body that does not decode is a policy rejection, not a transport
		// error, so the device stops retrying it.
		var payload services.CompletionPayload
		if err := json.Unmarshal(c.Body(), &payload); err != nil {
			log.Info().Str("user_id", userID).Err(err).Msg("[COMPLETE] undecodable body")
			return c.JSON(models.Rejected(models.ReasonValidationFailed))
		}

		resp, err := gate.Evaluate(c.UserContext(), userID, &payload, clientIP(c))
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("❌ [COMPLETE] evaluation failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "completion could not be processed",
			})
		}
		return c.JSON(resp)
	})
}

// clientIP prefers the first X-Forwarded-For hop set by the edge proxy.
func clientIP(c *fiber.Ctx) string {
	if fwd := c.Get(fiber.HeaderXForwardedFor); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return c.IP()
}
