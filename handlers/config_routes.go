// handlers/config_routes.go
package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"passport-quest/services"
)

func SetupConfigRoutes(app *fiber.App, auth fiber.Handler, cities *services.CityConfigService) {
	app.Get("/config/bootstrap", auth, func(c *fiber.Ctx) error {
		cityID := strings.TrimSpace(c.Query("cityId"))
		if cityID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "cityId is required",
			})
		}

		cfg, err := cities.Get(c.UserContext(), cityID)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to load city config",
				"cause": err.Error(),
			})
		}
		return c.JSON(cfg.Bootstrap())
	})
}
