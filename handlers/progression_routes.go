// handlers/progression_routes.go
package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"passport-quest/middleware"
	"passport-quest/services"
)

type badgeView struct {
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IconURL     string    `json:"iconUrl,omitempty"`
	QuestID     *string   `json:"questId,omitempty"`
	AwardedAt   time.Time `json:"awardedAt"`
}

func SetupProgressionRoutes(app *fiber.App, auth fiber.Handler, progressionService *services.ProgressionService, badgeService *services.BadgeService) {
	secured := app.Group("/users/me", auth)

	secured.Get("/summary", func(c *fiber.Ctx) error {
		summary, err := progressionService.Summary(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to load summary",
				"cause": err.Error(),
			})
		}
		return c.JSON(fiber.Map{"stats": summary})
	})

	secured.Get("/badges", func(c *fiber.Ctx) error {
		held, err := badgeService.UserBadges(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to get badges",
				"cause": err.Error(),
			})
		}

		response := make([]badgeView, 0, len(held))
		for _, ub := range held {
			response = append(response, badgeView{
				Code:        ub.BadgeType.Code,
				Name:        ub.BadgeType.Name,
				Description: ub.BadgeType.Description,
				IconURL:     ub.BadgeType.IconURL,
				QuestID:     ub.QuestID,
				AwardedAt:   ub.AwardedAt,
			})
		}
		return c.JSON(fiber.Map{"badges": response})
	})
}
