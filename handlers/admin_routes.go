// handlers/admin_routes.go
package handlers

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"passport-quest/models"
	"passport-quest/services"
	"passport-quest/utils"
)

type questUpsertRequest struct {
	CityID      string          `json:"cityId"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Geofence    models.Geofence `json:"geofence"`
	XPReward    int64           `json:"xpReward"`
	BadgeKey    *string         `json:"badgeKey"`
	ActiveFrom  time.Time       `json:"activeFrom"`
	ActiveTo    *time.Time      `json:"activeTo"`
}

type cityConfigUpsertRequest struct {
	TimeZone     string                 `json:"timeZone"`
	QuietHours   models.QuietHours      `json:"quietHours"`
	AntiCheat    models.AntiCheatPolicy `json:"antiCheat"`
	FeatureFlags map[string]bool        `json:"featureFlags"`
}

// SetupAdminRoutes registers the catalog and city-config writers behind the
// service token.
func SetupAdminRoutes(app *fiber.App, serviceAuth fiber.Handler, catalog *services.QuestCatalog, cities *services.CityConfigService) {
	admin := app.Group("/s/admin", serviceAuth)

	admin.Put("/quests/:id", func(c *fiber.Ctx) error {
		var req questUpsertRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid JSON",
				"cause": err.Error(),
			})
		}

		g := req.Geofence
		if strings.TrimSpace(req.CityID) == "" || strings.TrimSpace(req.Title) == "" ||
			!utils.ValidCoordinate(g.Lat, g.Lng) || g.RadiusM <= 0 || req.XPReward < 0 || req.ActiveFrom.IsZero() {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "cityId, title, a valid geofence, non-negative xpReward and activeFrom are required",
			})
		}

		quest := &models.Quest{
			ID:              c.Params("id"),
			CityID:          req.CityID,
			Title:           req.Title,
			Description:     req.Description,
			Category:        req.Category,
			GeofenceLat:     g.Lat,
			GeofenceLng:     g.Lng,
			GeofenceRadiusM: g.RadiusM,
			XPReward:        req.XPReward,
			BadgeKey:        req.BadgeKey,
			ActiveFrom:      req.ActiveFrom,
			ActiveTo:        req.ActiveTo,
		}
		if err := catalog.Upsert(c.UserContext(), quest); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "quest upsert failed",
				"cause": err.Error(),
			})
		}

		log.Info().Str("quest_id", quest.ID).Str("city_id", quest.CityID).Msg("🗺️ [ADMIN] quest upserted")
		return c.JSON(fiber.Map{"quest": quest, "geofence": quest.Geofence()})
	})

	admin.Put("/cities/:cityId/config", func(c *fiber.Ctx) error {
		var req cityConfigUpsertRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid JSON",
				"cause": err.Error(),
			})
		}

		if req.TimeZone == "" {
			req.TimeZone = "UTC"
		}
		if req.QuietHours.StartLocal == "" || req.QuietHours.EndLocal == "" {
			req.QuietHours = models.QuietHours{StartLocal: "22:00", EndLocal: "07:00"}
		}
		if _, err := time.LoadLocation(req.TimeZone); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "unknown timeZone",
				"cause": err.Error(),
			})
		}
		p := req.AntiCheat
		if p.MaxAccuracyM <= 0 || p.MaxSpeedMps <= 0 || p.MaxAttemptsPerMinute <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "antiCheat thresholds must be positive",
			})
		}

		cfg := &models.CityConfig{
			CityID:               c.Params("cityId"),
			TimeZone:             req.TimeZone,
			QuietStartLocal:      req.QuietHours.StartLocal,
			QuietEndLocal:        req.QuietHours.EndLocal,
			MaxAccuracyM:         p.MaxAccuracyM,
			MaxSpeedMps:          p.MaxSpeedMps,
			MaxAttemptsPerMinute: p.MaxAttemptsPerMinute,
			FeatureFlags:         req.FeatureFlags,
		}
		if err := cities.Upsert(c.UserContext(), cfg); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "city config upsert failed",
				"cause": err.Error(),
			})
		}

		log.Info().Str("city_id", cfg.CityID).Msg("🏙️ [ADMIN] city config upserted")
		return c.JSON(cfg.Bootstrap())
	})
}
