package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"passport-quest/database"
	"passport-quest/middleware"
	"passport-quest/models"
	"passport-quest/services"
)

var testNow = time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)

type fakeValidator map[string]string

func (f fakeValidator) ValidateToken(_ context.Context, token string) (*services.ValidateResponse, error) {
	if id, ok := f[token]; ok {
		return &services.ValidateResponse{UserID: id}, nil
	}
	return nil, services.ErrInvalidToken
}

type testServer struct {
	app *fiber.App
	db  *gorm.DB
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	require.NoError(t, database.MigrateServer(db))

	clock := clockwork.NewFakeClockAt(testNow)
	defaults := models.AntiCheatPolicy{MaxAccuracyM: 50, MaxSpeedMps: 45, MaxAttemptsPerMinute: 6}

	catalog := services.NewQuestCatalog(db)
	cities := services.NewCityConfigService(db, defaults)
	progression := services.NewProgressionService(db)
	badges := services.NewBadgeService(db)
	require.NoError(t, badges.SeedBadgeTypes(ctx))
	ledger := services.NewCompletionLedger(db, progression, badges, clock)
	gate := services.NewCompletionGate(db, catalog, cities, services.NewAttemptLogLimiter(db), ledger, clock)

	app := fiber.New()
	auth := middleware.BearerAuth(fakeValidator{"tok-1": "user-1", "tok-2": "user-2"})
	SetupHealthRoutes(app, db)
	SetupCompletionRoutes(app, auth, gate)
	SetupConfigRoutes(app, auth, cities)
	SetupProgressionRoutes(app, auth, progression, badges)
	SetupAdminRoutes(app, middleware.ServiceTokenAuth("svc-secret"), catalog, cities)

	return &testServer{app: app, db: db}
}

func (s *testServer) do(t *testing.T, method, path, auth string, body interface{}, headers ...string) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := map[string]interface{}{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func (s *testServer) seedQuest(t *testing.T) {
	t.Helper()
	status, _ := s.do(t, "PUT", "/s/admin/quests/q1", "svc-secret", map[string]interface{}{
		"cityId":     "blr",
		"title":      "Cubbon Park bandstand",
		"category":   "landmark",
		"geofence":   map[string]float64{"lat": 12.9716, "lng": 77.5946, "radiusM": 50},
		"xpReward":   120,
		"activeFrom": "2026-01-01T00:00:00Z",
	})
	require.Equal(t, fiber.StatusOK, status)

	status, _ = s.do(t, "PUT", "/s/admin/cities/blr/config", "svc-secret", map[string]interface{}{
		"timeZone":  "Asia/Kolkata",
		"antiCheat": map[string]interface{}{"maxAccuracyM": 50, "maxSpeedMps": 45, "maxAttemptsPerMinute": 6},
	})
	require.Equal(t, fiber.StatusOK, status)
}

func completionBody(deviceEventID string, accuracyM float64) map[string]interface{} {
	return map[string]interface{}{
		"questId":       "q1",
		"occurredAt":    testNow.Add(-time.Minute).Format(time.RFC3339),
		"deviceEventId": deviceEventID,
		"location":      map[string]float64{"lat": 12.9716, "lng": 77.5946, "accuracyM": accuracyM},
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	status, body := s.do(t, "GET", "/health", "", nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestCompleteRequiresBearer(t *testing.T) {
	s := newTestServer(t)
	status, body := s.do(t, "POST", "/quests/complete", "", completionBody("evt-1", 10))
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, "invalid jwt", body["error"])

	status, _ = s.do(t, "POST", "/quests/complete", "expired", completionBody("evt-1", 10))
	assert.Equal(t, fiber.StatusUnauthorized, status)
}

func TestCompleteAcceptThenDuplicate(t *testing.T) {
	s := newTestServer(t)
	s.seedQuest(t)

	status, body := s.do(t, "POST", "/quests/complete", "tok-1", completionBody("evt-1", 10), "X-Forwarded-For", "198.51.100.4, 10.0.0.1")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "accepted", body["status"])
	assert.Equal(t, float64(120), body["awardedXp"])
	assert.Equal(t, map[string]interface{}{"xp": float64(120), "level": float64(2), "streakDays": float64(1)}, body["newTotals"])
	assert.NotContains(t, body, "reason")

	status, body = s.do(t, "POST", "/quests/complete", "tok-1", completionBody("evt-1", 10))
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "duplicate", body["status"])
	assert.Equal(t, float64(120), body["awardedXp"])

	var row models.QuestCompletion
	require.NoError(t, s.db.Where("device_event_id = ?", "evt-1").First(&row).Error)
	assert.Equal(t, "198.51.100.4", row.RequestIP)

	status, body = s.do(t, "GET", "/users/me/summary", "tok-1", nil)
	require.Equal(t, fiber.StatusOK, status)
	stats := body["stats"].(map[string]interface{})
	assert.Equal(t, float64(120), stats["xpTotal"])
	assert.Equal(t, float64(1), stats["questsCompleted"])
	assert.Equal(t, float64(1), stats["badgeCount"])

	status, body = s.do(t, "GET", "/users/me/badges", "tok-1", nil)
	require.Equal(t, fiber.StatusOK, status)
	badges := body["badges"].([]interface{})
	require.Len(t, badges, 1)
	assert.Equal(t, "FIRST_QUEST", badges[0].(map[string]interface{})["code"])

	status, body = s.do(t, "GET", "/users/me/badges", "tok-2", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Empty(t, body["badges"])
}

func TestCompleteRejectionsAreOK(t *testing.T) {
	s := newTestServer(t)
	s.seedQuest(t)

	status, body := s.do(t, "POST", "/quests/complete", "tok-1", completionBody("evt-1", 999))
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "rejected", body["status"])
	assert.Equal(t, "low_accuracy", body["reason"])
	assert.NotContains(t, body, "awardedXp")

	status, body = s.do(t, "POST", "/quests/complete", "tok-1", `{"questId": 7`)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "validation_failed", body["reason"])

	status, body = s.do(t, "POST", "/quests/complete", "tok-1", `{"questId":"q1"}`)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "validation_failed", body["reason"])
}

func TestBootstrapConfig(t *testing.T) {
	s := newTestServer(t)
	s.seedQuest(t)

	status, body := s.do(t, "GET", "/config/bootstrap?cityId=blr", "tok-1", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "Asia/Kolkata", body["timeZone"])
	assert.Equal(t, map[string]interface{}{"startLocal": "22:00", "endLocal": "07:00"}, body["quietHours"])
	assert.Equal(t, float64(6), body["antiCheat"].(map[string]interface{})["maxAttemptsPerMinute"])

	status, body = s.do(t, "GET", "/config/bootstrap?cityId=mys", "tok-1", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "UTC", body["timeZone"])

	status, _ = s.do(t, "GET", "/config/bootstrap", "tok-1", nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.do(t, "PUT", "/s/admin/quests/q1", "wrong", map[string]interface{}{"cityId": "blr"})
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = s.do(t, "PUT", "/s/admin/quests/q1", "svc-secret", map[string]interface{}{"cityId": "blr", "title": "x"})
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = s.do(t, "PUT", "/s/admin/cities/blr/config", "svc-secret", map[string]interface{}{
		"timeZone":  "Nowhere/Special",
		"antiCheat": map[string]interface{}{"maxAccuracyM": 50, "maxSpeedMps": 45, "maxAttemptsPerMinute": 6},
	})
	assert.Equal(t, fiber.StatusBadRequest, status)

	s.seedQuest(t)
	status, body := s.do(t, "PUT", "/s/admin/quests/q1", "svc-secret", map[string]interface{}{
		"cityId":     "blr",
		"title":      "Cubbon Park bandstand (night)",
		"geofence":   map[string]float64{"lat": 12.9716, "lng": 77.5946, "radiusM": 80},
		"xpReward":   150,
		"activeFrom": "2026-01-01T00:00:00Z",
	})
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(80), body["geofence"].(map[string]interface{})["radiusM"])

	var q models.Quest
	require.NoError(t, s.db.First(&q, "id = ?", "q1").Error)
	assert.Equal(t, int64(150), q.XPReward)
}
