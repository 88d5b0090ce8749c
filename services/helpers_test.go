package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"passport-quest/database"
	"passport-quest/models"
	"passport-quest/utils"
)

var testNow = time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	require.NoError(t, database.MigrateServer(db))
	return db
}

type gateFixture struct {
	db     *gorm.DB
	clock  *clockwork.FakeClock
	ledger *CompletionLedger
	gate   *CompletionGate
	quest  *models.Quest
}

func strPtr(s string) *string { return &s }

func floatPtr(f float64) *float64 { return &f }

func newGateFixture(t *testing.T, policy models.AntiCheatPolicy) *gateFixture {
	t.Helper()
	ctx := context.Background()
	db := newTestDB(t)
	clock := clockwork.NewFakeClockAt(testNow)

	badges := NewBadgeService(db)
	require.NoError(t, badges.SeedBadgeTypes(ctx))
	require.NoError(t, db.Create(&models.BadgeType{ID: "bt-cubbon", Code: "BLR_CUBBON", Name: "Cubbon Park"}).Error)

	catalog := NewQuestCatalog(db)
	quest := &models.Quest{
		ID:              "q1",
		CityID:          "blr",
		Title:           "Cubbon Park bandstand",
		Category:        "landmark",
		GeofenceLat:     12.9716,
		GeofenceLng:     77.5946,
		GeofenceRadiusM: 50,
		XPReward:        120,
		BadgeKey:        strPtr("BLR_CUBBON"),
		ActiveFrom:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, catalog.Upsert(ctx, quest))

	cities := NewCityConfigService(db, models.AntiCheatPolicy{MaxAccuracyM: 50, MaxSpeedMps: 45, MaxAttemptsPerMinute: 6})
	require.NoError(t, cities.Upsert(ctx, &models.CityConfig{
		CityID:               "blr",
		TimeZone:             "Asia/Kolkata",
		MaxAccuracyM:         policy.MaxAccuracyM,
		MaxSpeedMps:          policy.MaxSpeedMps,
		MaxAttemptsPerMinute: policy.MaxAttemptsPerMinute,
	}))

	ledger := NewCompletionLedger(db, NewProgressionService(db), badges, clock)
	gate := NewCompletionGate(db, catalog, cities, NewAttemptLogLimiter(db), ledger, clock)

	return &gateFixture{db: db, clock: clock, ledger: ledger, gate: gate, quest: quest}
}

func defaultPolicy() models.AntiCheatPolicy {
	return models.AntiCheatPolicy{MaxAccuracyM: 50, MaxSpeedMps: 45, MaxAttemptsPerMinute: 6}
}

// payloadAt builds a claim for q1 located metersNorth of the quest centre.
func payloadAt(deviceEventID string, metersNorth, accuracyM float64, speed *float64) *CompletionPayload {
	lat := utils.OffsetNorth(12.9716, metersNorth)
	lng := 77.5946
	return &CompletionPayload{
		QuestID:       strPtr("q1"),
		OccurredAt:    strPtr(testNow.Add(-time.Minute).Format(time.RFC3339)),
		DeviceEventID: strPtr(deviceEventID),
		Location: &LocationPayload{
			Lat:       &lat,
			Lng:       &lng,
			AccuracyM: &accuracyM,
			SpeedMps:  speed,
		},
	}
}

func countRows(t *testing.T, db *gorm.DB, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Where(query, args...).Count(&n).Error)
	return n
}
