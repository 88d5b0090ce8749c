package services

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"passport-quest/models"
	"passport-quest/utils"
)

const maxDeviceEventIDLen = 128

// Bounds on the device-reported occurredAt relative to the server clock.
const (
	maxClockSkew = 5 * time.Minute
	maxClaimAge  = 7 * 24 * time.Hour
)

// LocationPayload is the loosely-typed location as received on the wire.
type LocationPayload struct {
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
	AccuracyM *float64 `json:"accuracyM"`
	SpeedMps  *float64 `json:"speedMps"`
}

// CompletionPayload is the raw POST /quests/complete body. Every field is
// optional here so that absence can be told apart from zero.
type CompletionPayload struct {
	QuestID       *string          `json:"questId"`
	OccurredAt    *string          `json:"occurredAt"`
	Location      *LocationPayload `json:"location"`
	DeviceEventID *string          `json:"deviceEventId"`
}

// Normalize performs structural validation and returns the typed request.
func (p *CompletionPayload) Normalize() (*models.CompletionRequest, bool) {
	if p == nil || p.QuestID == nil || p.OccurredAt == nil || p.DeviceEventID == nil || p.Location == nil {
		return nil, false
	}

	questID := strings.TrimSpace(*p.QuestID)
	deviceEventID := strings.TrimSpace(*p.DeviceEventID)
	if questID == "" || deviceEventID == "" || len(deviceEventID) > maxDeviceEventIDLen {
		return nil, false
	}

	occurredAt, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(*p.OccurredAt))
	if err != nil {
		return nil, false
	}

	loc := p.Location
	if loc.Lat == nil || loc.Lng == nil || loc.AccuracyM == nil {
		return nil, false
	}
	if !utils.ValidCoordinate(*loc.Lat, *loc.Lng) || !nonNegativeFinite(*loc.AccuracyM) {
		return nil, false
	}
	if loc.SpeedMps != nil && !nonNegativeFinite(*loc.SpeedMps) {
		return nil, false
	}

	return &models.CompletionRequest{
		QuestID:    questID,
		OccurredAt: occurredAt,
		Location: models.Location{
			Lat:       *loc.Lat,
			Lng:       *loc.Lng,
			AccuracyM: *loc.AccuracyM,
			SpeedMps:  loc.SpeedMps,
		},
		DeviceEventID: deviceEventID,
	}, true
}

func nonNegativeFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// CompletionGate runs for a userID the bearer middleware has already
// resolved. It normalizes the payload and runs the anti-cheat checks before
// anything touches the ledger.
type CompletionGate struct {
	DB      *gorm.DB // attempt log
	Catalog *QuestCatalog
	Cities  *CityConfigService
	Limiter RateLimiter
	Ledger  *CompletionLedger
	Clock   clockwork.Clock
}

func NewCompletionGate(db *gorm.DB, catalog *QuestCatalog, cities *CityConfigService, limiter RateLimiter, ledger *CompletionLedger, clock clockwork.Clock) *CompletionGate {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CompletionGate{DB: db, Catalog: catalog, Cities: cities, Limiter: limiter, Ledger: ledger, Clock: clock}
}

// Evaluate runs the gate. Policy rejections come back as a rejected response
// with a nil error; a non-nil error is an infrastructure failure.
func (g *CompletionGate) Evaluate(ctx context.Context, userID string, payload *CompletionPayload, sourceIP string) (*models.CompletionResponse, error) {
	req, ok := payload.Normalize()
	if !ok {
		log.Info().Str("user_id", userID).Str("reason", string(models.ReasonValidationFailed)).Msg("[COMPLETE] rejected: malformed payload")
		return models.Rejected(models.ReasonValidationFailed), nil
	}

	// Replays never reach reward logic.
	existing, err := g.Ledger.Lookup(ctx, userID, req.DeviceEventID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		log.Info().Str("user_id", userID).Str("device_event_id", req.DeviceEventID).Msg("[COMPLETE] duplicate")
		return existing.Response(models.CompletionDuplicate), nil
	}

	now := g.Clock.Now()
	attempt := &models.CompletionAttempt{
		ID:            uuid.NewString(),
		UserID:        userID,
		QuestID:       req.QuestID,
		DeviceEventID: req.DeviceEventID,
		Lat:           req.Location.Lat,
		Lng:           req.Location.Lng,
		AccuracyM:     req.Location.AccuracyM,
		SpeedMps:      req.Location.SpeedMps,
		RequestIP:     sourceIP,
		CreatedAt:     now,
	}

	resp, err := g.evaluate(ctx, userID, req, attempt, now, sourceIP)
	if err != nil {
		return nil, err
	}
	if resp.Status != models.CompletionDuplicate {
		g.recordAttempt(ctx, attempt, resp)
	}
	return resp, nil
}

func (g *CompletionGate) evaluate(ctx context.Context, userID string, req *models.CompletionRequest, attempt *models.CompletionAttempt, now time.Time, sourceIP string) (*models.CompletionResponse, error) {
	// occurredAt drives the streak day and the quest window.
	if req.OccurredAt.After(now.Add(maxClockSkew)) {
		return g.reject(userID, req, models.ReasonValidationFailed, "occurredAt in the future"), nil
	}
	if req.OccurredAt.Before(now.Add(-maxClaimAge)) {
		return g.reject(userID, req, models.ReasonValidationFailed, "occurredAt too old"), nil
	}

	quest, err := g.Catalog.Get(ctx, req.QuestID)
	if errors.Is(err, ErrQuestNotFound) {
		return g.reject(userID, req, models.ReasonValidationFailed, "unknown quest"), nil
	}
	if err != nil {
		return nil, err
	}
	attempt.CityID = quest.CityID
	if !quest.IsActive(req.OccurredAt) {
		return g.reject(userID, req, models.ReasonValidationFailed, "quest not active"), nil
	}

	city, err := g.Cities.Get(ctx, quest.CityID)
	if err != nil {
		return nil, err
	}
	policy := city.Policy()

	allowed, err := g.Limiter.Allow(ctx, userID, policy.MaxAttemptsPerMinute, now)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return g.reject(userID, req, models.ReasonRateLimited, ""), nil
	}

	fence := quest.Geofence()
	// Inclusive boundary: exactly radiusM away is inside.
	if utils.DistanceMeters(fence.Lat, fence.Lng, req.Location.Lat, req.Location.Lng) > fence.RadiusM {
		return g.reject(userID, req, models.ReasonOutOfRange, ""), nil
	}

	if req.Location.AccuracyM > policy.MaxAccuracyM {
		return g.reject(userID, req, models.ReasonLowAccuracy, ""), nil
	}

	if req.Location.SpeedMps != nil && *req.Location.SpeedMps > policy.MaxSpeedMps {
		return g.reject(userID, req, models.ReasonImplausibleSpeed, ""), nil
	}

	row, err := g.Ledger.RecordAcceptance(ctx, userID, quest, req, city.Location(), sourceIP)
	if errors.Is(err, ErrDuplicateCompletion) {
		return row.Response(models.CompletionDuplicate), nil
	}
	if err != nil {
		return nil, err
	}
	return row.Response(models.CompletionAccepted), nil
}

func (g *CompletionGate) reject(userID string, req *models.CompletionRequest, reason models.RejectReason, detail string) *models.CompletionResponse {
	ev := log.Info().
		Str("user_id", userID).
		Str("device_event_id", req.DeviceEventID).
		Str("quest_id", req.QuestID).
		Str("reason", string(reason))
	if detail != "" {
		ev = ev.Str("detail", detail)
	}
	ev.Msg("🚫 [COMPLETE] rejected")
	return models.Rejected(reason)
}

// recordAttempt appends to the attempt log. The outcome is already decided
// (and possibly committed), so a failure here is only logged.
func (g *CompletionGate) recordAttempt(ctx context.Context, attempt *models.CompletionAttempt, resp *models.CompletionResponse) {
	attempt.Status = string(resp.Status)
	attempt.Reason = string(resp.Reason)
	if err := g.DB.WithContext(ctx).Create(attempt).Error; err != nil {
		log.Error().Err(err).Str("user_id", attempt.UserID).Str("device_event_id", attempt.DeviceEventID).
			Msg("[COMPLETE] failed to record attempt")
	}
}
