package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"passport-quest/models"
)

// ErrDuplicateCompletion means another request already recorded this
// (user, deviceEventId); the returned row is the winner's.
var ErrDuplicateCompletion = errors.New("completion already recorded")

// CompletionLedger is the source of truth for "has this claim been rewarded".
// Exactly-once is enforced by the unique (user_id, device_event_id) index, not
// by application locks.
type CompletionLedger struct {
	DB          *gorm.DB
	Progression *ProgressionService
	Badges      *BadgeService
	Clock       clockwork.Clock
}

func NewCompletionLedger(db *gorm.DB, progression *ProgressionService, badges *BadgeService, clock clockwork.Clock) *CompletionLedger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CompletionLedger{DB: db, Progression: progression, Badges: badges, Clock: clock}
}

// Lookup returns the ledger row for the key, or nil when there is none.
func (l *CompletionLedger) Lookup(ctx context.Context, userID, deviceEventID string) (*models.QuestCompletion, error) {
	var row models.QuestCompletion
	err := l.DB.WithContext(ctx).
		Where("user_id = ? AND device_event_id = ?", userID, deviceEventID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger lookup (%s, %s): %w", userID, deviceEventID, err)
	}
	return &row, nil
}

// RecordAcceptance applies the quest reward and writes the ledger row in one
// transaction. When a concurrent request wins the unique key, the transaction
// rolls back and the winner's row is returned with ErrDuplicateCompletion.
func (l *CompletionLedger) RecordAcceptance(ctx context.Context, userID string, quest *models.Quest, req *models.CompletionRequest, tz *time.Location, sourceIP string) (*models.QuestCompletion, error) {
	if tz == nil {
		tz = time.UTC
	}
	now := l.Clock.Now()
	localDay := req.OccurredAt.In(tz).Format(dateLayout)

	row := models.QuestCompletion{
		ID:            uuid.NewString(),
		UserID:        userID,
		DeviceEventID: req.DeviceEventID,
		QuestID:       quest.ID,
		Status:        string(models.CompletionAccepted),
		AwardedXP:     quest.XPReward,
		OccurredAt:    req.OccurredAt.UTC(),
		Lat:           req.Location.Lat,
		Lng:           req.Location.Lng,
		AccuracyM:     req.Location.AccuracyM,
		SpeedMps:      req.Location.SpeedMps,
		RequestIP:     sourceIP,
		CreatedAt:     now,
	}

	txErr := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		prog, err := l.Progression.applyCompletion(tx, userID, quest.XPReward, localDay, now)
		if err != nil {
			return err
		}

		unlocked, err := l.Badges.awardForCompletion(tx, userID, quest, prog)
		if err != nil {
			return err
		}

		totals := prog.Totals()
		row.TotalXP = totals.XP
		row.Level = totals.Level
		row.StreakDays = totals.StreakDays
		if unlocked != nil {
			row.BadgeKey = &unlocked.Key
			row.BadgeName = &unlocked.Name
		}

		// Must stay last: a unique-key failure here rolls back everything above.
		return tx.Create(&row).Error
	})
	if txErr == nil {
		log.Info().
			Str("user_id", userID).
			Str("device_event_id", req.DeviceEventID).
			Str("quest_id", quest.ID).
			Int64("xp", quest.XPReward).
			Int64("total_xp", row.TotalXP).
			Msg("✅ [LEDGER] completion accepted")
		return &row, nil
	}

	// Whatever failed, a committed row for this key means we lost a race.
	existing, lookupErr := l.Lookup(ctx, userID, req.DeviceEventID)
	if lookupErr == nil && existing != nil {
		log.Info().
			Str("user_id", userID).
			Str("device_event_id", req.DeviceEventID).
			Bool("unique_violation", errors.Is(txErr, gorm.ErrDuplicatedKey)).
			Msg("[LEDGER] concurrent duplicate resolved to stored outcome")
		return existing, ErrDuplicateCompletion
	}

	return nil, fmt.Errorf("record acceptance (%s, %s): %w", userID, req.DeviceEventID, txErr)
}
