package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"passport-quest/models"
)

type BadgeService struct {
	DB *gorm.DB
}

func NewBadgeService(db *gorm.DB) *BadgeService {
	return &BadgeService{DB: db}
}

// SeedBadgeTypes inserts the threshold badges if missing (idempotent)
func (s *BadgeService) SeedBadgeTypes(ctx context.Context) error {
	for _, trigger := range models.BadgeTriggers {
		bt := trigger
		bt.ID = uuid.NewString()
		if err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "code"}},
			DoNothing: true,
		}).Create(&bt).Error; err != nil {
			return fmt.Errorf("failed to seed badge %s: %w", trigger.Code, err)
		}
	}
	return nil
}

// awardForCompletion grants the quest's own badge and any newly met threshold
// badges inside tx. It reports the first badge granted: the quest badge wins
// over thresholds.
func (s *BadgeService) awardForCompletion(tx *gorm.DB, userID string, quest *models.Quest, prog *models.UserProgress) (*models.BadgeUnlock, error) {
	var unlocked *models.BadgeUnlock

	if quest.BadgeKey != nil && *quest.BadgeKey != "" {
		bu, err := s.grant(tx, userID, *quest.BadgeKey, &quest.ID)
		if err != nil {
			return nil, err
		}
		unlocked = bu
	}

	for _, trigger := range models.BadgeTriggers {
		if !meetsThreshold(prog, trigger.Threshold) {
			continue
		}
		bu, err := s.grant(tx, userID, trigger.Code, &quest.ID)
		if err != nil {
			return nil, err
		}
		if unlocked == nil {
			unlocked = bu
		}
	}

	return unlocked, nil
}

// grant awards badge code to the user. Returns nil when the badge is unknown or
// already held.
func (s *BadgeService) grant(tx *gorm.DB, userID, code string, questID *string) (*models.BadgeUnlock, error) {
	var bt models.BadgeType
	if err := tx.Where("code = ?", code).First(&bt).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn().Str("badge", code).Msg("[BADGE] unknown badge code, skipping")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load badge %s: %w", code, err)
	}

	ub := models.UserBadge{
		ID:          uuid.NewString(),
		UserID:      userID,
		BadgeTypeID: bt.ID,
		QuestID:     questID,
	}
	res := tx.Omit("BadgeType").Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "badge_type_id"}},
		DoNothing: true,
	}).Create(&ub)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to award badge %s: %w", code, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	log.Info().Str("user_id", userID).Str("badge", bt.Code).Msg("🎖️ [BADGE] awarded")
	return &models.BadgeUnlock{Key: bt.Code, Name: bt.Name}, nil
}

func meetsThreshold(prog *models.UserProgress, req map[string]int64) bool {
	if len(req) == 0 {
		return false
	}
	for key, required := range req {
		switch key {
		case "quests_completed":
			if prog.QuestsCompleted < required {
				return false
			}
		case "streak_days":
			if int64(prog.StreakDays) < required {
				return false
			}
		case "level":
			if int64(prog.Level) < required {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// UserBadges lists the badges a user holds, newest first.
func (s *BadgeService) UserBadges(ctx context.Context, userID string) ([]models.UserBadge, error) {
	var badges []models.UserBadge
	err := s.DB.WithContext(ctx).
		Preload("BadgeType").
		Where("user_id = ?", userID).
		Order("awarded_at DESC").
		Find(&badges).Error
	return badges, err
}
