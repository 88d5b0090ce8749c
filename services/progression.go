package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"passport-quest/models"
)

// LevelConfig: XP needed for *next* level (e.g., level 1 → 2 needs BaseXPPerLevel * 1^1.2)
const BaseXPPerLevel = 100

// xpForNextLevel returns XP required to reach level+1 from current level
// e.g., xpForNextLevel(1) = XP to go from L1 → L2
func xpForNextLevel(currentLevel int) int64 {
	if currentLevel < 1 {
		currentLevel = 1
	}
	// L_n = floor(BaseXPPerLevel * n^1.2)
	return int64(float64(BaseXPPerLevel) * math.Pow(float64(currentLevel), 1.2))
}

// LevelForXP returns the level reached with totalXP accumulated.
func LevelForXP(totalXP int64) int {
	level := 1
	need := xpForNextLevel(level)
	for totalXP >= need {
		level++
		need += xpForNextLevel(level)
	}
	return level
}

const dateLayout = "2006-01-02"

// nextStreak advances a daily streak. Dates are local YYYY-MM-DD strings, so
// lexical order is calendar order. A completion dated before the last active
// day (a late offline replay) leaves the streak alone.
func nextStreak(lastActive string, streak int, today string) (int, string) {
	switch {
	case lastActive == "":
		return 1, today
	case today == lastActive:
		if streak < 1 {
			streak = 1
		}
		return streak, lastActive
	case today < lastActive:
		return streak, lastActive
	}

	day, err := time.Parse(dateLayout, today)
	if err == nil && day.AddDate(0, 0, -1).Format(dateLayout) == lastActive {
		return streak + 1, today
	}
	return 1, today
}

// UserSummary is the GET /users/me/summary stats block.
type UserSummary struct {
	XPTotal         int64 `json:"xpTotal"`
	Level           int   `json:"level"`
	StreakDays      int   `json:"streakDays"`
	QuestsCompleted int64 `json:"questsCompleted"`
	BadgeCount      int64 `json:"badgeCount"`
}

type ProgressionService struct {
	DB *gorm.DB
}

func NewProgressionService(db *gorm.DB) *ProgressionService {
	return &ProgressionService{DB: db}
}

// lockProgress makes sure a UserProgress row exists and locks it for the rest of tx.
func (s *ProgressionService) lockProgress(tx *gorm.DB, userID string) (*models.UserProgress, error) {
	seed := models.UserProgress{ID: uuid.NewString(), UserID: userID, Level: 1}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&seed).Error; err != nil {
		return nil, fmt.Errorf("failed to ensure progress for %s: %w", userID, err)
	}

	var prog models.UserProgress
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&prog).Error; err != nil {
		return nil, fmt.Errorf("failed to lock progress for %s: %w", userID, err)
	}
	return &prog, nil
}

// applyCompletion adds xp and advances level, streak and counters inside tx.
// localDay is the completion's calendar date in the quest city's time zone.
func (s *ProgressionService) applyCompletion(tx *gorm.DB, userID string, xp int64, localDay string, now time.Time) (*models.UserProgress, error) {
	prog, err := s.lockProgress(tx, userID)
	if err != nil {
		return nil, err
	}

	prog.TotalXP += xp
	prog.QuestsCompleted++

	if newLevel := LevelForXP(prog.TotalXP); newLevel > prog.Level {
		prog.Level = newLevel
		levelUpAt := now
		prog.LastLevelUpAt = &levelUpAt
	}

	prog.StreakDays, prog.LastActiveDate = nextStreak(prog.LastActiveDate, prog.StreakDays, localDay)

	if err := tx.Save(prog).Error; err != nil {
		return nil, fmt.Errorf("failed to save progress for %s: %w", userID, err)
	}
	return prog, nil
}

// GetProgress returns the user's progress, or a fresh level-1 record if none exists yet.
func (s *ProgressionService) GetProgress(ctx context.Context, userID string) (*models.UserProgress, error) {
	var prog models.UserProgress
	err := s.DB.WithContext(ctx).Where("user_id = ?", userID).First(&prog).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.UserProgress{UserID: userID, Level: 1}, nil
	}
	if err != nil {
		return nil, err
	}
	return &prog, nil
}

// Summary returns the stats block shown on the profile screen.
func (s *ProgressionService) Summary(ctx context.Context, userID string) (*UserSummary, error) {
	prog, err := s.GetProgress(ctx, userID)
	if err != nil {
		return nil, err
	}

	var badgeCount int64
	if err := s.DB.WithContext(ctx).Model(&models.UserBadge{}).
		Where("user_id = ?", userID).
		Count(&badgeCount).Error; err != nil {
		return nil, err
	}

	return &UserSummary{
		XPTotal:         prog.TotalXP,
		Level:           prog.Level,
		StreakDays:      prog.StreakDays,
		QuestsCompleted: prog.QuestsCompleted,
		BadgeCount:      badgeCount,
	}, nil
}
