package models

import (
	"time"

	"gorm.io/gorm"
)

// UserProgress tracks quest progression for each user (denormalized for fast reads)
type UserProgress struct {
	ID     string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID string `gorm:"uniqueIndex;not null" json:"user_id"` // auth service subject

	// Core progression
	TotalXP    int64 `json:"total_xp" gorm:"not null;default:0"`
	Level      int   `json:"level" gorm:"not null;default:1"`
	StreakDays int   `json:"streak_days" gorm:"not null;default:0"`

	// Activity counters
	QuestsCompleted int64 `json:"quests_completed" gorm:"not null;default:0"`

	// Local calendar date (YYYY-MM-DD, city time zone) of the last accepted completion
	LastActiveDate string `json:"last_active_date,omitempty" gorm:"type:varchar(10)"`

	LastLevelUpAt *time.Time `json:"last_level_up_at,omitempty"`

	Timestamps
}

// Totals is the slice of progress echoed back on an accepted completion.
func (p *UserProgress) Totals() Totals {
	return Totals{XP: p.TotalXP, Level: p.Level, StreakDays: p.StreakDays}
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}
