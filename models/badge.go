package models

import (
	"time"
)

// BadgeType: static badge definitions (seeded at boot)
type BadgeType struct {
	ID          string           `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Code        string           `gorm:"uniqueIndex;not null" json:"code"` // e.g., "FIRST_QUEST", "BLR_PALACE"
	Name        string           `gorm:"not null" json:"name"`
	Description string           `json:"description"`
	IconURL     string           `gorm:"type:text" json:"icon_url,omitempty"`
	Threshold   map[string]int64 `gorm:"serializer:json;type:text" json:"threshold,omitempty"` // e.g., {"quests_completed": 10}; empty for quest badges
	CreatedAt   time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

// UserBadge: awarded instance, at most one per user and badge
type UserBadge struct {
	ID          string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID      string    `gorm:"uniqueIndex:idx_user_badge;not null" json:"user_id"`
	BadgeTypeID string    `gorm:"uniqueIndex:idx_user_badge;not null" json:"badge_type_id"`
	BadgeType   BadgeType `gorm:"foreignKey:BadgeTypeID" json:"badge_type"`
	QuestID     *string   `json:"quest_id,omitempty"` // quest whose completion unlocked it
	AwardedAt   time.Time `gorm:"autoCreateTime" json:"awarded_at"`
}

// Threshold badges checked after every accepted completion, in priority order.
var BadgeTriggers = []BadgeType{
	{
		Code:        "FIRST_QUEST",
		Name:        "First Stamp",
		Description: "Completed your first quest",
		Threshold:   map[string]int64{"quests_completed": 1},
	},
	{
		Code:        "EXPLORER_10",
		Name:        "Explorer",
		Description: "Completed 10 quests",
		Threshold:   map[string]int64{"quests_completed": 10},
	},
	{
		Code:        "STREAK_7",
		Name:        "Week Walker",
		Description: "Completed quests seven days in a row",
		Threshold:   map[string]int64{"streak_days": 7},
	},
	{
		Code:        "LEVEL_10",
		Name:        "Seasoned Traveller",
		Description: "Reached level 10",
		Threshold:   map[string]int64{"level": 10},
	},
}
