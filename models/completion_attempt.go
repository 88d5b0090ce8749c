package models

import "time"

// CompletionAttempt is an append-only record of every gated completion request
// that was not an idempotent replay. It feeds the per-user rate limit and the
// daily archive.
type CompletionAttempt struct {
	ID            string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID        string    `gorm:"index:idx_attempt_user_time,priority:1;not null" json:"user_id"`
	QuestID       string    `gorm:"not null" json:"quest_id"`
	CityID        string    `gorm:"type:varchar(16)" json:"city_id,omitempty"`
	DeviceEventID string    `gorm:"type:varchar(128);not null" json:"device_event_id"`
	Status        string    `gorm:"type:varchar(16);not null" json:"status"`
	Reason        string    `gorm:"type:varchar(32)" json:"reason,omitempty"`
	Lat           float64   `json:"lat"`
	Lng           float64   `json:"lng"`
	AccuracyM     float64   `json:"accuracy_m"`
	SpeedMps      *float64  `json:"speed_mps,omitempty"`
	RequestIP     string    `gorm:"type:varchar(64)" json:"request_ip,omitempty"`
	CreatedAt     time.Time `gorm:"index:idx_attempt_user_time,priority:2;index;not null" json:"created_at"`
}
