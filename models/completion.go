package models

import "time"

// CompletionStatus is the server's verdict on a completion request.
type CompletionStatus string

const (
	CompletionAccepted  CompletionStatus = "accepted"
	CompletionRejected  CompletionStatus = "rejected"
	CompletionDuplicate CompletionStatus = "duplicate"
)

// Valid reports whether s is one of the three known statuses.
func (s CompletionStatus) Valid() bool {
	switch s {
	case CompletionAccepted, CompletionRejected, CompletionDuplicate:
		return true
	}
	return false
}

// RejectReason is the closed taxonomy of policy rejections.
type RejectReason string

const (
	ReasonValidationFailed RejectReason = "validation_failed"
	ReasonRateLimited      RejectReason = "rate_limited"
	ReasonOutOfRange       RejectReason = "out_of_range"
	ReasonLowAccuracy      RejectReason = "low_accuracy"
	ReasonImplausibleSpeed RejectReason = "implausible_speed"
)

// Location is the device fix attached to a claim.
type Location struct {
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	AccuracyM float64  `json:"accuracyM"`
	SpeedMps  *float64 `json:"speedMps,omitempty"`
}

// CompletionRequest is the POST /quests/complete body and the unit of idempotency.
// DeviceEventID is minted once per physical claim and reused on every retry.
type CompletionRequest struct {
	QuestID       string    `json:"questId"`
	OccurredAt    time.Time `json:"occurredAt"`
	Location      Location  `json:"location"`
	DeviceEventID string    `json:"deviceEventId"`
}

// BadgeUnlock names a badge granted by an accepted completion.
type BadgeUnlock struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// Totals are the user's progression numbers right after the award.
type Totals struct {
	XP         int64 `json:"xp"`
	Level      int   `json:"level"`
	StreakDays int   `json:"streakDays"`
}

// CompletionResponse is the POST /quests/complete response.
type CompletionResponse struct {
	Status        CompletionStatus `json:"status"`
	Reason        RejectReason     `json:"reason,omitempty"`
	AwardedXP     *int64           `json:"awardedXp,omitempty"`
	BadgeUnlocked *BadgeUnlock     `json:"badgeUnlocked,omitempty"`
	NewTotals     *Totals          `json:"newTotals,omitempty"`
}

// Rejected builds a policy rejection response.
func Rejected(reason RejectReason) *CompletionResponse {
	return &CompletionResponse{Status: CompletionRejected, Reason: reason}
}

// QuestCompletion is the ledger row: one per (user_id, device_event_id), written
// once at accept time and never updated after the accepting transaction commits.
type QuestCompletion struct {
	ID            string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID        string    `gorm:"uniqueIndex:idx_completion_user_event;not null" json:"user_id"`
	DeviceEventID string    `gorm:"uniqueIndex:idx_completion_user_event;not null;type:varchar(128)" json:"device_event_id"`
	QuestID       string    `gorm:"index;not null" json:"quest_id"`
	Status        string    `gorm:"type:varchar(16);not null" json:"status"`
	AwardedXP     int64     `gorm:"not null" json:"awarded_xp"`
	BadgeKey      *string   `json:"badge_key,omitempty"`
	BadgeName     *string   `json:"badge_name,omitempty"`
	TotalXP       int64     `gorm:"not null" json:"total_xp"`
	Level         int       `gorm:"not null" json:"level"`
	StreakDays    int       `gorm:"not null" json:"streak_days"`
	OccurredAt    time.Time `gorm:"not null" json:"occurred_at"`
	Lat           float64   `json:"lat"`
	Lng           float64   `json:"lng"`
	AccuracyM     float64   `json:"accuracy_m"`
	SpeedMps      *float64  `json:"speed_mps,omitempty"`
	RequestIP     string    `gorm:"type:varchar(64)" json:"request_ip,omitempty"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Response replays the stored outcome under the given status.
func (c *QuestCompletion) Response(status CompletionStatus) *CompletionResponse {
	xp := c.AwardedXP
	resp := &CompletionResponse{
		Status:    status,
		AwardedXP: &xp,
		NewTotals: &Totals{XP: c.TotalXP, Level: c.Level, StreakDays: c.StreakDays},
	}
	if c.BadgeKey != nil {
		resp.BadgeUnlocked = &BadgeUnlock{Key: *c.BadgeKey}
		if c.BadgeName != nil {
			resp.BadgeUnlocked.Name = *c.BadgeName
		}
	}
	return resp
}
