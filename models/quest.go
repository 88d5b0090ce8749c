package models

import "time"

// Geofence is the circular region a quest may be completed in.
type Geofence struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	RadiusM float64 `json:"radiusM"`
}

// Quest is a catalog entry. The completion pipeline only reads it.
type Quest struct {
	ID              string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	CityID          string     `gorm:"index;not null;type:varchar(16)" json:"cityId"`
	Title           string     `gorm:"not null" json:"title"`
	Description     string     `gorm:"type:text" json:"description"`
	Category        string     `gorm:"type:varchar(16)" json:"category"` // landmark, food, culture, transit
	GeofenceLat     float64    `gorm:"not null" json:"-"`
	GeofenceLng     float64    `gorm:"not null" json:"-"`
	GeofenceRadiusM float64    `gorm:"not null" json:"-"`
	XPReward        int64      `gorm:"not null" json:"xpReward"`
	BadgeKey        *string    `gorm:"type:varchar(64)" json:"badgeKey,omitempty"`
	ActiveFrom      time.Time  `gorm:"not null" json:"activeFrom"`
	ActiveTo        *time.Time `json:"activeTo,omitempty"`
	Timestamps
}

// Geofence returns the quest's completion region.
func (q *Quest) Geofence() Geofence {
	return Geofence{Lat: q.GeofenceLat, Lng: q.GeofenceLng, RadiusM: q.GeofenceRadiusM}
}

// IsActive reports whether the quest can be completed at t.
func (q *Quest) IsActive(t time.Time) bool {
	if t.Before(q.ActiveFrom) {
		return false
	}
	return q.ActiveTo == nil || t.Before(*q.ActiveTo)
}
