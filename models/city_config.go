package models

import "time"

// AntiCheatPolicy holds the per-city thresholds applied by the completion gate.
type AntiCheatPolicy struct {
	MaxAccuracyM         float64 `json:"maxAccuracyM"`
	MaxSpeedMps          float64 `json:"maxSpeedMps"`
	MaxAttemptsPerMinute int     `json:"maxAttemptsPerMinute"`
}

// QuietHours is a local-time window, "HH:MM" on both ends.
type QuietHours struct {
	StartLocal string `json:"startLocal"`
	EndLocal   string `json:"endLocal"`
}

// CityConfig is the bootstrap config for one city. Read-mostly.
type CityConfig struct {
	CityID               string          `gorm:"primaryKey;type:varchar(16)" json:"cityId"`
	TimeZone             string          `gorm:"not null;default:'UTC'" json:"timeZone"`
	QuietStartLocal      string          `gorm:"type:varchar(5);default:'22:00'" json:"-"`
	QuietEndLocal        string          `gorm:"type:varchar(5);default:'07:00'" json:"-"`
	MaxAccuracyM         float64         `gorm:"not null" json:"-"`
	MaxSpeedMps          float64         `gorm:"not null" json:"-"`
	MaxAttemptsPerMinute int             `gorm:"not null" json:"-"`
	FeatureFlags         map[string]bool `gorm:"serializer:json;type:text" json:"featureFlags"`
	UpdatedAt            time.Time       `gorm:"autoUpdateTime" json:"-"`
}

// Policy extracts the anti-cheat thresholds.
func (c *CityConfig) Policy() AntiCheatPolicy {
	return AntiCheatPolicy{
		MaxAccuracyM:         c.MaxAccuracyM,
		MaxSpeedMps:          c.MaxSpeedMps,
		MaxAttemptsPerMinute: c.MaxAttemptsPerMinute,
	}
}

// Location resolves the city's time zone, falling back to UTC.
func (c *CityConfig) Location() *time.Location {
	if c == nil || c.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// BootstrapConfig is the GET /config/bootstrap response.
type BootstrapConfig struct {
	CityID       string          `json:"cityId"`
	TimeZone     string          `json:"timeZone"`
	QuietHours   QuietHours      `json:"quietHours"`
	AntiCheat    AntiCheatPolicy `json:"antiCheat"`
	FeatureFlags map[string]bool `json:"featureFlags"`
}

// Bootstrap renders the wire form of the config.
func (c *CityConfig) Bootstrap() BootstrapConfig {
	flags := c.FeatureFlags
	if flags == nil {
		flags = map[string]bool{}
	}
	return BootstrapConfig{
		CityID:       c.CityID,
		TimeZone:     c.TimeZone,
		QuietHours:   QuietHours{StartLocal: c.QuietStartLocal, EndLocal: c.QuietEndLocal},
		AntiCheat:    c.Policy(),
		FeatureFlags: flags,
	}
}
