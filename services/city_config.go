package services

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"passport-quest/models"
)

// CityConfigService serves per-city bootstrap config, including the anti-cheat
// policy. Cities without a row get Defaults.
type CityConfigService struct {
	DB       *gorm.DB
	Defaults models.AntiCheatPolicy
}

func NewCityConfigService(db *gorm.DB, defaults models.AntiCheatPolicy) *CityConfigService {
	return &CityConfigService{DB: db, Defaults: defaults}
}

// Get returns the stored config or a default-filled one.
func (s *CityConfigService) Get(ctx context.Context, cityID string) (*models.CityConfig, error) {
	var cfg models.CityConfig
	err := s.DB.WithContext(ctx).Where("city_id = ?", cityID).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.defaultConfig(cityID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load city config %s: %w", cityID, err)
	}
	return &cfg, nil
}

// Upsert stores a city's config (admin surface).
func (s *CityConfigService) Upsert(ctx context.Context, cfg *models.CityConfig) error {
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "city_id"}},
		UpdateAll: true,
	}).Create(cfg).Error
	if err != nil {
		return fmt.Errorf("failed to upsert city config %s: %w", cfg.CityID, err)
	}
	return nil
}

func (s *CityConfigService) defaultConfig(cityID string) *models.CityConfig {
	return &models.CityConfig{
		CityID:               cityID,
		TimeZone:             "UTC",
		QuietStartLocal:      "22:00",
		QuietEndLocal:        "07:00",
		MaxAccuracyM:         s.Defaults.MaxAccuracyM,
		MaxSpeedMps:          s.Defaults.MaxSpeedMps,
		MaxAttemptsPerMinute: s.Defaults.MaxAttemptsPerMinute,
		FeatureFlags:         map[string]bool{},
	}
}
