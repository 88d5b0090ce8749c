package services

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"passport-quest/models"
)

var ErrQuestNotFound = errors.New("quest not found")

// QuestCatalog is the read side of the quest catalog used by the completion gate.
type QuestCatalog struct {
	DB *gorm.DB
}

func NewQuestCatalog(db *gorm.DB) *QuestCatalog {
	return &QuestCatalog{DB: db}
}

// Get loads a quest by id.
func (s *QuestCatalog) Get(ctx context.Context, questID string) (*models.Quest, error) {
	var q models.Quest
	if err := s.DB.WithContext(ctx).Where("id = ?", questID).First(&q).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrQuestNotFound
		}
		return nil, fmt.Errorf("failed to load quest %s: %w", questID, err)
	}
	return &q, nil
}

// Upsert inserts or replaces a quest definition (admin surface).
func (s *QuestCatalog) Upsert(ctx context.Context, q *models.Quest) error {
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"city_id", "title", "description", "category",
			"geofence_lat", "geofence_lng", "geofence_radius_m",
			"xp_reward", "badge_key", "active_from", "active_to", "updated_at",
		}),
	}).Create(q).Error
	if err != nil {
		return fmt.Errorf("failed to upsert quest %s: %w", q.ID, err)
	}
	return nil
}
