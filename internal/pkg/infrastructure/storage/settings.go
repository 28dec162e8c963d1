package storage

import (
	"context"

	"gorm.io/gorm/clause"
)

func (s *impl) GetSettings(ctx context.Context) (map[string]string, error) {
	var models []setting

	result := s.db.WithContext(ctx).Find(&models)
	if result.Error != nil {
		return nil, result.Error
	}

	settings := make(map[string]string, len(models))
	for _, m := range models {
		settings[m.Key] = m.Value
	}

	return settings, nil
}

func (s *impl) PutSetting(ctx context.Context, key, value string) error {
	model := setting{Key: key, Value: value}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&model)

	if result.Error != nil {
		return ErrStoreFailed
	}

	return nil
}
