package storage

import (
	"context"
	"errors"

	"github.com/machug/brewsignal/pkg/types"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

func (s *impl) AddBatch(ctx context.Context, b types.Batch) (uint, error) {
	if b.Status == types.BatchStatusFermenting && b.DeviceID != nil {
		err := s.assertNoFermentingBatch(ctx, *b.DeviceID, 0)
		if err != nil {
			return 0, err
		}
	}

	model := batchFromType(b)
	model.ID = 0

	result := s.db.WithContext(ctx).Create(&model)
	if result.Error != nil {
		return 0, ErrStoreFailed
	}

	return model.ID, nil
}

func (s *impl) UpdateBatch(ctx context.Context, b types.Batch) error {
	if b.Status == types.BatchStatusFermenting && b.DeviceID != nil {
		err := s.assertNoFermentingBatch(ctx, *b.DeviceID, b.ID)
		if err != nil {
			return err
		}
	}

	model := batchFromType(b)

	result := s.db.WithContext(ctx).Model(&batch{}).
		Where("id = ?", b.ID).
		Select("device_id", "recipe_id", "batch_number", "status", "start_time", "end_time",
			"measured_og", "measured_fg", "heater_entity", "cooler_entity", "temp_target", "temp_hysteresis").
		Updates(&model)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrNoRows
	}

	return nil
}

// assertNoFermentingBatch guards the at-most-one-fermenting-per-device
// invariant before a batch enters (or is created in) the fermenting state.
func (s *impl) assertNoFermentingBatch(ctx context.Context, deviceID string, excludeID uint) error {
	var count int64

	err := s.db.WithContext(ctx).Model(&batch{}).
		Where("device_id = ? AND status = ? AND id <> ?", deviceID, string(types.BatchStatusFermenting), excludeID).
		Count(&count).Error
	if err != nil {
		return err
	}

	if count > 0 {
		return ErrBatchConflict
	}

	return nil
}

func (s *impl) GetBatch(ctx context.Context, batchID uint) (types.Batch, error) {
	var model batch

	result := s.db.WithContext(ctx).First(&model, batchID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return types.Batch{}, ErrNoRows
		}
		return types.Batch{}, result.Error
	}

	return model.toType(), nil
}

func (s *impl) ListBatches(ctx context.Context) ([]types.Batch, error) {
	var models []batch

	result := s.db.WithContext(ctx).Order("id").Find(&models)
	if result.Error != nil {
		return nil, result.Error
	}

	return lo.Map(models, func(m batch, _ int) types.Batch { return m.toType() }), nil
}

func (s *impl) DeleteBatch(ctx context.Context, batchID uint) error {
	result := s.db.WithContext(ctx).Delete(&batch{}, batchID)
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrNoRows
	}

	return nil
}

func (s *impl) ActiveBatchForDevice(ctx context.Context, deviceID string) (types.Batch, error) {
	var model batch

	result := s.db.WithContext(ctx).
		Where("device_id = ? AND status = ?", deviceID, string(types.BatchStatusFermenting)).
		First(&model)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return types.Batch{}, ErrNoRows
		}
		return types.Batch{}, result.Error
	}

	return model.toType(), nil
}

func (s *impl) ActiveBatches(ctx context.Context) ([]types.Batch, error) {
	var models []batch

	result := s.db.WithContext(ctx).
		Where("status = ?", string(types.BatchStatusFermenting)).
		Order("id").
		Find(&models)

	if result.Error != nil {
		return nil, result.Error
	}

	return lo.Map(models, func(m batch, _ int) types.Batch { return m.toType() }), nil
}
