package storage

import (
	"context"
	"errors"
	"time"

	"github.com/machug/brewsignal/pkg/types"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

func (s *impl) AddReading(ctx context.Context, r types.Reading) (uint, error) {
	model := readingFromType(r)
	model.ID = 0

	result := s.db.WithContext(ctx).Create(&model)
	if result.Error != nil {
		return 0, ErrStoreFailed
	}

	return model.ID, nil
}

func (s *impl) LatestReading(ctx context.Context, deviceID string) (types.Reading, error) {
	var model reading

	result := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("timestamp DESC, id DESC").
		First(&model)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return types.Reading{}, ErrNoRows
		}
		return types.Reading{}, result.Error
	}

	return model.toType(), nil
}

// LatestGoodReading returns the most recent non-anomalous, in-range
// reading, which is what the pipeline warm start wants to seed from.
func (s *impl) LatestGoodReading(ctx context.Context, deviceID string) (types.Reading, error) {
	var model reading

	result := s.db.WithContext(ctx).
		Where("device_id = ? AND is_anomaly = ? AND status <> ?", deviceID, false, string(types.ReadingStatusInvalid)).
		Order("timestamp DESC, id DESC").
		First(&model)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return types.Reading{}, ErrNoRows
		}
		return types.Reading{}, result.Error
	}

	return model.toType(), nil
}

// LatestReadings returns the most recent reading per device.
func (s *impl) LatestReadings(ctx context.Context) ([]types.Reading, error) {
	var models []reading

	result := s.db.WithContext(ctx).
		Where("id IN (?)", s.db.Model(&reading{}).Select("MAX(id)").Group("device_id")).
		Find(&models)

	if result.Error != nil {
		return nil, result.Error
	}

	return lo.Map(models, func(m reading, _ int) types.Reading { return m.toType() }), nil
}

func (s *impl) ReadingsInRange(ctx context.Context, deviceID string, since, until time.Time, limit int) ([]types.Reading, error) {
	if limit <= 0 || limit > MaxReadingsLimit {
		limit = MaxReadingsLimit
	}

	query := s.db.WithContext(ctx).Where("device_id = ?", deviceID)

	if !since.IsZero() {
		query = query.Where("timestamp >= ?", since)
	}
	if !until.IsZero() {
		query = query.Where("timestamp <= ?", until)
	}

	var models []reading

	result := query.Order("timestamp ASC, id ASC").Limit(limit).Find(&models)
	if result.Error != nil {
		return nil, result.Error
	}

	return lo.Map(models, func(m reading, _ int) types.Reading { return m.toType() }), nil
}

// ForEachReading streams all readings in chronological order without
// materializing the full result set, for the CSV export.
func (s *impl) ForEachReading(ctx context.Context, fn func(types.Reading) error) error {
	rows, err := s.db.WithContext(ctx).Model(&reading{}).Order("timestamp ASC, id ASC").Rows()
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var model reading
		err = s.db.ScanRows(rows, &model)
		if err != nil {
			return err
		}

		err = fn(model.toType())
		if err != nil {
			return err
		}
	}

	return rows.Err()
}

func (s *impl) DeleteReadingsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&reading{})
	return result.RowsAffected, result.Error
}

// OrphanedBatches finds soft deleted batches that still have readings
// attached, so the sweeper can reclaim the rows batch by batch.
func (s *impl) OrphanedBatches(ctx context.Context) ([]uint, error) {
	var ids []uint

	err := s.db.WithContext(ctx).Model(&reading{}).Distinct("batch_id").
		Where("batch_id IN (?)", s.db.Unscoped().Model(&batch{}).Select("id").Where("deleted_at IS NOT NULL")).
		Pluck("batch_id", &ids).Error

	return ids, err
}

func (s *impl) DeleteReadingsByBatch(ctx context.Context, batchIDs []uint) (int64, error) {
	if len(batchIDs) == 0 {
		return 0, nil
	}

	result := s.db.WithContext(ctx).Where("batch_id IN ?", batchIDs).Delete(&reading{})
	return result.RowsAffected, result.Error
}
