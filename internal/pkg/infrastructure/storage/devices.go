package storage

import (
	"context"
	"errors"

	"github.com/machug/brewsignal/pkg/types"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *impl) UpsertDevice(ctx context.Context, d types.Device) error {
	model := deviceFromType(d)

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_seen", "updated_at"}),
	}).Create(&model)

	if result.Error != nil {
		return ErrStoreFailed
	}

	return nil
}

func (s *impl) GetDevice(ctx context.Context, deviceID string) (types.Device, error) {
	var model device

	result := s.db.WithContext(ctx).First(&model, "device_id = ?", deviceID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return types.Device{}, ErrNoRows
		}
		return types.Device{}, result.Error
	}

	return model.toType(), nil
}

func (s *impl) ListDevices(ctx context.Context) ([]types.Device, error) {
	var models []device

	result := s.db.WithContext(ctx).Order("device_id").Find(&models)
	if result.Error != nil {
		return nil, result.Error
	}

	return lo.Map(models, func(m device, _ int) types.Device { return m.toType() }), nil
}

func (s *impl) SetDevicePaired(ctx context.Context, deviceID string, paired bool) error {
	return s.setDeviceColumn(ctx, deviceID, "paired", paired)
}

func (s *impl) SetDeviceName(ctx context.Context, deviceID, name string) error {
	return s.setDeviceColumn(ctx, deviceID, "name", name)
}

func (s *impl) setDeviceColumn(ctx context.Context, deviceID, column string, value any) error {
	result := s.db.WithContext(ctx).Model(&device{}).
		Where("device_id = ?", deviceID).
		Update(column, value)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrNoRows
	}

	return nil
}

func (s *impl) GetCalibration(ctx context.Context, deviceID string) ([]types.CalibrationCurve, error) {
	var models []calibrationCurve

	result := s.db.WithContext(ctx).Find(&models, "device_id = ?", deviceID)
	if result.Error != nil {
		return nil, result.Error
	}

	return lo.Map(models, func(m calibrationCurve, _ int) types.CalibrationCurve { return m.toType() }), nil
}

func (s *impl) SetCalibration(ctx context.Context, curve types.CalibrationCurve) error {
	model := calibrationFromType(curve)

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}, {Name: "quantity"}},
		DoUpdates: clause.AssignmentColumns([]string{"kind", "points", "coefficients", "updated_at"}),
	}).Create(&model)

	if result.Error != nil {
		return ErrStoreFailed
	}

	return nil
}
