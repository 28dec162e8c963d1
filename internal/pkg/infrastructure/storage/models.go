package storage

import (
	"encoding/json"
	"time"

	"github.com/machug/brewsignal/pkg/types"
	"gorm.io/gorm"
)

type device struct {
	DeviceID              string    `gorm:"primaryKey"`
	Kind                  string    `gorm:"not null"`
	Name                  string    ``
	NativeGravityUnit     string    `gorm:"not null;default:SG"`
	NativeTemperatureUnit string    `gorm:"not null;default:C"`
	Paired                bool      `gorm:"not null;default:false"`
	LastSeen              time.Time `gorm:"index"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

type calibrationCurve struct {
	ID       uint   `gorm:"primaryKey"`
	DeviceID string `gorm:"uniqueIndex:idx_calibration_device_quantity;not null"`
	Quantity string `gorm:"uniqueIndex:idx_calibration_device_quantity;not null"`
	Kind     string `gorm:"not null"`

	// Points and Coefficients are JSON encoded, mirroring how the rest of
	// the row is consumed: always as a whole curve, never queried by part.
	Points       string
	Coefficients string

	CreatedAt time.Time
	UpdatedAt time.Time
}

type reading struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	DeviceID string `gorm:"index:idx_readings_device_time;not null"`

	Timestamp time.Time `gorm:"index:idx_readings_device_time;index:idx_readings_batch_time"`

	GravityRaw        float64
	GravityCalibrated float64
	GravityFiltered   float64

	TemperatureRaw        float64
	TemperatureCalibrated float64
	TemperatureFiltered   float64

	RSSI       *int
	Confidence float64

	GravityRate     float64
	TemperatureRate float64

	IsAnomaly      bool
	AnomalyScore   float64
	AnomalyReasons string

	BatchID *uint `gorm:"index:idx_readings_batch_time"`

	Status string `gorm:"not null;default:valid"`
}

type batch struct {
	ID          uint `gorm:"primaryKey"`
	DeviceID    *string
	RecipeID    *uint
	BatchNumber int
	Status      string `gorm:"index;not null;default:planning"`

	StartTime *time.Time
	EndTime   *time.Time

	MeasuredOG *float64
	MeasuredFG *float64

	HeaterEntity   *string
	CoolerEntity   *string
	TempTarget     *float64
	TempHysteresis *float64

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

type setting struct {
	Key   string `gorm:"primaryKey"`
	Value string

	UpdatedAt time.Time
}

func (d device) toType() types.Device {
	return types.Device{
		DeviceID:              d.DeviceID,
		Kind:                  types.DeviceKind(d.Kind),
		Name:                  d.Name,
		NativeGravityUnit:     types.GravityUnit(d.NativeGravityUnit),
		NativeTemperatureUnit: types.TemperatureUnit(d.NativeTemperatureUnit),
		Paired:                d.Paired,
		LastSeen:              d.LastSeen,
	}
}

func deviceFromType(d types.Device) device {
	return device{
		DeviceID:              d.DeviceID,
		Kind:                  string(d.Kind),
		Name:                  d.Name,
		NativeGravityUnit:     string(d.NativeGravityUnit),
		NativeTemperatureUnit: string(d.NativeTemperatureUnit),
		Paired:                d.Paired,
		LastSeen:              d.LastSeen,
	}
}

func (c calibrationCurve) toType() types.CalibrationCurve {
	curve := types.CalibrationCurve{
		DeviceID: c.DeviceID,
		Quantity: types.CalibrationQuantity(c.Quantity),
		Kind:     types.CalibrationKind(c.Kind),
	}

	if c.Points != "" {
		json.Unmarshal([]byte(c.Points), &curve.Points)
	}
	if c.Coefficients != "" {
		json.Unmarshal([]byte(c.Coefficients), &curve.Coefficients)
	}

	return curve
}

func calibrationFromType(c types.CalibrationCurve) calibrationCurve {
	points, _ := json.Marshal(c.Points)
	coefficients, _ := json.Marshal(c.Coefficients)

	return calibrationCurve{
		DeviceID:     c.DeviceID,
		Quantity:     string(c.Quantity),
		Kind:         string(c.Kind),
		Points:       string(points),
		Coefficients: string(coefficients),
	}
}

func (r reading) toType() types.Reading {
	out := types.Reading{
		ID:                    r.ID,
		DeviceID:              r.DeviceID,
		Timestamp:             r.Timestamp,
		GravityRaw:            r.GravityRaw,
		GravityCalibrated:     r.GravityCalibrated,
		GravityFiltered:       r.GravityFiltered,
		TemperatureRaw:        r.TemperatureRaw,
		TemperatureCalibrated: r.TemperatureCalibrated,
		TemperatureFiltered:   r.TemperatureFiltered,
		RSSI:                  r.RSSI,
		Confidence:            r.Confidence,
		GravityRate:           r.GravityRate,
		TemperatureRate:       r.TemperatureRate,
		IsAnomaly:             r.IsAnomaly,
		AnomalyScore:          r.AnomalyScore,
		BatchID:               r.BatchID,
		Status:                types.ReadingStatus(r.Status),
	}

	if r.AnomalyReasons != "" {
		json.Unmarshal([]byte(r.AnomalyReasons), &out.AnomalyReasons)
	}

	return out
}

func readingFromType(r types.Reading) reading {
	reasons := ""
	if len(r.AnomalyReasons) > 0 {
		b, _ := json.Marshal(r.AnomalyReasons)
		reasons = string(b)
	}

	return reading{
		ID:                    r.ID,
		DeviceID:              r.DeviceID,
		Timestamp:             r.Timestamp,
		GravityRaw:            r.GravityRaw,
		GravityCalibrated:     r.GravityCalibrated,
		GravityFiltered:       r.GravityFiltered,
		TemperatureRaw:        r.TemperatureRaw,
		TemperatureCalibrated: r.TemperatureCalibrated,
		TemperatureFiltered:   r.TemperatureFiltered,
		RSSI:                  r.RSSI,
		Confidence:            r.Confidence,
		GravityRate:           r.GravityRate,
		TemperatureRate:       r.TemperatureRate,
		IsAnomaly:             r.IsAnomaly,
		AnomalyScore:          r.AnomalyScore,
		AnomalyReasons:        reasons,
		BatchID:               r.BatchID,
		Status:                string(r.Status),
	}
}

func (b batch) toType() types.Batch {
	return types.Batch{
		ID:             b.ID,
		DeviceID:       b.DeviceID,
		RecipeID:       b.RecipeID,
		BatchNumber:    b.BatchNumber,
		Status:         types.BatchStatus(b.Status),
		StartTime:      b.StartTime,
		EndTime:        b.EndTime,
		MeasuredOG:     b.MeasuredOG,
		MeasuredFG:     b.MeasuredFG,
		HeaterEntity:   b.HeaterEntity,
		CoolerEntity:   b.CoolerEntity,
		TempTarget:     b.TempTarget,
		TempHysteresis: b.TempHysteresis,
	}
}

func batchFromType(b types.Batch) batch {
	return batch{
		ID:             b.ID,
		DeviceID:       b.DeviceID,
		RecipeID:       b.RecipeID,
		BatchNumber:    b.BatchNumber,
		Status:         string(b.Status),
		StartTime:      b.StartTime,
		EndTime:        b.EndTime,
		MeasuredOG:     b.MeasuredOG,
		MeasuredFG:     b.MeasuredFG,
		HeaterEntity:   b.HeaterEntity,
		CoolerEntity:   b.CoolerEntity,
		TempTarget:     b.TempTarget,
		TempHysteresis: b.TempHysteresis,
	}
}
