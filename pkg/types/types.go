package types

import (
	"time"
)

type DeviceKind string

const (
	KindTilt       DeviceKind = "tilt"
	KindISpindel   DeviceKind = "ispindel"
	KindGravityMon DeviceKind = "gravitymon"
	KindRAPT       DeviceKind = "rapt"
)

type GravityUnit string

const (
	GravityUnitSG    GravityUnit = "SG"
	GravityUnitPlato GravityUnit = "Plato"
	GravityUnitBrix  GravityUnit = "Brix"
)

type TemperatureUnit string

const (
	TemperatureUnitCelsius    TemperatureUnit = "C"
	TemperatureUnitFahrenheit TemperatureUnit = "F"
)

type ReadingStatus string

const (
	ReadingStatusValid        ReadingStatus = "valid"
	ReadingStatusInvalid      ReadingStatus = "invalid"
	ReadingStatusUncalibrated ReadingStatus = "uncalibrated"
	ReadingStatusIncomplete   ReadingStatus = "incomplete"
)

type BatchStatus string

const (
	BatchStatusPlanning     BatchStatus = "planning"
	BatchStatusFermenting   BatchStatus = "fermenting"
	BatchStatusConditioning BatchStatus = "conditioning"
	BatchStatusCompleted    BatchStatus = "completed"
	BatchStatusArchived     BatchStatus = "archived"
)

type Device struct {
	DeviceID              string          `json:"deviceID"`
	Kind                  DeviceKind      `json:"kind"`
	Name                  string          `json:"name,omitempty"`
	NativeGravityUnit     GravityUnit     `json:"nativeGravityUnit"`
	NativeTemperatureUnit TemperatureUnit `json:"nativeTemperatureUnit"`
	Paired                bool            `json:"paired"`
	LastSeen              time.Time       `json:"lastSeen"`
}

// NormalizedReading is the uniform shape every adapter produces,
// regardless of source protocol. Gravity is always SG, temperature
// always Celsius.
type NormalizedReading struct {
	DeviceID       string     `json:"deviceID"`
	Kind           DeviceKind `json:"kind"`
	GravitySG      *float64   `json:"gravitySG,omitempty"`
	TemperatureC   *float64   `json:"temperatureC,omitempty"`
	RSSI           *int       `json:"rssi,omitempty"`
	BatteryPercent *float64   `json:"batteryPercent,omitempty"`
	Raw            []byte     `json:"-"`
	SourceProtocol string     `json:"sourceProtocol"`

	// PreFiltered flags gravity values the device smoothed on its own
	// (iSpindel-class firmware with an onboard polynomial).
	PreFiltered bool `json:"preFiltered,omitempty"`

	ObservedAt time.Time `json:"observedAt"`
}

// ProcessedReading carries the pipeline's signal-conditioning output
// for a single accepted observation.
type ProcessedReading struct {
	GravityFiltered     float64  `json:"gravityFiltered"`
	TemperatureFiltered float64  `json:"temperatureFiltered"`
	GravityRate         float64  `json:"gravityRate"`
	TemperatureRate     float64  `json:"temperatureRate"`
	Confidence          float64  `json:"confidence"`
	IsAnomaly           bool     `json:"isAnomaly"`
	AnomalyReasons      []string `json:"anomalyReasons,omitempty"`
	AnomalyScore        float64  `json:"anomalyScore"`
}

// Reading is one persisted observation. Immutable once written.
type Reading struct {
	ID       uint   `json:"id"`
	DeviceID string `json:"deviceID"`

	Timestamp time.Time `json:"timestamp"`

	GravityRaw        float64 `json:"gravityRaw"`
	GravityCalibrated float64 `json:"gravityCalibrated"`
	GravityFiltered   float64 `json:"gravityFiltered"`

	TemperatureRaw        float64 `json:"temperatureRaw"`
	TemperatureCalibrated float64 `json:"temperatureCalibrated"`
	TemperatureFiltered   float64 `json:"temperatureFiltered"`

	RSSI       *int    `json:"rssi,omitempty"`
	Confidence float64 `json:"confidence"`

	GravityRate     float64 `json:"gravityRate"`
	TemperatureRate float64 `json:"temperatureRate"`

	IsAnomaly      bool     `json:"isAnomaly"`
	AnomalyScore   float64  `json:"anomalyScore"`
	AnomalyReasons []string `json:"anomalyReasons,omitempty"`

	BatchID *uint `json:"batchID,omitempty"`

	Status ReadingStatus `json:"status"`
}

type Batch struct {
	ID          uint        `json:"id"`
	DeviceID    *string     `json:"deviceID,omitempty"`
	RecipeID    *uint       `json:"recipeID,omitempty"`
	BatchNumber int         `json:"batchNumber"`
	Status      BatchStatus `json:"status"`

	StartTime *time.Time `json:"startTime,omitempty"`
	EndTime   *time.Time `json:"endTime,omitempty"`

	MeasuredOG *float64 `json:"measuredOG,omitempty"`
	MeasuredFG *float64 `json:"measuredFG,omitempty"`

	HeaterEntity   *string  `json:"heaterEntity,omitempty"`
	CoolerEntity   *string  `json:"coolerEntity,omitempty"`
	TempTarget     *float64 `json:"tempTarget,omitempty"`
	TempHysteresis *float64 `json:"tempHysteresis,omitempty"`
}

type CalibrationQuantity string

const (
	CalibrationQuantityGravity     CalibrationQuantity = "gravity"
	CalibrationQuantityTemperature CalibrationQuantity = "temperature"
)

type CalibrationKind string

const (
	CalibrationKindLinear     CalibrationKind = "linear"
	CalibrationKindPolynomial CalibrationKind = "polynomial"
)

type CalibrationPoint struct {
	Raw    float64 `json:"raw"`
	Actual float64 `json:"actual"`
}

// CalibrationCurve maps raw device readings to actual values, either by
// linear interpolation between measured points or by a polynomial in the
// angle domain for iSpindel-class hydrometers.
type CalibrationCurve struct {
	DeviceID     string              `json:"deviceID"`
	Quantity     CalibrationQuantity `json:"quantity"`
	Kind         CalibrationKind     `json:"kind"`
	Points       []CalibrationPoint  `json:"points,omitempty"`
	Coefficients []float64           `json:"coefficients,omitempty"`
}

type Collection[T any] struct {
	Data       []T    `json:"data"`
	Count      uint64 `json:"count"`
	Offset     uint64 `json:"offset"`
	Limit      uint64 `json:"limit"`
	TotalCount uint64 `json:"totalCount"`
}
