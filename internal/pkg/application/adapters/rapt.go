package adapters

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"math"

	"github.com/machug/brewsignal/pkg/types"
)

// RAPT Pill hydrometers use two Bluetooth company identifiers that
// spell out ASCII when combined with the payload prefix: 16722 ("RA")
// followed by "PT" carries metrics, 17739 ("KE") followed by "G..."
// carries the firmware version.
const (
	RAPTMetricsCompanyID = 16722
	RAPTVersionCompanyID = 17739
)

// raptRevisionBeacon is broadcast by second generation hardware in place
// of a metrics frame and carries no reading.
var raptRevisionBeacon = []byte("PTdPillG1")

type raptAdapter struct{}

func NewRAPTAdapter() Adapter {
	return &raptAdapter{}
}

func (a *raptAdapter) Kind() types.DeviceKind {
	return types.KindRAPT
}

func (a *raptAdapter) Sniff(payload RawPayload) bool {
	data := payload.ManufacturerData

	return len(data) >= 4 &&
		binary.LittleEndian.Uint16(data[0:2]) == RAPTMetricsCompanyID &&
		bytes.HasPrefix(data[2:], []byte("PT"))
}

func (a *raptAdapter) Parse(payload RawPayload) (types.NormalizedReading, error) {
	// strip the company identifier, keep the "PT..." payload
	if len(payload.ManufacturerData) < 2 {
		return types.NormalizedReading{}, newAdapterError(ErrorKindMalformed, "manufacturer data too short")
	}

	data := payload.ManufacturerData[2:]

	if bytes.Equal(data, raptRevisionBeacon) {
		return types.NormalizedReading{}, ErrPayloadIgnored
	}

	if len(data) != 23 {
		return types.NormalizedReading{}, newAdapterError(ErrorKindMalformed, "metrics payload is %d bytes, want 23", len(data))
	}

	version := data[2]
	if version != 1 {
		return types.NormalizedReading{}, newAdapterError(ErrorKindUnsupportedVersion, "metrics version %d", version)
	}

	mac := data[3:9]
	tempRaw := binary.BigEndian.Uint16(data[9:11])
	gravityRaw := math.Float32frombits(binary.BigEndian.Uint32(data[11:15]))
	// accelerometer x/y/z at data[15:21] are not used
	batteryRaw := int16(binary.BigEndian.Uint16(data[21:23]))

	temperatureC := float64(tempRaw)/128.0 - 273.15
	gravitySG := float64(gravityRaw) / 1000.0
	battery := math.Round(float64(batteryRaw) / 256.0)

	return types.NormalizedReading{
		DeviceID:       "rapt-" + hex.EncodeToString(mac),
		Kind:           types.KindRAPT,
		GravitySG:      &gravitySG,
		TemperatureC:   &temperatureC,
		RSSI:           payload.RSSI,
		BatteryPercent: &battery,
		Raw:            payload.ManufacturerData,
		SourceProtocol: payload.SourceProtocol,
		ObservedAt:     payload.ObservedAt,
	}, nil
}
