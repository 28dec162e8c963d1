package adapters

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"

	"github.com/machug/brewsignal/pkg/types"
)

// Tilt hydrometers broadcast as Apple iBeacons. The 16 byte proximity
// UUID identifies the color, major carries temperature (°F) and minor
// carries gravity (SG·1000). The HD models pack one extra digit of
// precision into both fields.

var ibeaconPrefix = []byte{0x4c, 0x00, 0x02, 0x15}

const (
	tiltUUIDPrefix = "a495bb"
	tiltUUIDSuffix = "0c5b14b44b5121370f02d74de"
)

var tiltColors = map[byte]string{
	'1': "red",
	'2': "green",
	'3': "black",
	'4': "purple",
	'5': "orange",
	'6': "blue",
	'7': "yellow",
	'8': "pink",
}

type tiltAdapter struct{}

func NewTiltAdapter() Adapter {
	return &tiltAdapter{}
}

func (a *tiltAdapter) Kind() types.DeviceKind {
	return types.KindTilt
}

func (a *tiltAdapter) Sniff(payload RawPayload) bool {
	data := payload.ManufacturerData

	if len(data) < 25 || !bytes.HasPrefix(data, ibeaconPrefix) {
		return false
	}

	_, ok := tiltColor(data[4:20])
	return ok
}

func tiltColor(uuid []byte) (string, bool) {
	h := hex.EncodeToString(uuid)

	if len(h) != 32 || h[:6] != tiltUUIDPrefix || h[7:] != tiltUUIDSuffix {
		return "", false
	}

	color, ok := tiltColors[h[6]]
	return color, ok
}

func (a *tiltAdapter) Parse(payload RawPayload) (types.NormalizedReading, error) {
	data := payload.ManufacturerData

	if len(data) < 25 {
		return types.NormalizedReading{}, newAdapterError(ErrorKindMalformed, "ibeacon payload too short (%d bytes)", len(data))
	}

	color, ok := tiltColor(data[4:20])
	if !ok {
		return types.NormalizedReading{}, newAdapterError(ErrorKindMalformed, "uuid is not in the tilt family")
	}

	major := binary.BigEndian.Uint16(data[20:22])
	minor := binary.BigEndian.Uint16(data[22:24])

	var gravitySG, temperatureF float64

	// HD Tilts report SG·10000 and °F·10; a regular minor never exceeds
	// 2000 because SG·1000 tops out well below it.
	if minor > 2000 {
		gravitySG = float64(minor) / 10000.0
		temperatureF = float64(major) / 10.0
	} else {
		gravitySG = float64(minor) / 1000.0
		temperatureF = float64(major)
	}

	temperatureC := types.CelsiusFromFahrenheit(temperatureF)

	return types.NormalizedReading{
		DeviceID:       "tilt-" + color,
		Kind:           types.KindTilt,
		GravitySG:      &gravitySG,
		TemperatureC:   &temperatureC,
		RSSI:           payload.RSSI,
		Raw:            data,
		SourceProtocol: payload.SourceProtocol,
		ObservedAt:     payload.ObservedAt,
	}, nil
}
