package adapters

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/machug/brewsignal/pkg/types"
	"github.com/matryer/is"
)

func tiltAdvertisement(colorDigit byte, major, minor uint16) []byte {
	uuid, _ := hex.DecodeString("a495bb" + string(colorDigit) + "0c5b14b44b5121370f02d74de")

	data := append([]byte{0x4c, 0x00, 0x02, 0x15}, uuid...)
	data = binary.BigEndian.AppendUint16(data, major)
	data = binary.BigEndian.AppendUint16(data, minor)
	data = append(data, 0x00) // tx power / weeks on battery

	return data
}

func raptAdvertisement(mac []byte, temperatureC, gravitySG float64, batteryPercent int) []byte {
	data := binary.LittleEndian.AppendUint16(nil, RAPTMetricsCompanyID)
	data = append(data, []byte("PT")...)
	data = append(data, 0x01) // version
	data = append(data, mac...)
	data = binary.BigEndian.AppendUint16(data, uint16(math.Round((temperatureC+273.15)*128)))
	data = binary.BigEndian.AppendUint32(data, math.Float32bits(float32(gravitySG*1000)))
	data = append(data, make([]byte, 6)...) // x, y, z
	data = binary.BigEndian.AppendUint16(data, uint16(batteryPercent*256))

	return data
}

func TestTiltHDDecode(t *testing.T) {
	is := is.New(t)

	rssi := -70
	payload := RawPayload{
		ManufacturerData: tiltAdvertisement('6', 682, 10452),
		RSSI:             &rssi,
		SourceProtocol:   "ble",
		ObservedAt:       time.Now(),
	}

	reading, err := NewRouter().Route(payload)
	is.NoErr(err)

	is.Equal(reading.DeviceID, "tilt-blue")
	is.Equal(reading.Kind, types.KindTilt)
	is.True(math.Abs(*reading.GravitySG-1.0452) < 1e-9)
	is.True(math.Abs(*reading.TemperatureC-20.111) < 0.01)
	is.Equal(*reading.RSSI, -70)
}

func TestTiltStandardDecode(t *testing.T) {
	is := is.New(t)

	payload := RawPayload{ManufacturerData: tiltAdvertisement('1', 68, 1052), SourceProtocol: "ble"}

	reading, err := NewRouter().Route(payload)
	is.NoErr(err)

	is.Equal(reading.DeviceID, "tilt-red")
	is.True(math.Abs(*reading.GravitySG-1.052) < 1e-9)
	is.True(math.Abs(*reading.TemperatureC-20.0) < 0.01)
}

func TestTiltEncodeDecodeRoundTrip(t *testing.T) {
	is := is.New(t)

	for _, tc := range []struct {
		major, minor uint16
		sg, tempF    float64
	}{
		{68, 1052, 1.052, 68},
		{75, 1010, 1.010, 75},
		{682, 10452, 1.0452, 68.2},
	} {
		payload := RawPayload{ManufacturerData: tiltAdvertisement('6', tc.major, tc.minor)}
		reading, err := NewTiltAdapter().Parse(payload)
		is.NoErr(err)
		is.True(math.Abs(*reading.GravitySG-tc.sg) < 1e-9)
		is.True(math.Abs(types.FahrenheitFromCelsius(*reading.TemperatureC)-tc.tempF) < 1e-9)
	}
}

func TestUnknownUUIDIsNotATilt(t *testing.T) {
	is := is.New(t)

	data := tiltAdvertisement('6', 68, 1052)
	data[5] = 0xff // break the uuid family

	_, err := NewRouter().Route(RawPayload{ManufacturerData: data})
	is.Equal(err, ErrNoAdapter)
}

func TestRAPTMetricsDecode(t *testing.T) {
	is := is.New(t)

	mac := []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	payload := RawPayload{
		ManufacturerData: raptAdvertisement(mac, 20.0, 1.048, 87),
		SourceProtocol:   "ble",
	}

	reading, err := NewRouter().Route(payload)
	is.NoErr(err)

	is.Equal(reading.DeviceID, "rapt-aabbccddeeff")
	is.Equal(reading.Kind, types.KindRAPT)
	is.True(math.Abs(*reading.GravitySG-1.048) < 1e-4)
	is.True(math.Abs(*reading.TemperatureC-20.0) < 0.01)
	is.Equal(*reading.BatteryPercent, 87.0)
}

func TestRAPTRevisionBeaconIsIgnored(t *testing.T) {
	is := is.New(t)

	data := binary.LittleEndian.AppendUint16(nil, RAPTMetricsCompanyID)
	data = append(data, []byte("PTdPillG1")...)

	_, err := NewRouter().Route(RawPayload{ManufacturerData: data})
	is.Equal(err, ErrPayloadIgnored)
}

func TestISpindelParse(t *testing.T) {
	is := is.New(t)

	body := []byte(`{"name":"Spindel1","ID":12345,"angle":45.2,"temperature":20.0,"temp_units":"C","gravity":1.048,"battery":3.98,"RSSI":-62}`)

	reading, err := NewRouter().Route(RawPayload{Body: body, SourceProtocol: "http"})
	is.NoErr(err)

	is.Equal(reading.DeviceID, "Spindel1")
	is.Equal(reading.Kind, types.KindISpindel)
	is.Equal(*reading.GravitySG, 1.048)
	is.Equal(*reading.TemperatureC, 20.0)
	is.Equal(*reading.RSSI, -62)
	is.True(!reading.PreFiltered)
}

func TestISpindelFahrenheitIsConverted(t *testing.T) {
	is := is.New(t)

	body := []byte(`{"name":"Spindel1","angle":45.2,"temperature":68.0,"temp_units":"F","gravity":1.048}`)

	reading, err := NewISpindelAdapter().Parse(RawPayload{Body: body})
	is.NoErr(err)
	is.True(math.Abs(*reading.TemperatureC-20.0) < 1e-9)
}

func TestGravityMonWinsOverISpindel(t *testing.T) {
	is := is.New(t)

	body := []byte(`{"name":"gm1","ID":99,"angle":40.1,"temperature":19.5,"temp_units":"C","gravity":11.2,"gravity-unit":"P","corr-gravity":11.0,"run-time":1.5,"battery":4.1}`)

	reading, err := NewRouter().Route(RawPayload{Body: body, SourceProtocol: "http"})
	is.NoErr(err)

	is.Equal(reading.Kind, types.KindGravityMon)
	is.True(reading.PreFiltered)
	// corr-gravity in Plato converted to SG
	is.True(math.Abs(*reading.GravitySG-types.SGFromPlato(11.0)) < 1e-9)
}

func TestSniffIsIdempotent(t *testing.T) {
	is := is.New(t)

	payloads := []RawPayload{
		{ManufacturerData: tiltAdvertisement('6', 68, 1052)},
		{ManufacturerData: raptAdvertisement(make([]byte, 6), 20, 1.05, 50)},
		{Body: []byte(`{"name":"s","angle":1,"temperature":2,"gravity":1.01}`)},
	}

	router := NewRouter()
	for _, p := range payloads {
		first, err1 := router.Route(p)
		second, err2 := router.Route(p)
		is.NoErr(err1)
		is.NoErr(err2)
		is.Equal(first.Kind, second.Kind)
	}
}

func TestMissingFieldsAreReported(t *testing.T) {
	is := is.New(t)

	_, err := NewISpindelAdapter().Parse(RawPayload{Body: []byte(`{"name":"s","angle":45.0}`)})

	var aerr *AdapterError
	is.True(errors.As(err, &aerr))
	is.Equal(aerr.Kind, ErrorKindMissingRequiredField)
}
