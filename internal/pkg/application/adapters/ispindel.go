package adapters

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/machug/brewsignal/pkg/types"
)

// iSpindel and GravityMon both POST JSON over WiFi. GravityMon runs on
// iSpindel hardware and extends the schema, so its adapter sniffs on the
// extended keys and must be routed before the generic iSpindel adapter.

type ispindelPayload struct {
	Name        string   `json:"name"`
	ID          *int64   `json:"ID"`
	Angle       *float64 `json:"angle"`
	Temperature *float64 `json:"temperature"`
	TempUnits   string   `json:"temp_units"`
	Gravity     *float64 `json:"gravity"`
	Battery     *float64 `json:"battery"`
	RSSI        *int     `json:"RSSI"`

	// gravitymon extensions
	CorrGravity *float64 `json:"corr-gravity"`
	GravityUnit string   `json:"gravity-unit"`
	RunTime     *float64 `json:"run-time"`
}

func (p ispindelPayload) deviceID(prefix string) string {
	if p.Name != "" {
		return p.Name
	}
	if p.ID != nil {
		return fmt.Sprintf("%s-%d", prefix, *p.ID)
	}
	return ""
}

func decodeISpindelBody(body []byte) (ispindelPayload, error) {
	var p ispindelPayload

	decoder := json.NewDecoder(bytes.NewReader(body))
	err := decoder.Decode(&p)
	if err != nil {
		return p, newAdapterError(ErrorKindMalformed, "invalid json: %s", err.Error())
	}

	return p, nil
}

func normalizeISpindel(p ispindelPayload, payload RawPayload, kind types.DeviceKind, prefix string) (types.NormalizedReading, error) {
	deviceID := p.deviceID(prefix)
	if deviceID == "" {
		return types.NormalizedReading{}, newAdapterError(ErrorKindMissingRequiredField, "payload has neither name nor ID")
	}

	if p.Gravity == nil || p.Temperature == nil {
		return types.NormalizedReading{}, newAdapterError(ErrorKindMissingRequiredField, "payload lacks gravity or temperature")
	}

	gravityUnit := types.GravityUnitSG
	if p.GravityUnit == "P" {
		gravityUnit = types.GravityUnitPlato
	}

	temperatureUnit := types.TemperatureUnitCelsius
	if p.TempUnits == "F" {
		temperatureUnit = types.TemperatureUnitFahrenheit
	}

	gravity := *p.Gravity
	preFiltered := false

	// gravitymon firmware with an onboard polynomial reports a corrected
	// gravity alongside the raw one; prefer it and flag the smoothing
	if p.CorrGravity != nil && *p.CorrGravity > 0 {
		gravity = *p.CorrGravity
		preFiltered = true
	}

	gravitySG := types.ConvertGravityToSG(gravity, gravityUnit)
	temperatureC := types.ConvertTemperatureToCelsius(*p.Temperature, temperatureUnit)

	rssi := p.RSSI
	if rssi == nil {
		rssi = payload.RSSI
	}

	return types.NormalizedReading{
		DeviceID:       deviceID,
		Kind:           kind,
		GravitySG:      &gravitySG,
		TemperatureC:   &temperatureC,
		RSSI:           rssi,
		BatteryPercent: batteryPercentFromVoltage(p.Battery),
		Raw:            payload.Body,
		SourceProtocol: payload.SourceProtocol,
		PreFiltered:    preFiltered,
		ObservedAt:     payload.ObservedAt,
	}, nil
}

// batteryPercentFromVoltage maps a LiIon cell voltage onto a rough
// percentage. 3.3 V is empty for ESP8266 boards, 4.2 V is full.
func batteryPercentFromVoltage(voltage *float64) *float64 {
	if voltage == nil {
		return nil
	}

	percent := (*voltage - 3.3) / (4.2 - 3.3) * 100.0
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	return &percent
}

type ispindelAdapter struct{}

func NewISpindelAdapter() Adapter {
	return &ispindelAdapter{}
}

func (a *ispindelAdapter) Kind() types.DeviceKind {
	return types.KindISpindel
}

func (a *ispindelAdapter) Sniff(payload RawPayload) bool {
	if len(payload.Body) == 0 {
		return false
	}

	p, err := decodeISpindelBody(payload.Body)
	if err != nil {
		return false
	}

	return p.Angle != nil && p.Gravity != nil && (p.Name != "" || p.ID != nil)
}

func (a *ispindelAdapter) Parse(payload RawPayload) (types.NormalizedReading, error) {
	p, err := decodeISpindelBody(payload.Body)
	if err != nil {
		return types.NormalizedReading{}, err
	}

	return normalizeISpindel(p, payload, types.KindISpindel, "ispindel")
}

type gravityMonAdapter struct{}

func NewGravityMonAdapter() Adapter {
	return &gravityMonAdapter{}
}

func (a *gravityMonAdapter) Kind() types.DeviceKind {
	return types.KindGravityMon
}

func (a *gravityMonAdapter) Sniff(payload RawPayload) bool {
	if len(payload.Body) == 0 {
		return false
	}

	p, err := decodeISpindelBody(payload.Body)
	if err != nil {
		return false
	}

	extended := p.CorrGravity != nil || p.GravityUnit != "" || p.RunTime != nil

	return extended && p.Gravity != nil && (p.Name != "" || p.ID != nil)
}

func (a *gravityMonAdapter) Parse(payload RawPayload) (types.NormalizedReading, error) {
	p, err := decodeISpindelBody(payload.Body)
	if err != nil {
		return types.NormalizedReading{}, err
	}

	return normalizeISpindel(p, payload, types.KindGravityMon, "gravitymon")
}
