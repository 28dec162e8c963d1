package scanner

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"math"
	"math/rand"
	"time"

	"github.com/machug/brewsignal/internal/pkg/application/adapters"
)

// NewMockScanner emits synthetic advertisements for development on
// machines without a BLE radio. It fakes one blue hydrometer fermenting
// a batch from 1.060 down towards 1.010 with a little sensor noise.
func NewMockScanner(sink Sink, interval time.Duration) Scanner {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	return &mockScanner{
		sink:     sink,
		interval: interval,
		started:  time.Now(),
	}
}

type mockScanner struct {
	sink     Sink
	interval time.Duration
	started  time.Time
}

func (s *mockScanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.emit(ctx, now)
		}
	}
}

func (s *mockScanner) emit(ctx context.Context, now time.Time) {
	hours := now.Sub(s.started).Hours()

	// exponential decay with ~48h time constant, like a healthy ale
	gravity := 1.010 + 0.050*math.Exp(-hours/48.0)
	gravity += rand.NormFloat64() * 0.0003

	temperature := 19.5 + rand.NormFloat64()*0.2

	rssi := -60 - rand.Intn(20)

	s.sink.IngestRaw(ctx, rawTiltPayload("blue", gravity, temperature, rssi, now))
}

var mockColorDigits = map[string]byte{
	"red": '1', "green": '2', "black": '3', "purple": '4',
	"orange": '5', "blue": '6', "yellow": '7', "pink": '8',
}

func rawTiltPayload(color string, gravitySG, temperatureC float64, rssi int, at time.Time) adapters.RawPayload {
	uuid := "a495bb" + string(mockColorDigits[color]) + "0c5b14b44b5121370f02d74de"
	uuidBytes, _ := hex.DecodeString(uuid)

	fahrenheit := temperatureC*9.0/5.0 + 32.0

	data := make([]byte, 0, 25)
	data = append(data, 0x4c, 0x00, 0x02, 0x15)
	data = append(data, uuidBytes...)
	data = binary.BigEndian.AppendUint16(data, uint16(math.Round(fahrenheit)))
	data = binary.BigEndian.AppendUint16(data, uint16(math.Round(gravitySG*1000)))
	data = append(data, 0xc5)

	return adapters.RawPayload{
		DeviceAddress:    "00:11:22:33:44:55",
		ManufacturerData: data,
		RSSI:             &rssi,
		SourceProtocol:   "mock",
		ObservedAt:       at,
	}
}
