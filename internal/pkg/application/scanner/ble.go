package scanner

import (
	"context"
	"errors"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/machug/brewsignal/internal/pkg/application/adapters"
)

// NewBLEScanner listens for BLE advertisements on the default HCI device
// and forwards every manufacturer data blob to the sink. The adapters
// sort out which advertisements are hydrometers.
func NewBLEScanner(sink Sink) Scanner {
	return &bleScanner{sink: sink}
}

type bleScanner struct {
	sink Sink
}

func (s *bleScanner) Run(ctx context.Context) error {
	log := logging.GetFromContext(ctx)
	retry := backoff{}

	for {
		started := time.Now()
		err := s.scanOnce(ctx)
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return ctx.Err()
		}

		delay := retry.nextAfter(time.Since(started), time.Minute)
		log.Error("ble scan stopped, restarting", "err", err.Error(), "delay", delay.String())

		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}
}

func (s *bleScanner) scanOnce(ctx context.Context) error {
	device, err := linux.NewDevice()
	if err != nil {
		return err
	}
	defer device.Stop()

	ble.SetDefaultDevice(device)

	handler := func(a ble.Advertisement) {
		md := a.ManufacturerData()
		if len(md) == 0 {
			return
		}

		rssi := a.RSSI()

		s.sink.IngestRaw(ctx, adapters.RawPayload{
			DeviceAddress:    a.Addr().String(),
			ManufacturerData: md,
			RSSI:             &rssi,
			SourceProtocol:   "ble",
			ObservedAt:       time.Now(),
		})
	}

	filter := func(a ble.Advertisement) bool {
		return len(a.ManufacturerData()) > 0
	}

	// allowDup keeps repeated beacons flowing, the ingest throttle is
	// the one place that rate limits
	return ble.Scan(ctx, true, handler, filter)
}
