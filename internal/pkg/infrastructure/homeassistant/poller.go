package homeassistant

import (
	"context"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

// AmbientPoller samples a temperature sensor entity on an interval and
// hands each value to the callback, typically to broadcast alongside
// the fermenter readings. Failed polls are logged and skipped.
type AmbientPoller struct {
	client   *Client
	entityID string
	interval time.Duration
	onValue  func(temperatureC float64, at time.Time)
}

func NewAmbientPoller(client *Client, entityID string, interval time.Duration, onValue func(float64, time.Time)) *AmbientPoller {
	if interval <= 0 {
		interval = time.Minute
	}

	return &AmbientPoller{
		client:   client,
		entityID: entityID,
		interval: interval,
		onValue:  onValue,
	}
}

func (p *AmbientPoller) Run(ctx context.Context) error {
	log := logging.GetFromContext(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			value, err := p.client.NumericState(ctx, p.entityID)
			if err != nil {
				log.Warn("ambient poll failed", "entity", p.entityID, "err", err.Error())
				continue
			}
			p.onValue(value, now)
		}
	}
}
