package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

// NewRelayScanner polls a remote capture host for its latest
// advertisement snapshots. The relay runs next to the fermenter when
// this process does not; the wire shape matches the snapshot files.
func NewRelayScanner(sink Sink, host string) Scanner {
	return &relayScanner{
		sink:     sink,
		url:      fmt.Sprintf("http://%s/snapshots", host),
		client:   &http.Client{Timeout: 5 * time.Second},
		interval: snapshotPollInterval,
		seen:     map[string]time.Time{},
	}
}

type relayScanner struct {
	sink     Sink
	url      string
	client   *http.Client
	interval time.Duration
	seen     map[string]time.Time
}

func (s *relayScanner) Run(ctx context.Context) error {
	log := logging.GetFromContext(ctx)
	log.Info("polling relay host", "url", s.url)

	retry := backoff{}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := s.interval

		if err := s.poll(ctx); err != nil {
			delay = retry.next()
			log.Error("relay poll failed", "url", s.url, "err", err.Error(), "delay", delay.String())
		} else {
			retry.reset()
		}

		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}
}

func (s *relayScanner) poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay responded with status %d", resp.StatusCode)
	}

	var records []recordedPayload
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return err
	}

	log := logging.GetFromContext(ctx)

	for _, record := range records {
		if !record.ObservedAt.After(s.seen[record.Address]) {
			continue
		}
		s.seen[record.Address] = record.ObservedAt

		payload, err := record.toRawPayload("relay")
		if err != nil {
			log.Warn("skipping relay snapshot with bad hex", "address", record.Address, "err", err.Error())
			continue
		}

		s.sink.IngestRaw(ctx, payload)
	}

	return nil
}
