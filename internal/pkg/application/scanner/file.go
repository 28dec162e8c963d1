package scanner

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/machug/brewsignal/internal/pkg/application/adapters"
)

// recordedPayload is a snapshot of one advertisement: manufacturer data
// as hex, with the transport metadata the live scanner would have seen.
type recordedPayload struct {
	Address          string    `json:"address"`
	ManufacturerData string    `json:"manufacturerData"`
	RSSI             *int      `json:"rssi,omitempty"`
	ObservedAt       time.Time `json:"observedAt"`
}

const snapshotPollInterval = 2 * time.Second

// NewFileScanner polls a directory of snapshot files (*.json), one per
// device, written by an external capture daemon. A snapshot is forwarded
// when its observation timestamp moves.
func NewFileScanner(sink Sink, dir string) Scanner {
	return &fileScanner{
		sink:     sink,
		dir:      dir,
		interval: snapshotPollInterval,
		seen:     map[string]time.Time{},
	}
}

type fileScanner struct {
	sink     Sink
	dir      string
	interval time.Duration
	seen     map[string]time.Time
}

func (s *fileScanner) Run(ctx context.Context) error {
	log := logging.GetFromContext(ctx)
	log.Info("polling snapshot files", "dir", s.dir)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *fileScanner) poll(ctx context.Context) {
	log := logging.GetFromContext(ctx)

	files, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		log.Error("could not list snapshot files", "dir", s.dir, "err", err.Error())
		return
	}

	for _, name := range files {
		contents, err := os.ReadFile(name)
		if err != nil {
			log.Warn("could not read snapshot file", "file", name, "err", err.Error())
			continue
		}

		var record recordedPayload
		if err := json.Unmarshal(contents, &record); err != nil {
			log.Warn("skipping malformed snapshot file", "file", name, "err", err.Error())
			continue
		}

		// unchanged snapshots were already forwarded
		if !record.ObservedAt.After(s.seen[name]) {
			continue
		}
		s.seen[name] = record.ObservedAt

		payload, err := record.toRawPayload("file")
		if err != nil {
			log.Warn("skipping snapshot with bad hex", "file", name, "err", err.Error())
			continue
		}

		s.sink.IngestRaw(ctx, payload)
	}
}

func (r recordedPayload) toRawPayload(protocol string) (adapters.RawPayload, error) {
	data, err := hex.DecodeString(r.ManufacturerData)
	if err != nil {
		return adapters.RawPayload{}, err
	}

	observedAt := r.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now()
	}

	return adapters.RawPayload{
		DeviceAddress:    r.Address,
		ManufacturerData: data,
		RSSI:             r.RSSI,
		SourceProtocol:   protocol,
		ObservedAt:       observedAt,
	}, nil
}
