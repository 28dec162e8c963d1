package scanner

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/machug/brewsignal/internal/pkg/application/adapters"
	"github.com/machug/brewsignal/internal/pkg/application/ingest"
	"github.com/matryer/is"
)

type captureSink struct {
	mu       sync.Mutex
	payloads []adapters.RawPayload
	notify   chan struct{}
}

func newCaptureSink() *captureSink {
	return &captureSink{notify: make(chan struct{}, 16)}
}

func (c *captureSink) IngestRaw(ctx context.Context, payload adapters.RawPayload) (ingest.Result, error) {
	c.mu.Lock()
	c.payloads = append(c.payloads, payload)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}

	return ingest.Result{Outcome: ingest.OutcomeStored}, nil
}

func (c *captureSink) await(t *testing.T, count int) []adapters.RawPayload {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for {
		c.mu.Lock()
		n := len(c.payloads)
		got := append([]adapters.RawPayload{}, c.payloads...)
		c.mu.Unlock()

		if n >= count {
			return got
		}

		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d payloads, got %d", count, n)
		}
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	is := is.New(t)

	b := backoff{}
	is.Equal(b.next(), time.Second)
	is.Equal(b.next(), 2*time.Second)
	is.Equal(b.next(), 4*time.Second)

	for i := 0; i < 10; i++ {
		b.next()
	}
	is.Equal(b.next(), 60*time.Second)

	b.reset()
	is.Equal(b.next(), time.Second)
}

func TestBackoffResetsAfterHealthyStretch(t *testing.T) {
	is := is.New(t)

	b := backoff{}
	b.next()
	b.next()
	is.Equal(b.next(), 4*time.Second)

	// a long run before the next failure starts the ladder over
	is.Equal(b.nextAfter(2*time.Minute, time.Minute), time.Second)

	// a short-lived attempt keeps climbing
	is.Equal(b.nextAfter(5*time.Second, time.Minute), 2*time.Second)
}

func TestMockScannerEmitsDecodableAdvertisements(t *testing.T) {
	is := is.New(t)

	sink := newCaptureSink()
	s := NewMockScanner(sink, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	payloads := sink.await(t, 2)

	nr, err := adapters.NewRouter().Route(payloads[0])
	is.NoErr(err)
	is.Equal(nr.DeviceID, "tilt-blue")
	is.True(nr.GravitySG != nil)
	is.True(*nr.GravitySG > 1.0 && *nr.GravitySG < 1.1)
}

func writeSnapshot(t *testing.T, path string, record recordedPayload) {
	t.Helper()

	contents, err := json.Marshal(record)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFileScannerForwardsFreshSnapshots(t *testing.T) {
	is := is.New(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "tilt.json")

	writeSnapshot(t, path, recordedPayload{
		Address:          "00:11:22:33:44:55",
		ManufacturerData: "4c000215",
		ObservedAt:       time.Now(),
	})

	sink := newCaptureSink()
	s := NewFileScanner(sink, dir).(*fileScanner)
	s.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	payloads := sink.await(t, 1)
	is.Equal(payloads[0].SourceProtocol, "file")
	is.Equal(payloads[0].DeviceAddress, "00:11:22:33:44:55")

	// a rewritten snapshot with a newer timestamp is forwarded again
	writeSnapshot(t, path, recordedPayload{
		Address:          "00:11:22:33:44:55",
		ManufacturerData: "4c000215",
		ObservedAt:       time.Now().Add(time.Second),
	})

	sink.await(t, 2)
}

func TestFileScannerSkipsUnchangedSnapshots(t *testing.T) {
	is := is.New(t)

	dir := t.TempDir()

	writeSnapshot(t, filepath.Join(dir, "tilt.json"), recordedPayload{
		Address:          "00:11:22:33:44:55",
		ManufacturerData: "4c000215",
		ObservedAt:       time.Now(),
	})

	sink := newCaptureSink()
	s := NewFileScanner(sink, dir).(*fileScanner)

	ctx := context.Background()

	s.poll(ctx)
	s.poll(ctx)
	s.poll(ctx)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	is.Equal(len(sink.payloads), 1)
}

func TestRelayScannerPollsSnapshots(t *testing.T) {
	is := is.New(t)

	record := recordedPayload{
		Address:          "aa:bb:cc:dd:ee:ff",
		ManufacturerData: "4c000215",
		ObservedAt:       time.Now(),
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/snapshots" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode([]recordedPayload{record})
	}))
	defer server.Close()

	sink := newCaptureSink()
	s := NewRelayScanner(sink, strings.TrimPrefix(server.URL, "http://")).(*relayScanner)
	s.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	payloads := sink.await(t, 1)
	is.Equal(payloads[0].SourceProtocol, "relay")
	is.Equal(payloads[0].DeviceAddress, "aa:bb:cc:dd:ee:ff")
	is.Equal(hex.EncodeToString(payloads[0].ManufacturerData), "4c000215")

	// repeated polls of the same snapshot deliver nothing new
	time.Sleep(50 * time.Millisecond)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	is.Equal(len(sink.payloads), 1)
}
