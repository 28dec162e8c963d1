package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"log/slog"

	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/machug/brewsignal/internal/pkg/application/cleanup"
	"github.com/machug/brewsignal/internal/pkg/application/config"
	"github.com/machug/brewsignal/internal/pkg/application/controller"
	"github.com/machug/brewsignal/internal/pkg/application/hub"
	"github.com/machug/brewsignal/internal/pkg/application/ingest"
	"github.com/machug/brewsignal/internal/pkg/application/pipeline"
	"github.com/machug/brewsignal/internal/pkg/application/scanner"
	"github.com/machug/brewsignal/internal/pkg/infrastructure/homeassistant"
	"github.com/machug/brewsignal/internal/pkg/infrastructure/router"
	"github.com/machug/brewsignal/internal/pkg/infrastructure/storage"
	"github.com/machug/brewsignal/internal/pkg/presentation/api"
	"gopkg.in/yaml.v2"
)

const serviceName string = "brewsignal"

type flagType int
type flagMap map[flagType]string

const (
	listenAddress flagType = iota
	servicePort
	dbPath
	tuningFile
	haURL
	haToken
	haAmbientEntity
	devmode
)

func defaultFlags() flagMap {
	return flagMap{
		listenAddress:   "0.0.0.0",
		servicePort:     "8080",
		dbPath:          "/var/lib/brewsignal/brewsignal.db",
		tuningFile:      "",
		haURL:           "",
		haToken:         "",
		haAmbientEntity: "",
		devmode:         "false",
	}
}

func main() {
	ctx, flags := parseExternalConfig(context.Background(), defaultFlags())

	serviceVersion := buildinfo.SourceVersion()
	ctx, logger, cleanupO11y := o11y.Init(ctx, serviceName, serviceVersion, "json")
	defer cleanupO11y()

	store, err := newStorage(ctx, flags)
	exitIf(err, logger, "could not create or connect to database")
	defer store.Close()

	err = store.Initialize(ctx)
	exitIf(err, logger, "could not run schema migration")

	cfg, err := config.New(ctx, store)
	exitIf(err, logger, "could not load configuration")

	if flags[tuningFile] != "" {
		err = applyTuningFile(ctx, flags[tuningFile], cfg)
		exitIf(err, logger, "could not apply tuning file")
	}

	err = run(ctx, flags, store, cfg)
	if err != nil && !errors.Is(err, context.Canceled) {
		exitIf(err, logger, "service stopped")
	}
}

func run(ctx context.Context, flags flagMap, store storage.Store, cfg config.Store) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logging.GetFromContext(ctx)

	pipe := pipeline.New(cfg.Get().Pipeline, store)

	ws := hub.New(snapshotter(store))
	defer ws.Close()

	ingestSvc := ingest.New(store, pipe, ws, cfg.IngestConfig)

	actuator, haClient := newActuator(ctx, flags)
	ctrl := controller.New(store, actuator, nil, cfg.ControllerConfig)

	mux := router.New(serviceName)
	api.RegisterHandlers(ctx, mux, store, ingestSvc, pipe, ctrl, cfg, ws)

	server := &http.Server{
		Addr:    flags[listenAddress] + ":" + flags[servicePort],
		Handler: mux,
	}

	errs := make(chan error, 1)

	go func() {
		log.Info("listening for connections", "addr", server.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	go func() {
		if err := ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs <- err
		}
	}()

	go publishControllerStates(ctx, ctrl, ws, cfg)

	stopScanner := startScannerSupervisor(ctx, cfg, ingestSvc, errs)
	defer stopScanner()

	sweeper := cleanup.NewSweeper(store, time.Hour, func() int { return cfg.Get().RetentionDays })
	go sweeper.Run(ctx)

	if haClient != nil && flags[haAmbientEntity] != "" {
		poller := homeassistant.NewAmbientPoller(haClient, flags[haAmbientEntity], time.Minute, ws.PublishAmbient)
		go poller.Run(ctx)
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errs:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	server.Shutdown(shutdownCtx)

	// actuators go dark before the process does
	ctrl.SafeStop(shutdownCtx)

	return err
}

// snapshotter assembles the catch-up message a new websocket subscriber
// receives: the most recent reading per device.
func snapshotter(store storage.Store) hub.Snapshotter {
	return func(ctx context.Context) (any, error) {
		readings, err := store.LatestReadings(ctx)
		if err != nil {
			return nil, err
		}

		return map[string]any{"readings": readings}, nil
	}
}

func publishControllerStates(ctx context.Context, ctrl controller.Controller, ws hub.Hub, cfg config.Store) {
	ticker := time.NewTicker(cfg.ControllerConfig().TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ws.PublishControllerState(ctrl.States())
		}
	}
}

// noopActuator logs instead of switching, for installations without
// home assistant.
type noopActuator struct{}

func (noopActuator) TurnOn(ctx context.Context, entityID string) error {
	logging.GetFromContext(ctx).Info("no actuator backend, ignoring turn on", "entity", entityID)
	return nil
}

func (noopActuator) TurnOff(ctx context.Context, entityID string) error {
	logging.GetFromContext(ctx).Info("no actuator backend, ignoring turn off", "entity", entityID)
	return nil
}

func (noopActuator) State(ctx context.Context, entityID string) (string, error) {
	return "off", nil
}

func newActuator(ctx context.Context, flags flagMap) (controller.Actuator, *homeassistant.Client) {
	if flags[haURL] == "" {
		logging.GetFromContext(ctx).Warn("HOMEASSISTANT_URL not configured, temperature control runs without actuators")
		return noopActuator{}, nil
	}

	client := homeassistant.NewClient(flags[haURL], flags[haToken])
	return client, client
}

// scannerSelection is the part of the configuration that decides which
// scanner runs and against what source.
type scannerSelection struct {
	mode  config.ScannerMode
	files string
	relay string
	mockS int
}

func selectionFrom(snapshot config.Snapshot) scannerSelection {
	return scannerSelection{
		mode:  snapshot.Scanner,
		files: snapshot.ScannerFiles,
		relay: snapshot.ScannerRelay,
		mockS: snapshot.MockIntervalS,
	}
}

// scannerSupervisor keeps one scanner goroutine running and swaps it
// out when the operator changes the scanner configuration at runtime.
type scannerSupervisor struct {
	ctx   context.Context
	sink  scanner.Sink
	errs  chan<- error
	newFn func(context.Context, config.Snapshot, scanner.Sink) scanner.Scanner

	mu      sync.Mutex
	current scannerSelection
	cancel  context.CancelFunc
}

func startScannerSupervisor(ctx context.Context, cfg config.Store, sink scanner.Sink, errs chan<- error) func() {
	s := &scannerSupervisor{ctx: ctx, sink: sink, errs: errs, newFn: newScanner}
	s.apply(cfg.Get())
	unsubscribe := cfg.Subscribe(s.apply)

	return func() {
		unsubscribe()
		s.stop()
	}
}

func (s *scannerSupervisor) apply(snapshot config.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := selectionFrom(snapshot)
	if s.cancel != nil {
		if next == s.current {
			return
		}

		logging.GetFromContext(s.ctx).Info("scanner configuration changed, restarting scanner", "mode", string(next.mode))
		s.cancel()
	}

	runCtx, cancel := context.WithCancel(s.ctx)
	s.cancel = cancel
	s.current = next

	src := s.newFn(s.ctx, snapshot, s.sink)
	go func() {
		if err := src.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			select {
			case s.errs <- err:
			default:
			}
		}
	}()
}

func (s *scannerSupervisor) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func newScanner(ctx context.Context, snapshot config.Snapshot, sink scanner.Sink) scanner.Scanner {
	log := logging.GetFromContext(ctx)

	switch snapshot.Scanner {
	case config.ScannerModeMock:
		log.Info("using mock scanner")
		return scanner.NewMockScanner(sink, time.Duration(snapshot.MockIntervalS)*time.Second)
	case config.ScannerModeFile:
		log.Info("polling snapshot files", "path", snapshot.ScannerFiles)
		return scanner.NewFileScanner(sink, snapshot.ScannerFiles)
	case config.ScannerModeRelay:
		log.Info("consuming payloads from relay", "host", snapshot.ScannerRelay)
		return scanner.NewRelayScanner(sink, snapshot.ScannerRelay)
	default:
		return scanner.NewBLEScanner(sink)
	}
}

// applyTuningFile layers filter tuning from a yaml file over the
// persisted configuration. Meant for experiments; the result is
// persisted like any other config update.
func applyTuningFile(ctx context.Context, path string, cfg config.Store) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	tuning := cfg.Get().Pipeline
	if err := yaml.Unmarshal(b, &tuning); err != nil {
		return err
	}

	next := cfg.Get()
	next.Pipeline = tuning

	return cfg.Update(ctx, next)
}

func newStorage(ctx context.Context, flags flagMap) (storage.Store, error) {
	if flags[devmode] == "true" {
		return storage.New(storage.NewInMemoryConnector(ctx))
	}
	return storage.New(storage.NewSQLiteConnector(ctx, flags[dbPath]))
}

func parseExternalConfig(ctx context.Context, flags flagMap) (context.Context, flagMap) {
	// Allow environment variables to override certain defaults
	envOrDef := env.GetVariableOrDefault

	flags[listenAddress] = envOrDef(ctx, "LISTEN_ADDRESS", flags[listenAddress])
	flags[servicePort] = envOrDef(ctx, "SERVICE_PORT", flags[servicePort])
	flags[dbPath] = envOrDef(ctx, "BREWSIGNAL_DB_PATH", flags[dbPath])
	flags[haURL] = envOrDef(ctx, "HOMEASSISTANT_URL", flags[haURL])
	flags[haToken] = envOrDef(ctx, "HOMEASSISTANT_TOKEN", flags[haToken])
	flags[haAmbientEntity] = envOrDef(ctx, "HOMEASSISTANT_AMBIENT_ENTITY", flags[haAmbientEntity])

	apply := func(f flagType) func(string) error {
		return func(value string) error {
			flags[f] = value
			return nil
		}
	}

	// Allow command line arguments to override defaults and environment variables
	flag.Func("db", "path to the sqlite database file", apply(dbPath))
	flag.Func("tuning", "a yaml file with filter tuning overrides", apply(tuningFile))
	flag.Func("devmode", "run against an in-memory database", apply(devmode))
	flag.Parse()

	return ctx, flags
}

func exitIf(err error, logger *slog.Logger, msg string, args ...any) {
	if err != nil {
		logger.With(args...).Error(msg, "err", err.Error())
		time.Sleep(2 * time.Second)
		os.Exit(1)
	}
}
