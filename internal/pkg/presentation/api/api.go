package api

import (
	"context"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"log/slog"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
	"github.com/machug/brewsignal/internal/pkg/application/adapters"
	"github.com/machug/brewsignal/internal/pkg/application/config"
	"github.com/machug/brewsignal/internal/pkg/application/controller"
	"github.com/machug/brewsignal/internal/pkg/application/hub"
	"github.com/machug/brewsignal/internal/pkg/application/ingest"
	"github.com/machug/brewsignal/internal/pkg/application/pipeline"
	"github.com/machug/brewsignal/internal/pkg/infrastructure/storage"
	"github.com/machug/brewsignal/pkg/types"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("brewsignal/api")

func RegisterHandlers(ctx context.Context, router *chi.Mux, store storage.Store, ingestSvc ingest.Manager, pipe pipeline.Pipeline, ctrl controller.Controller, cfg config.Store, ws hub.Hub) *chi.Mux {

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	log := logging.GetFromContext(ctx)

	router.Route("/api/ingest", func(r chi.Router) {
		r.Post("/generic", ingestGenericHandler(log, ingestSvc))
		r.Post("/ispindel", ingestHTTPHandler(log, ingestSvc))
		r.Post("/gravitymon", ingestHTTPHandler(log, ingestSvc))
	})

	router.Route("/api/v0", func(r chi.Router) {
		r.Route("/devices", func(r chi.Router) {
			r.Get("/", listDevicesHandler(log, store))
			r.Get("/{deviceID}", getDeviceHandler(log, store))
			r.Patch("/{deviceID}", patchDeviceHandler(log, store))
			r.Get("/{deviceID}/calibration", getCalibrationHandler(log, store))
			r.Put("/{deviceID}/calibration", putCalibrationHandler(log, store, pipe))
			r.Post("/{deviceID}/reset", resetDeviceHandler(log, pipe))
			r.Get("/{deviceID}/readings", queryReadingsHandler(log, store))
		})

		r.Route("/batches", func(r chi.Router) {
			r.Get("/", listBatchesHandler(log, store))
			r.Post("/", createBatchHandler(log, store))
			r.Get("/{batchID}", getBatchHandler(log, store))
			r.Patch("/{batchID}", patchBatchHandler(log, store))
			r.Delete("/{batchID}", deleteBatchHandler(log, store))
			r.Post("/{batchID}/override", setOverrideHandler(log, ctrl))
			r.Delete("/{batchID}/override", clearOverrideHandler(log, ctrl))
			r.Get("/{batchID}/estimate", batchEstimateHandler(log, store))
		})

		r.Get("/controller", controllerStatesHandler(ctrl))
		r.Get("/config", getConfigHandler(cfg))
		r.Put("/config", putConfigHandler(log, cfg))
	})

	router.Get("/log.csv", exportCSVHandler(log, store))
	router.Get("/ws", ws.Handler())

	return router
}

// genericPayload is the wire shape relays and test rigs post: the raw
// manufacturer data as hex plus transport metadata.
type genericPayload struct {
	Address          string     `json:"address"`
	ManufacturerData string     `json:"manufacturerData"`
	RSSI             *int       `json:"rssi,omitempty"`
	ObservedAt       *time.Time `json:"observedAt,omitempty"`
}

func ingestGenericHandler(log *slog.Logger, svc ingest.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "ingest-generic")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		var payload genericPayload
		if err = json.NewDecoder(r.Body).Decode(&payload); err != nil {
			requestLogger.Error("unable to unmarshal body", "err", err.Error())
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		data, err := hex.DecodeString(payload.ManufacturerData)
		if err != nil {
			requestLogger.Error("manufacturer data is not valid hex", "err", err.Error())
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		observedAt := time.Now()
		if payload.ObservedAt != nil {
			observedAt = *payload.ObservedAt
		}

		result, err := svc.IngestRaw(ctx, adapters.RawPayload{
			DeviceAddress:    payload.Address,
			ManufacturerData: data,
			RSSI:             payload.RSSI,
			SourceProtocol:   "http",
			ObservedAt:       observedAt,
		})

		writeIngestResult(w, requestLogger, result, err)
	}
}

// ingestHTTPHandler accepts the JSON bodies iSpindel and GravityMon
// firmware post. The adapters sniff the schema, one handler serves both.
func ingestHTTPHandler(log *slog.Logger, svc ingest.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "ingest-http")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		result, err := svc.IngestRaw(ctx, adapters.RawPayload{
			Body:           body,
			SourceProtocol: "http",
			ObservedAt:     time.Now(),
		})

		writeIngestResult(w, requestLogger, result, err)
	}
}

// writeIngestResult maps outcomes onto the ingest response contract:
// 202 for stored readings, 200 for readings the policy dropped, 400
// for payloads no adapter could make sense of.
func writeIngestResult(w http.ResponseWriter, log *slog.Logger, result ingest.Result, err error) {
	if err != nil {
		var adapterErr *adapters.AdapterError
		if errors.As(err, &adapterErr) {
			log.Debug("rejected payload", "kind", string(adapterErr.Kind), "err", adapterErr.Msg)
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": adapterErr.Error()})
			return
		}

		log.Error("ingest failed", "err", err.Error())
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if result.Outcome == ingest.OutcomeStored {
		status = http.StatusAccepted
	}

	writeJSON(w, status, result)
}

func listDevicesHandler(log *slog.Logger, store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "list-devices")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		devices, err := store.ListDevices(ctx)
		if err != nil {
			requestLogger.Error("unable to list devices", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, types.Collection[types.Device]{
			Data:       devices,
			Count:      uint64(len(devices)),
			Limit:      uint64(len(devices)),
			TotalCount: uint64(len(devices)),
		})
	}
}

func getDeviceHandler(log *slog.Logger, store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		deviceID := chi.URLParam(r, "deviceID")

		device, err := store.GetDevice(ctx, deviceID)
		if errors.Is(err, storage.ErrNoRows) {
			requestLogger.Debug("device not found", "device_id", deviceID)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			requestLogger.Error("unable to get device", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, device)
	}
}

// devicePatch carries the two mutable device properties. Pointer
// fields so an absent property stays untouched.
type devicePatch struct {
	Name   *string `json:"name,omitempty"`
	Paired *bool   `json:"paired,omitempty"`
}

func patchDeviceHandler(log *slog.Logger, store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "patch-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		deviceID := chi.URLParam(r, "deviceID")

		var patch devicePatch
		if err = json.NewDecoder(r.Body).Decode(&patch); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if patch.Paired != nil {
			err = store.SetDevicePaired(ctx, deviceID, *patch.Paired)
		}
		if err == nil && patch.Name != nil {
			err = store.SetDeviceName(ctx, deviceID, *patch.Name)
		}

		if errors.Is(err, storage.ErrNoRows) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			requestLogger.Error("unable to update device", "device_id", deviceID, "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func getCalibrationHandler(log *slog.Logger, store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-calibration")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		curves, err := store.GetCalibration(ctx, chi.URLParam(r, "deviceID"))
		if err != nil {
			requestLogger.Error("unable to get calibration", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, curves)
	}
}

func putCalibrationHandler(log *slog.Logger, store storage.Store, pipe pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "put-calibration")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		deviceID := chi.URLParam(r, "deviceID")

		var curve types.CalibrationCurve
		if err = json.NewDecoder(r.Body).Decode(&curve); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		curve.DeviceID = deviceID

		if err = ingest.ValidateCurve(curve); err != nil {
			requestLogger.Debug("rejected calibration curve", "device_id", deviceID, "err", err.Error())
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		if err = store.SetCalibration(ctx, curve); err != nil {
			requestLogger.Error("unable to store calibration", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		// new curve, old filter state no longer applies
		pipe.Reset(deviceID)

		w.WriteHeader(http.StatusNoContent)
	}
}

func resetDeviceHandler(log *slog.Logger, pipe pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		_, span := tracer.Start(r.Context(), "reset-device")
		defer span.End()

		pipe.Reset(chi.URLParam(r, "deviceID"))
		w.WriteHeader(http.StatusNoContent)
	}
}

func queryReadingsHandler(log *slog.Logger, store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "query-readings")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		deviceID := chi.URLParam(r, "deviceID")

		since := time.Now().Add(-24 * time.Hour)
		until := time.Now()
		limit := storage.MaxReadingsLimit

		if v := r.URL.Query().Get("since"); v != "" {
			if since, err = time.Parse(time.RFC3339, v); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
		}
		if v := r.URL.Query().Get("until"); v != "" {
			if until, err = time.Parse(time.RFC3339, v); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
		}
		if v := r.URL.Query().Get("limit"); v != "" {
			if limit, err = strconv.Atoi(v); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
		}

		readings, err := store.ReadingsInRange(ctx, deviceID, since, until, limit)
		if err != nil {
			requestLogger.Error("unable to query readings", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, types.Collection[types.Reading]{
			Data:       readings,
			Count:      uint64(len(readings)),
			Limit:      uint64(limit),
			TotalCount: uint64(len(readings)),
		})
	}
}

func listBatchesHandler(log *slog.Logger, store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "list-batches")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		batches, err := store.ListBatches(ctx)
		if err != nil {
			requestLogger.Error("unable to list batches", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, types.Collection[types.Batch]{
			Data:       batches,
			Count:      uint64(len(batches)),
			Limit:      uint64(len(batches)),
			TotalCount: uint64(len(batches)),
		})
	}
}

func createBatchHandler(log *slog.Logger, store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "create-batch")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		var batch types.Batch
		if err = json.NewDecoder(r.Body).Decode(&batch); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		id, err := store.AddBatch(ctx, batch)
		if errors.Is(err, storage.ErrBatchConflict) {
			requestLogger.Debug("batch conflict", "device_id", *batch.DeviceID)
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		if err != nil {
			requestLogger.Error("unable to create batch", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		batch.ID = id
		writeJSON(w, http.StatusCreated, batch)
	}
}

func getBatchHandler(log *slog.Logger, store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-batch")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		batchID, err := parseBatchID(r)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		batch, err := store.GetBatch(ctx, batchID)
		if errors.Is(err, storage.ErrNoRows) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			requestLogger.Error("unable to get batch", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, batch)
	}
}

func patchBatchHandler(log *slog.Logger, store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "patch-batch")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		batchID, err := parseBatchID(r)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		batch, err := store.GetBatch(ctx, batchID)
		if errors.Is(err, storage.ErrNoRows) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			requestLogger.Error("unable to get batch", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		if err = json.NewDecoder(r.Body).Decode(&batch); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		batch.ID = batchID

		err = store.UpdateBatch(ctx, batch)
		if errors.Is(err, storage.ErrBatchConflict) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		if err != nil {
			requestLogger.Error("unable to update batch", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, batch)
	}
}

func deleteBatchHandler(log *slog.Logger, store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "delete-batch")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		batchID, err := parseBatchID(r)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		err = store.DeleteBatch(ctx, batchID)
		if errors.Is(err, storage.ErrNoRows) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			requestLogger.Error("unable to delete batch", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// batchEstimateHandler extrapolates when the batch will reach its
// expected final gravity. Purely informational; no estimate is an
// answer, not an error.
func batchEstimateHandler(log *slog.Logger, store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "estimate-batch")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		batchID, err := parseBatchID(r)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		batch, err := store.GetBatch(ctx, batchID)
		if errors.Is(err, storage.ErrNoRows) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			requestLogger.Error("unable to get batch", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		expectedFG := 0.0
		if v := r.URL.Query().Get("expectedFG"); v != "" {
			if expectedFG, err = strconv.ParseFloat(v, 64); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
		} else if batch.MeasuredFG != nil {
			expectedFG = *batch.MeasuredFG
		} else {
			writeJSON(w, http.StatusOK, map[string]any{"available": false, "reason": "no expected final gravity"})
			return
		}

		if batch.DeviceID == nil {
			writeJSON(w, http.StatusOK, map[string]any{"available": false, "reason": "batch has no device"})
			return
		}

		latest, err := store.LatestGoodReading(ctx, *batch.DeviceID)
		if errors.Is(err, storage.ErrNoRows) {
			writeJSON(w, http.StatusOK, map[string]any{"available": false, "reason": "no readings"})
			return
		}
		if err != nil {
			requestLogger.Error("unable to get latest reading", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		eta, ok := pipeline.LinearPredictor([]types.Reading{latest}, expectedFG)
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{"available": false, "reason": "gravity is not falling"})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"available": true, "estimatedCompletion": eta})
	}
}

type overrideRequest struct {
	Mode            controller.Mode `json:"mode"`
	DurationSeconds int             `json:"durationSeconds"`
}

func setOverrideHandler(log *slog.Logger, ctrl controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		_, span := tracer.Start(r.Context(), "set-override")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		batchID, err := parseBatchID(r)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var req overrideRequest
		if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		switch req.Mode {
		case controller.ModeHeating, controller.ModeCooling, controller.ModeOff:
		default:
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if req.DurationSeconds <= 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		err = ctrl.SetOverride(batchID, req.Mode, time.Duration(req.DurationSeconds)*time.Second)
		if errors.Is(err, controller.ErrUnknownBatch) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			log.Error("unable to set override", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func clearOverrideHandler(log *slog.Logger, ctrl controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		_, span := tracer.Start(r.Context(), "clear-override")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		batchID, err := parseBatchID(r)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		err = ctrl.ClearOverride(batchID)
		if errors.Is(err, controller.ErrUnknownBatch) {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func controllerStatesHandler(ctrl controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		writeJSON(w, http.StatusOK, ctrl.States())
	}
}

func getConfigHandler(cfg config.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		writeJSON(w, http.StatusOK, cfg.Get())
	}
}

func putConfigHandler(log *slog.Logger, cfg config.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "put-config")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		// start from the current snapshot so a partial body only
		// changes the fields it names
		next := cfg.Get()
		if err = json.NewDecoder(r.Body).Decode(&next); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if err = cfg.Update(ctx, next); err != nil {
			if errors.Is(err, config.ErrInvalidConfig) {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			requestLogger.Error("unable to update config", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, cfg.Get())
	}
}

// exportCSVHandler streams the full reading history without loading it
// into memory, one CSV row per stored reading.
func exportCSVHandler(log *slog.Logger, store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "export-csv")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="brewsignal.csv"`)

		writer := csv.NewWriter(w)
		writer.Write([]string{
			"timestamp", "device_id", "batch_id",
			"gravity_raw", "gravity_calibrated", "gravity_filtered",
			"temperature_raw", "temperature_calibrated", "temperature_filtered",
			"gravity_rate", "temperature_rate",
			"confidence", "rssi", "is_anomaly", "status",
		})

		err = store.ForEachReading(ctx, func(reading types.Reading) error {
			batchID := ""
			if reading.BatchID != nil {
				batchID = strconv.FormatUint(uint64(*reading.BatchID), 10)
			}
			rssi := ""
			if reading.RSSI != nil {
				rssi = strconv.Itoa(*reading.RSSI)
			}

			return writer.Write([]string{
				reading.Timestamp.Format(time.RFC3339),
				reading.DeviceID,
				batchID,
				formatFloat(reading.GravityRaw),
				formatFloat(reading.GravityCalibrated),
				formatFloat(reading.GravityFiltered),
				formatFloat(reading.TemperatureRaw),
				formatFloat(reading.TemperatureCalibrated),
				formatFloat(reading.TemperatureFiltered),
				formatFloat(reading.GravityRate),
				formatFloat(reading.TemperatureRate),
				formatFloat(reading.Confidence),
				rssi,
				strconv.FormatBool(reading.IsAnomaly),
				string(reading.Status),
			})
		})
		if err != nil {
			requestLogger.Error("csv export aborted", "err", err.Error())
			return
		}

		writer.Flush()
	}
}

func parseBatchID(r *http.Request) (uint, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "batchID"), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid batch id: %w", err)
	}
	return uint(id), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
