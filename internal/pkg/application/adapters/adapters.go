package adapters

import (
	"errors"
	"fmt"
	"time"

	"github.com/machug/brewsignal/pkg/types"
)

// RawPayload is what the sources hand over: either a BLE manufacturer
// data blob or an HTTP request body, tagged with transport metadata.
type RawPayload struct {
	DeviceAddress    string
	ManufacturerData []byte
	Body             []byte
	RSSI             *int
	SourceProtocol   string
	ObservedAt       time.Time
}

type ErrorKind string

const (
	ErrorKindMalformed            ErrorKind = "malformed"
	ErrorKindUnsupportedVersion   ErrorKind = "unsupported_version"
	ErrorKindMissingRequiredField ErrorKind = "missing_required_field"
)

type AdapterError struct {
	Kind ErrorKind
	Msg  string
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func newAdapterError(kind ErrorKind, format string, args ...any) *AdapterError {
	return &AdapterError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// ErrPayloadIgnored marks payloads that are recognized but carry no
// reading, such as the RAPT hardware-revision beacon. The caller drops
// them without logging an error.
var ErrPayloadIgnored = errors.New("payload carries no reading")

// ErrNoAdapter means no registered adapter recognized the payload.
var ErrNoAdapter = errors.New("no adapter matched payload")

type Adapter interface {
	Kind() types.DeviceKind
	Sniff(payload RawPayload) bool
	Parse(payload RawPayload) (types.NormalizedReading, error)
}

// Router holds the adapters in sniff order. The order matters: the
// GravityMon schema extends the iSpindel schema, so the more specific
// adapter has to get the first look.
type Router struct {
	adapters []Adapter
}

func NewRouter() *Router {
	return &Router{
		adapters: []Adapter{
			NewGravityMonAdapter(),
			NewRAPTAdapter(),
			NewISpindelAdapter(),
			NewTiltAdapter(),
		},
	}
}

func (r *Router) Route(payload RawPayload) (types.NormalizedReading, error) {
	for _, a := range r.adapters {
		if a.Sniff(payload) {
			return a.Parse(payload)
		}
	}

	return types.NormalizedReading{}, ErrNoAdapter
}
