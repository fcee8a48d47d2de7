// Package telemetry records flow events for offline analysis. Emission is
// best-effort: a failing or absent sink never affects request handling.
package telemetry

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/helpdeskops/triage/pkg/config"
)

// Event is one recorded flow outcome.
type Event struct {
	Timestamp     time.Time
	Service       string
	Operation     string
	CorrelationID string
	TargetSystem  string
	RunbookName   string
	Status        string
	Detail        string
}

// Sink receives flow events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, event Event)
	Close() error
}

// New returns a ClickHouse-backed sink when telemetry is configured and a
// no-op sink otherwise.
func New(log logrus.FieldLogger, cfg *config.TelemetryConfig) (Sink, error) {
	if cfg == nil {
		return NewNoop(), nil
	}

	return NewClickHouse(log, cfg)
}

// NewNoop returns a sink that discards every event.
func NewNoop() Sink {
	return noopSink{}
}

type noopSink struct{}

func (noopSink) Emit(context.Context, Event) {}

func (noopSink) Close() error { return nil }
